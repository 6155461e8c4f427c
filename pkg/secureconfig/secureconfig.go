// Package secureconfig encrypts L1 RPC credentials at rest using
// Argon2id key derivation and AES-256-GCM sealing, so config.yaml never
// carries a plaintext password.
package secureconfig

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/coinshift/coinshift/pkg/helpers"
)

// Argon2 parameters (OWASP-recommended).
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32
)

// EncryptedSecret is an Argon2id+AES-256-GCM-protected value, suitable
// for storing an L1 RPC password (or any other short operator secret)
// directly in a config file without keeping it in cleartext on disk.
type EncryptedSecret struct {
	Version     int    `yaml:"version" json:"version"`
	Ciphertext  []byte `yaml:"ciphertext" json:"ciphertext"`
	Salt        []byte `yaml:"salt" json:"salt"`
	Nonce       []byte `yaml:"nonce" json:"nonce"`
	Time        uint32 `yaml:"time" json:"time"`
	Memory      uint32 `yaml:"memory" json:"memory"`
	Parallelism uint8  `yaml:"parallelism" json:"parallelism"`
}

// Encrypt encrypts secret (e.g. an L1 RPC password) under passphrase.
func Encrypt(secret, passphrase string) (*EncryptedSecret, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("secureconfig: passphrase must not be empty")
	}

	salt, err := helpers.GenerateSecureRandom(argon2SaltLen)
	if err != nil {
		return nil, fmt.Errorf("secureconfig: generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secureconfig: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secureconfig: new gcm: %w", err)
	}

	nonce, err := helpers.GenerateSecureRandom(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("secureconfig: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(secret), nil)

	return &EncryptedSecret{
		Version:     1,
		Ciphertext:  ciphertext,
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}, nil
}

// Decrypt recovers the secret sealed in enc under passphrase.
func Decrypt(enc *EncryptedSecret, passphrase string) (string, error) {
	time := enc.Time
	if time == 0 {
		time = argon2Time
	}
	memory := enc.Memory
	if memory == 0 {
		memory = argon2Memory
	}
	parallelism := enc.Parallelism
	if parallelism == 0 {
		parallelism = argon2Parallelism
	}

	key := argon2.IDKey([]byte(passphrase), enc.Salt, time, memory, parallelism, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("secureconfig: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secureconfig: new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, enc.Nonce, enc.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secureconfig: decrypt (wrong passphrase?): %w", err)
	}
	defer SecureClear(plaintext)

	return string(plaintext), nil
}

// SecureClear overwrites b with zeros in place.
func SecureClear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information, for comparing derived keys or tokens.
func ConstantTimeEqual(a, b []byte) bool {
	return helpers.ConstantTimeCompare(a, b)
}
