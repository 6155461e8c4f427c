// Package l2addr renders the sidechain's 20-byte swaptypes.Address as a
// base58check string and parses it back, the standard P2PKH pairing
// (Hash160 -> btcutil.NewAddressPubKeyHash -> EncodeAddress, and the
// inverse through btcutil.DecodeAddress). There is exactly one address
// shape; no HD derivation or script variants.
package l2addr

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/coinshift/coinshift/internal/swaptypes"
)

// Network selects the base58check version byte a sidechain address is
// encoded under, keeping addresses visually distinct across the three
// deployments.
type Network byte

const (
	Mainnet Network = iota
	Testnet
	Regtest
)

// params returns a chaincfg.Params carrying only the one field
// btcutil's address codec reads for a pubkey-hash address: the version
// byte. These are Coinshift's own, not Bitcoin's — a sidechain address
// must never decode successfully as an L1 address or vice versa.
func params(n Network) *chaincfg.Params {
	switch n {
	case Testnet:
		return &chaincfg.Params{Name: "coinshift-testnet", PubKeyHashAddrID: 0x41}
	case Regtest:
		return &chaincfg.Params{Name: "coinshift-regtest", PubKeyHashAddrID: 0x42}
	default:
		return &chaincfg.Params{Name: "coinshift-mainnet", PubKeyHashAddrID: 0x1c}
	}
}

// Encode renders addr as a base58check string for the given network.
func Encode(addr swaptypes.Address, net Network) (string, error) {
	a, err := btcutil.NewAddressPubKeyHash(addr[:], params(net))
	if err != nil {
		return "", fmt.Errorf("l2addr: encode: %w", err)
	}
	return a.EncodeAddress(), nil
}

// Decode parses a base58check string produced by Encode back into an
// Address, rejecting anything that isn't a pubkey-hash address on net.
func Decode(s string, net Network) (swaptypes.Address, error) {
	decoded, err := btcutil.DecodeAddress(s, params(net))
	if err != nil {
		return swaptypes.Address{}, fmt.Errorf("l2addr: decode %q: %w", s, err)
	}
	pkh, ok := decoded.(*btcutil.AddressPubKeyHash)
	if !ok {
		return swaptypes.Address{}, fmt.Errorf("l2addr: %q is not a pubkey-hash address", s)
	}
	return swaptypes.AddressFromBytes(pkh.Hash160()[:])
}

// DeriveFromPubKey computes the receiving Address for a compressed
// secp256k1 public key (Hash160 of its compressed encoding), the way a
// sidechain wallet derives its own address from a keypair. Kept here
// rather than in a wallet package since it's the only pubkey-adjacent
// step l2addr needs: validating the key is well-formed before hashing
// it.
func DeriveFromPubKey(pubKeyBytes []byte) (swaptypes.Address, error) {
	if len(pubKeyBytes) != btcec.PubKeyBytesLenCompressed {
		return swaptypes.Address{}, fmt.Errorf(
			"l2addr: public key must be %d bytes compressed, got %d",
			btcec.PubKeyBytesLenCompressed, len(pubKeyBytes))
	}
	if _, err := btcec.ParsePubKey(pubKeyBytes); err != nil {
		return swaptypes.Address{}, fmt.Errorf("l2addr: invalid public key: %w", err)
	}
	return swaptypes.AddressFromBytes(btcutil.Hash160(pubKeyBytes))
}
