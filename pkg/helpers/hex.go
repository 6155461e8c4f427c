// Package helpers provides common utility functions used across the codebase.
package helpers

import "encoding/hex"

// HexToBytes decodes a plain hex string (no 0x prefix, the convention used
// by Bitcoin Core and the tools that talk to it) to bytes.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// BytesToHex encodes bytes as a plain hex string.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// PadLeft pads a byte slice with zeros on the left to reach the specified length.
func PadLeft(b []byte, length int) []byte {
	if len(b) >= length {
		return b
	}
	result := make([]byte, length)
	copy(result[length-len(b):], b)
	return result
}

// PadRight pads a byte slice with zeros on the right to reach the specified length.
func PadRight(b []byte, length int) []byte {
	if len(b) >= length {
		return b
	}
	result := make([]byte, length)
	copy(result, b)
	return result
}
