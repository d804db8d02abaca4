package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// CalculateBytesSHA256 computes the SHA-256 hash of raw content.
func CalculateBytesSHA256(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// CalculateStringSHA256 computes the SHA-256 hash of a string.
func CalculateStringSHA256(content string) string {
	return CalculateBytesSHA256([]byte(content))
}
