// Package checksum validates downloaded content against the SHA-256 digest
// recorded when the document was accepted.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Sum returns the lowercase hex SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumReader streams r into the hash and returns its lowercase hex digest.
func SumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumFile hashes the file at path.
func SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	return SumReader(f)
}

// Validate reports whether data hashes to expectedHex. The comparison is case
// insensitive and ignores surrounding whitespace.
func Validate(data []byte, expectedHex string) bool {
	return Equal(Sum(data), expectedHex)
}

// Equal compares two hex digests case-insensitively.
func Equal(actualHex, expectedHex string) bool {
	expected := strings.TrimSpace(expectedHex)
	if expected == "" {
		return false
	}
	return strings.EqualFold(actualHex, expected)
}
