package integrity

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// ComputeDigest computes the BLAKE3 hash of a file.
func ComputeDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileDigest verifies a file against an expected BLAKE3 hash.
func VerifyFileDigest(path, expected string) error {
	actual, err := ComputeDigest(path)
	if err != nil {
		return fmt.Errorf("failed to compute digest: %w", err)
	}

	if actual != expected {
		return fmt.Errorf("digest mismatch for %s: expected %s, got %s", path, expected, actual)
	}

	return nil
}
