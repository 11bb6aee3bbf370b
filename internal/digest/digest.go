// Package digest computes content hashes used for index staleness detection.
// A file's hash and its line count are always taken from the same read of the
// file, so together they describe one consistent snapshot of its bytes.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// Prefix identifies the hash algorithm in stored hash strings.
const Prefix = "sha256:"

// HashBytes returns the content hash of data as a "sha256:<hex>" string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:])
}

// HashFile reads path once and returns its content hash and physical line
// count. A trailing newline does not start an additional line, so a file
// ending in "\n" has as many lines as it has newline characters.
func HashFile(path string) (hash string, lineCount int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("read %s: %w", path, err)
	}
	return HashBytes(data), CountLines(data), nil
}

// CountLines returns the number of physical lines in data.
func CountLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}
