package checksum

import (
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"fmt"
	"io"

	"github.com/go-git/go-billy/v5"
	"github.com/opencontainers/go-digest"
)

const bufferSize = 64 * 1024 // 64KB buffer

// CalculateFileSHA256 calculates the SHA-256 checksum of a file and returns it hex encoded
func CalculateFileSHA256(fs billy.Filesystem, filePath string) (string, error) {
	file, err := fs.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	return CalculateSHA256(file)
}

// CalculateSHA256 calculates the SHA-256 checksum from reader and returns it hex encoded,
// the format the store uses as content key
func CalculateSHA256(r io.Reader) (string, error) {
	digester := digest.SHA256.Digester()
	buffer := make([]byte, bufferSize)

	if _, err := io.CopyBuffer(digester.Hash(), r, buffer); err != nil {
		return "", fmt.Errorf("read: %w", err)
	}

	return digester.Digest().Encoded(), nil
}

// Validate checks that s looks like a hex encoded SHA-256 checksum
func Validate(s string) error {
	return digest.NewDigestFromEncoded(digest.SHA256, s).Validate()
}
