package store

import (
	"bytes"
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/opencontainers/go-digest"
)

// sniffLen is how much of a body is buffered for content type detection.
const sniffLen = 3072

// SniffContentType detects the MIME type of the start of r. The returned
// reader yields the full content, including the bytes that were inspected.
func SniffContentType(r io.Reader) (string, io.Reader, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", nil, fmt.Errorf("read content head: %w", err)
	}
	head = head[:n]
	return mimetype.Detect(head).String(), io.MultiReader(bytes.NewReader(head), r), nil
}

// VerifyingReader hashes and counts what passes through it, so that a
// provider can check uploaded bytes against the declared digest and size.
type VerifyingReader struct {
	r        io.Reader
	digester digest.Digester
	n        int64
}

func NewVerifyingReader(r io.Reader) *VerifyingReader {
	return &VerifyingReader{r: r, digester: digest.SHA256.Digester()}
}

func (v *VerifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.digester.Hash().Write(p[:n])
		v.n += int64(n)
	}
	return n, err
}

// Check returns a *MismatchError unless the bytes read so far have the
// given digest and size.
func (v *VerifyingReader) Check(wantDigest string, wantSize int64) error {
	if v.n != wantSize {
		return &MismatchError{Digest: wantDigest, Size: wantSize, Detail: fmt.Sprintf("received %d bytes", v.n)}
	}
	if got := v.digester.Digest().Encoded(); got != wantDigest {
		return &MismatchError{Digest: wantDigest, Size: wantSize, Detail: "received content has digest " + got}
	}
	return nil
}
