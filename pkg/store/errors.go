package store

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for store responses that have protocol meaning.
// Use errors.Is to check for them.
var (
	// ErrTooEarly is returned by StoreFile when another client is uploading
	// the same content and the request allowed deferral.
	ErrTooEarly = errors.New("store: too early, content is being uploaded by someone else")

	// ErrMissingFiles is returned by Checkout when not all files are stored.
	ErrMissingFiles = errors.New("store: checkout is missing files")

	// ErrCheckoutExists is returned by Checkout when the checkout path is taken.
	ErrCheckoutExists = errors.New("store: checkout already exists")
)

// MismatchError is returned when the store received content whose digest or
// size differs from what the client declared.
type MismatchError struct {
	Digest string
	Size   int64
	Detail string
}

func (e *MismatchError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("store: digest/size mismatch for %s (%d bytes)", e.Digest, e.Size)
	}
	return fmt.Sprintf("store: digest/size mismatch for %s (%d bytes): %s", e.Digest, e.Size, e.Detail)
}

// APIError is an unexpected response from the store.
type APIError struct {
	// Op is the operation that failed (e.g. "requirements", "store", "checkout")
	Op         string
	StatusCode int
	Body       string
	Header     http.Header
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("store.%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("store.%s: unexpected status %d: %s", e.Op, e.StatusCode, body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsMismatch reports whether err is (or wraps) a *MismatchError.
func IsMismatch(err error) bool {
	var m *MismatchError
	return errors.As(err, &m)
}
