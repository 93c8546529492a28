// Package store defines the contract between the transfer pipeline and a
// content-addressed remote store, plus the wire types shared by providers.
package store

import (
	"context"
	"io"
)

// FileStatus is the store's view of a single file.
type FileStatus string

const (
	// StatusUnknown means the store has never seen this content.
	StatusUnknown FileStatus = "unknown"
	// StatusInProgress means another client is uploading this content.
	StatusInProgress FileStatus = "uploading"
	// StatusStored means the content is fully stored.
	StatusStored FileStatus = "stored"
)

// Valid reports whether s is one of the known statuses.
func (s FileStatus) Valid() bool {
	switch s {
	case StatusUnknown, StatusInProgress, StatusStored:
		return true
	}
	return false
}

// FileSpec describes one file of a transfer set. Content is identified by
// (Digest, Size); Path is where it lives inside the checkout.
type FileSpec struct {
	Digest string `json:"sha"`
	Size   int64  `json:"size"`
	Path   string `json:"path"`
}

// FileSpecWithStatus is a FileSpec annotated by the store during negotiation.
type FileSpecWithStatus struct {
	FileSpec
	Status FileStatus `json:"status"`
}

// RequirementsRequest is the ordered list of files the client wants checked out.
type RequirementsRequest struct {
	Files []FileSpec `json:"files"`
}

// RequirementsResponse carries a status for submitted files.
type RequirementsResponse struct {
	Files []FileSpecWithStatus `json:"files"`
}

// UploadRequest is a single file upload.
type UploadRequest struct {
	Digest string
	Size   int64
	Body   io.Reader

	// CanDefer tells the store the client is willing to postpone this upload
	// when someone else is already uploading the same content.
	CanDefer bool

	// OriginalFilename is only used for diagnostics on the store side.
	OriginalFilename string
}

// UploadResult describes a successful upload response.
type UploadResult int

const (
	// Uploaded means the store received and verified the bytes.
	Uploaded UploadResult = iota
	// AlreadyStored means the store had (or just finished) the content and
	// did not need the bytes.
	AlreadyStored
)

// CheckoutRequest asks the store to materialise files at CheckoutPath.
type CheckoutRequest struct {
	Files        []FileSpec `json:"files"`
	CheckoutPath string     `json:"checkoutPath"`
}

// CheckoutResult is the store's answer to a checkout request. CheckoutPath
// may differ from the requested one when the store uniquifies it.
type CheckoutResult struct {
	CheckoutPath string `json:"checkoutPath"`
}

// NegotiationClient tells the client which files the store still needs.
type NegotiationClient interface {
	Requirements(ctx context.Context, req RequirementsRequest) (*RequirementsResponse, error)
}

// UploadTransport moves file bytes to the store.
type UploadTransport interface {
	// FileStatus is the pre-flight existence check for a single file.
	FileStatus(ctx context.Context, digest string, size int64) (FileStatus, error)
	// StoreFile streams the file. It returns ErrTooEarly when the store asks
	// the client to defer, and *MismatchError when digest or size did not match.
	StoreFile(ctx context.Context, req UploadRequest) (UploadResult, error)
}

// Checkouter materialises a named checkout.
type Checkouter interface {
	Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error)
}

// Store is everything the transfer pipeline needs from a remote store.
type Store interface {
	NegotiationClient
	UploadTransport
	Checkouter
}
