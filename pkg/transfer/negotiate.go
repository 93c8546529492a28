package transfer

import (
	"context"
	"fmt"

	"github.com/yuya-takeyama/shaman-pack/pkg/store"
)

// Negotiation is the store's answer to a requirements request, checked
// against the transfer set.
type Negotiation struct {
	// Queue holds the files to upload: never-seen content first, then
	// content another client is uploading.
	Queue []store.FileSpec
	// Stored lists the remote paths the store already has.
	Stored []string
	// InProgress counts the files queued at the back.
	InProgress int
}

// Negotiate sends the whole transfer set to the store and builds the upload
// queue from its answer. A path the client did not submit, a submitted path
// missing from the answer or an unknown status is a *ProtocolError.
func Negotiate(ctx context.Context, client store.NegotiationClient, set *TransferSet) (*Negotiation, error) {
	resp, err := client.Requirements(ctx, store.RequirementsRequest{Files: set.Files})
	if err != nil {
		if ctx.Err() != nil {
			return nil, interrupted("negotiate")
		}
		return nil, fmt.Errorf("negotiate: %w", err)
	}

	statuses := make(map[string]store.FileStatus, len(resp.Files))
	for _, f := range resp.Files {
		if _, ok := set.Lookup(f.Path); !ok {
			return nil, &ProtocolError{Path: f.Path, Reason: "store answered for a path that was not requested"}
		}
		if !f.Status.Valid() {
			return nil, &ProtocolError{Path: f.Path, Reason: fmt.Sprintf("unknown file status %q", f.Status)}
		}
		statuses[f.Path] = f.Status
	}

	n := &Negotiation{}
	var front, back []store.FileSpec
	for _, spec := range set.Files {
		status, ok := statuses[spec.Path]
		if !ok {
			return nil, &ProtocolError{Path: spec.Path, Reason: "store did not answer for requested path"}
		}
		switch status {
		case store.StatusUnknown:
			front = append(front, spec)
		case store.StatusInProgress:
			back = append(back, spec)
		case store.StatusStored:
			n.Stored = append(n.Stored, spec.Path)
		}
	}

	n.InProgress = len(back)
	n.Queue = append(front, back...)
	return n, nil
}
