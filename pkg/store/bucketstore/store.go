// Package bucketstore keeps the content-addressed store in any bucket that
// gocloud.dev/blob can open: a local directory (file://), memory (mem://)
// or Google Cloud Storage (gs://).
package bucketstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	"gocloud.dev/gcerrors"

	"github.com/yuya-takeyama/shaman-pack/internal/logging"
	"github.com/yuya-takeyama/shaman-pack/pkg/store"
)

// DefaultStaleAfter is how long an unfinished upload counts as in progress.
const DefaultStaleAfter = 10 * time.Minute

// Store implements store.Store on a blob.Bucket. An upload first writes an
// empty claim under {prefix}uploading/ so other clients can see it in
// progress, streams the body to {prefix}staging/ and copies it into place
// once the content is verified.
type Store struct {
	bucket     *blob.Bucket
	prefix     string
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens the bucket at urlstr. Everything after the bucket in a mem://
// or gs:// URL is used as key prefix; file:// URLs name the directory.
func Open(ctx context.Context, urlstr string) (*Store, error) {
	bucketURL, prefix := splitPrefix(urlstr)
	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return New(b, prefix), nil
}

func splitPrefix(urlstr string) (bucketURL, prefix string) {
	scheme, rest, ok := strings.Cut(urlstr, "://")
	if !ok || scheme == "file" {
		return urlstr, ""
	}
	query := ""
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest, query = rest[:i], rest[i:]
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	return scheme + "://" + bucket + query, prefix
}

// New wraps an open bucket. The store takes ownership of it.
func New(b *blob.Bucket, prefix string) *Store {
	return &Store{
		bucket:     b,
		prefix:     store.NormalizePrefix(prefix),
		staleAfter: DefaultStaleAfter,
		logger:     logging.Component("bucketstore"),
		now:        time.Now,
	}
}

// Close releases the bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

func (s *Store) uploadingPrefix(digest string, size int64) string {
	return fmt.Sprintf("%suploading/%s/%d/", s.prefix, digest, size)
}

func (s *Store) Requirements(ctx context.Context, req store.RequirementsRequest) (*store.RequirementsResponse, error) {
	type contentKey struct {
		digest string
		size   int64
	}
	known := make(map[contentKey]store.FileStatus)

	resp := &store.RequirementsResponse{Files: make([]store.FileSpecWithStatus, 0, len(req.Files))}
	for _, f := range req.Files {
		key := contentKey{f.Digest, f.Size}
		status, ok := known[key]
		if !ok {
			var err error
			if status, err = s.FileStatus(ctx, f.Digest, f.Size); err != nil {
				return nil, fmt.Errorf("requirements: %w", err)
			}
			known[key] = status
		}
		resp.Files = append(resp.Files, store.FileSpecWithStatus{FileSpec: f, Status: status})
	}
	return resp, nil
}

func (s *Store) FileStatus(ctx context.Context, digest string, size int64) (store.FileStatus, error) {
	attrs, err := s.bucket.Attributes(ctx, store.BlobKey(s.prefix, digest, size))
	switch {
	case err == nil && attrs.Size == size:
		return store.StatusStored, nil
	case err == nil:
		s.logger.Warn("stored blob has unexpected size", "sha", digest, "want", size, "got", attrs.Size)
	case gcerrors.Code(err) != gcerrors.NotFound:
		return "", fmt.Errorf("check %s: %w", digest, err)
	}

	uploading, err := s.uploadInProgress(ctx, digest, size)
	if err != nil {
		return "", err
	}
	if uploading {
		return store.StatusInProgress, nil
	}
	return store.StatusUnknown, nil
}

func (s *Store) uploadInProgress(ctx context.Context, digest string, size int64) (bool, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.uploadingPrefix(digest, size)})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("list uploads of %s: %w", digest, err)
		}
		if s.now().Sub(obj.ModTime) < s.staleAfter {
			return true, nil
		}
	}
}

// StoreFile writes the body to a temporary key, verifies it and copies it
// to the blob key. With CanDefer set, an upload of the same content by
// someone else makes it return store.ErrTooEarly.
func (s *Store) StoreFile(ctx context.Context, req store.UploadRequest) (store.UploadResult, error) {
	status, err := s.FileStatus(ctx, req.Digest, req.Size)
	if err != nil {
		return 0, err
	}
	switch {
	case status == store.StatusStored:
		return store.AlreadyStored, nil
	case status == store.StatusInProgress && req.CanDefer:
		return 0, store.ErrTooEarly
	}

	verifier := store.NewVerifyingReader(req.Body)
	contentType, body, err := store.SniffContentType(verifier)
	if err != nil {
		return 0, fmt.Errorf("store %s: %w", req.Digest, err)
	}

	id := uuid.New().String()
	claimKey := s.uploadingPrefix(req.Digest, req.Size) + id
	stagingKey := s.prefix + "staging/" + id
	if err := s.bucket.WriteAll(ctx, claimKey, nil, nil); err != nil {
		return 0, fmt.Errorf("store %s: claim upload: %w", req.Digest, err)
	}
	defer s.remove(ctx, claimKey, stagingKey)

	if err := s.write(ctx, stagingKey, body, contentType); err != nil {
		return 0, fmt.Errorf("store %s: %w", req.Digest, err)
	}
	if err := verifier.Check(req.Digest, req.Size); err != nil {
		return 0, err
	}

	key := store.BlobKey(s.prefix, req.Digest, req.Size)
	if err := s.bucket.Copy(ctx, key, stagingKey, nil); err != nil {
		return 0, fmt.Errorf("store %s: move into place: %w", req.Digest, err)
	}

	s.logger.Debug("stored blob", "key", key, "size", req.Size, "content_type", contentType)
	return store.Uploaded, nil
}

func (s *Store) remove(ctx context.Context, keys ...string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			s.logger.Warn("failed to delete object", "key", key, "error", err)
		}
	}
}

func (s *Store) write(ctx context.Context, key string, r io.Reader, contentType string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		// cancelling before Close discards the partial object
		cancel()
		w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

type checkoutMarker struct {
	CreatedAt time.Time        `json:"createdAt"`
	Files     []store.FileSpec `json:"files"`
}

// Checkout claims the checkout path by creating its marker, then copies
// every blob to its path under the checkout. The marker is removed again
// when the checkout fails.
func (s *Store) Checkout(ctx context.Context, req store.CheckoutRequest) (_ *store.CheckoutResult, err error) {
	checkoutPath, err := store.CleanCheckoutPath(req.CheckoutPath)
	if err != nil {
		return nil, err
	}

	marker, err := json.Marshal(checkoutMarker{CreatedAt: s.now().UTC(), Files: req.Files})
	if err != nil {
		return nil, fmt.Errorf("marshal checkout marker: %w", err)
	}
	markerKey := store.CheckoutMarkerKey(s.prefix, checkoutPath)
	err = s.bucket.WriteAll(ctx, markerKey, marker, &blob.WriterOptions{ContentType: "application/json", IfNotExist: true})
	if err != nil {
		switch gcerrors.Code(err) {
		case gcerrors.FailedPrecondition, gcerrors.AlreadyExists:
			return nil, fmt.Errorf("%w: %s", store.ErrCheckoutExists, checkoutPath)
		}
		return nil, fmt.Errorf("write checkout marker: %w", err)
	}
	defer func() {
		if err != nil {
			s.remove(ctx, markerKey)
		}
	}()

	var missing []string
	for _, f := range req.Files {
		ok, err := s.bucket.Exists(ctx, store.BlobKey(s.prefix, f.Digest, f.Size))
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", f.Path, err)
		}
		if !ok {
			missing = append(missing, f.Path)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrMissingFiles, strings.Join(missing, ", "))
	}

	for _, f := range req.Files {
		dst := store.CheckoutKey(s.prefix, checkoutPath, f.Path)
		if err := s.bucket.Copy(ctx, dst, store.BlobKey(s.prefix, f.Digest, f.Size), nil); err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				return nil, fmt.Errorf("%w: %s", store.ErrMissingFiles, f.Path)
			}
			return nil, fmt.Errorf("copy %s: %w", f.Path, err)
		}
	}

	s.logger.Info("created checkout", "path", checkoutPath, "files", len(req.Files))
	return &store.CheckoutResult{CheckoutPath: checkoutPath}, nil
}
