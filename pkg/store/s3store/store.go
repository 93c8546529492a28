// Package s3store keeps the content-addressed store in an S3 bucket. Blobs
// live under {prefix}files/ and checkouts are server-side copies under
// {prefix}checkouts/, so the bucket can be browsed or synced as is.
package s3store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/yuya-takeyama/shaman-pack/internal/logging"
	"github.com/yuya-takeyama/shaman-pack/pkg/store"
)

const (
	metaDigest = "sha256"
	metaSize   = "size"
)

// Store implements store.Store on top of an S3 API. S3 has no notion of an
// upload in progress, so files are only ever unknown or stored.
type Store struct {
	api         API
	bucket      string
	prefix      string
	concurrency int
	logger      *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithConcurrency sets how many S3 calls run at once during negotiation
// and checkout.
func WithConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New creates a store rooted at s3://bucket/prefix.
func New(api API, bucket, prefix string, opts ...Option) *Store {
	s := &Store{
		api:         api,
		bucket:      bucket,
		prefix:      store.NormalizePrefix(prefix),
		concurrency: DefaultConcurrency,
		logger:      logging.Component("s3store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Requirements checks every distinct content once, in parallel.
func (s *Store) Requirements(ctx context.Context, req store.RequirementsRequest) (*store.RequirementsResponse, error) {
	type contentKey struct {
		digest string
		size   int64
	}
	index := make(map[contentKey]int)
	var unique []store.FileSpec
	for _, f := range req.Files {
		key := contentKey{f.Digest, f.Size}
		if _, ok := index[key]; !ok {
			index[key] = len(unique)
			unique = append(unique, f)
		}
	}

	statuses, err := s.statuses(ctx, unique)
	if err != nil {
		return nil, fmt.Errorf("requirements: %w", err)
	}

	resp := &store.RequirementsResponse{Files: make([]store.FileSpecWithStatus, 0, len(req.Files))}
	for _, f := range req.Files {
		status := statuses[index[contentKey{f.Digest, f.Size}]]
		resp.Files = append(resp.Files, store.FileSpecWithStatus{FileSpec: f, Status: status})
	}
	return resp, nil
}

func (s *Store) statuses(ctx context.Context, files []store.FileSpec) ([]store.FileStatus, error) {
	statuses := make([]store.FileStatus, len(files))
	err := forEach(ctx, len(files), s.concurrency, func(ctx context.Context, i int) error {
		status, err := s.FileStatus(ctx, files[i].Digest, files[i].Size)
		statuses[i] = status
		return err
	})
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

func (s *Store) FileStatus(ctx context.Context, digest string, size int64) (store.FileStatus, error) {
	info, err := s.api.HeadObject(ctx, &HeadObjectRequest{Bucket: s.bucket, Key: store.BlobKey(s.prefix, digest, size)})
	if errors.Is(err, ErrNotFound) {
		return store.StatusUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("check %s: %w", digest, err)
	}
	if info.Size != size {
		// A blob with the wrong length is treated as absent and overwritten.
		s.logger.Warn("stored blob has unexpected size", "sha", digest, "want", size, "got", info.Size)
		return store.StatusUnknown, nil
	}
	return store.StatusStored, nil
}

// StoreFile uploads the body to its blob key. The bytes are verified while
// they stream; a blob that turns out not to match is deleted again.
func (s *Store) StoreFile(ctx context.Context, req store.UploadRequest) (store.UploadResult, error) {
	status, err := s.FileStatus(ctx, req.Digest, req.Size)
	if err != nil {
		return 0, err
	}
	if status == store.StatusStored {
		return store.AlreadyStored, nil
	}

	verifier := store.NewVerifyingReader(req.Body)
	contentType, body, err := store.SniffContentType(verifier)
	if err != nil {
		return 0, fmt.Errorf("store %s: %w", req.Digest, err)
	}

	key := store.BlobKey(s.prefix, req.Digest, req.Size)
	err = s.api.PutObject(ctx, &PutObjectRequest{
		Bucket:      s.bucket,
		Key:         key,
		Body:        body,
		Size:        req.Size,
		ContentType: contentType,
		Metadata: map[string]string{
			metaDigest: req.Digest,
			metaSize:   strconv.FormatInt(req.Size, 10),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store %s: %w", req.Digest, err)
	}

	if err := verifier.Check(req.Digest, req.Size); err != nil {
		if delErr := s.api.DeleteObject(ctx, &DeleteObjectRequest{Bucket: s.bucket, Key: key}); delErr != nil {
			s.logger.Warn("failed to delete mismatched blob", "key", key, "error", delErr)
		}
		return 0, err
	}

	s.logger.Debug("stored blob", "key", key, "size", req.Size, "content_type", contentType)
	return store.Uploaded, nil
}

type checkoutMarker struct {
	CreatedAt time.Time        `json:"createdAt"`
	Files     []store.FileSpec `json:"files"`
}

// Checkout claims the checkout by creating its marker object, then copies
// every blob to its path under the checkout. An existing marker means the
// checkout is taken. The claim is released again if the checkout fails.
func (s *Store) Checkout(ctx context.Context, req store.CheckoutRequest) (_ *store.CheckoutResult, err error) {
	checkoutPath, err := store.CleanCheckoutPath(req.CheckoutPath)
	if err != nil {
		return nil, err
	}

	marker, err := json.Marshal(checkoutMarker{CreatedAt: time.Now().UTC(), Files: req.Files})
	if err != nil {
		return nil, fmt.Errorf("marshal checkout marker: %w", err)
	}
	markerKey := store.CheckoutMarkerKey(s.prefix, checkoutPath)
	err = s.api.PutObject(ctx, &PutObjectRequest{
		Bucket:      s.bucket,
		Key:         markerKey,
		Body:        strings.NewReader(string(marker)),
		Size:        int64(len(marker)),
		ContentType: "application/json",
		IfNoneMatch: true,
	})
	switch {
	case errors.Is(err, ErrPreconditionFailed):
		return nil, fmt.Errorf("%w: %s", store.ErrCheckoutExists, checkoutPath)
	case err != nil:
		return nil, fmt.Errorf("write checkout marker: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		// The claim must not outlive a failed checkout, even when ctx is done.
		if derr := s.api.DeleteObject(context.WithoutCancel(ctx), &DeleteObjectRequest{Bucket: s.bucket, Key: markerKey}); derr != nil {
			s.logger.Warn("failed to release checkout marker", "path", checkoutPath, "error", derr)
		}
	}()

	statuses, err := s.statuses(ctx, req.Files)
	if err != nil {
		return nil, err
	}
	var missing []string
	for i, f := range req.Files {
		if statuses[i] != store.StatusStored {
			missing = append(missing, f.Path)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrMissingFiles, strings.Join(missing, ", "))
	}

	err = forEach(ctx, len(req.Files), s.concurrency, func(ctx context.Context, i int) error {
		f := req.Files[i]
		err := s.api.CopyObject(ctx, &CopyObjectRequest{
			Bucket:    s.bucket,
			SourceKey: store.BlobKey(s.prefix, f.Digest, f.Size),
			Key:       store.CheckoutKey(s.prefix, checkoutPath, f.Path),
		})
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", store.ErrMissingFiles, f.Path)
		}
		if err != nil {
			return fmt.Errorf("copy %s: %w", f.Path, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("created checkout", "path", checkoutPath, "files", len(req.Files))
	return &store.CheckoutResult{CheckoutPath: checkoutPath}, nil
}
