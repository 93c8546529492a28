package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"

	"github.com/yuya-takeyama/shaman-pack/internal/checksum"
	"github.com/yuya-takeyama/shaman-pack/pkg/store"
)

// TransferSet is the list of files to send plus the local bookkeeping
// needed to upload them.
type TransferSet struct {
	// Files is the ordered negotiation request.
	Files []store.FileSpec
	// LocalPaths maps remote path to local path.
	LocalPaths map[string]string
	// MovePending maps remote path to the local file to delete once the
	// content is confirmed stored.
	MovePending map[string]string
	TotalBytes  int64

	index map[string]int
}

func newTransferSet() *TransferSet {
	return &TransferSet{
		LocalPaths:  make(map[string]string),
		MovePending: make(map[string]string),
		index:       make(map[string]int),
	}
}

func (s *TransferSet) add(spec store.FileSpec, req FileRequest) {
	if i, ok := s.index[spec.Path]; ok {
		// Later requests for the same remote path win.
		s.TotalBytes -= s.Files[i].Size
		s.Files[i] = spec
		delete(s.MovePending, spec.Path)
	} else {
		s.index[spec.Path] = len(s.Files)
		s.Files = append(s.Files, spec)
	}
	s.TotalBytes += spec.Size
	s.LocalPaths[spec.Path] = req.LocalPath
	if req.Action == ActionMove {
		s.MovePending[spec.Path] = req.LocalPath
	}
}

// Lookup returns the file spec for a remote path.
func (s *TransferSet) Lookup(remotePath string) (store.FileSpec, bool) {
	i, ok := s.index[remotePath]
	if !ok {
		return store.FileSpec{}, false
	}
	return s.Files[i], true
}

// Len returns the number of files in the set.
func (s *TransferSet) Len() int {
	return len(s.Files)
}

// Builder turns file requests into a TransferSet.
type Builder struct {
	fs     billy.Filesystem
	cache  *checksum.Cache
	logger *slog.Logger
}

// NewBuilder creates a builder reading files from fs. cache may be nil, in
// which case every file is hashed.
func NewBuilder(fs billy.Filesystem, cache *checksum.Cache, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{fs: fs, cache: cache, logger: logger}
}

// Build drains q into a TransferSet. On the first error the failing request
// is pushed back onto q and a *BuildError is returned; nothing is dropped.
// After a successful build the checksum cache is pruned and saved.
func (b *Builder) Build(ctx context.Context, q *Queue) (*TransferSet, error) {
	set := newTransferSet()
	if b.cache != nil {
		b.cache.StartRun()
	}

	for {
		if ctx.Err() != nil {
			return nil, interrupted("build transfer set")
		}
		req, ok := q.Pop()
		if !ok {
			break
		}

		spec, err := b.describe(req)
		if err != nil {
			q.PushFront(req)
			return nil, &BuildError{Request: req, Err: err}
		}
		set.add(spec, req)
		b.logger.Debug("file added to transfer set", "path", spec.Path, "size", spec.Size, "action", req.Action.String())
	}

	if b.cache != nil {
		if err := b.cache.PruneAndSave(); err != nil {
			// The cache only saves work on the next run.
			b.logger.Warn("failed to save checksum cache", "error", err)
		}
		stats := b.cache.Stats()
		b.logger.Debug("checksum cache", "hits", stats.Hits, "misses", stats.Misses)
	}

	b.logger.Info("transfer set built", "files", set.Len(), "bytes", set.TotalBytes, "move_pending", len(set.MovePending))
	return set, nil
}

func (b *Builder) describe(req FileRequest) (store.FileSpec, error) {
	remote, err := RemotePath(req.RemotePath)
	if err != nil {
		return store.FileSpec{}, err
	}

	info, err := b.fs.Stat(req.LocalPath)
	if err != nil {
		return store.FileSpec{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return store.FileSpec{}, fmt.Errorf("%s is a directory", req.LocalPath)
	}

	var sum string
	if b.cache != nil {
		sum, err = b.cache.DigestFor(req.LocalPath)
	} else {
		sum, err = checksum.CalculateFileSHA256(b.fs, req.LocalPath)
	}
	if err != nil {
		return store.FileSpec{}, fmt.Errorf("calculate checksum: %w", err)
	}

	return store.FileSpec{Digest: sum, Size: info.Size(), Path: remote}, nil
}

// RemotePath derives the checkout-relative path of a file: backslashes
// become slashes, and any drive letter and leading slashes are stripped.
func RemotePath(p string) (string, error) {
	slashed := strings.ReplaceAll(p, "\\", "/")
	if len(slashed) >= 2 && slashed[1] == ':' && isDriveLetter(slashed[0]) {
		slashed = slashed[2:]
	}
	cleaned := path.Clean("/" + strings.TrimLeft(slashed, "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("remote path %q is empty", p)
	}
	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return "", fmt.Errorf("remote path %q leaves the checkout", p)
		}
	}
	return cleaned, nil
}

func isDriveLetter(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}
