// Package walker turns a project directory into transfer requests. It
// stands in for a dependency tracer: every file under the root is sent,
// except those matching an exclude pattern.
package walker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/yuya-takeyama/shaman-pack/internal/logging"
	"github.com/yuya-takeyama/shaman-pack/pkg/transfer"
)

// Walker walks local files with exclude pattern support
type Walker struct {
	fs       billy.Filesystem
	root     string
	excludes []string
	action   transfer.Action
	logger   *slog.Logger
	missing  []string
}

// New creates a walker for root. Every request it produces carries action.
func New(fs billy.Filesystem, root string, excludes []string, action transfer.Action) (*Walker, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("get absolute path: %w", err)
	}

	info, err := fs.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", absRoot)
	}

	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(strings.TrimSuffix(pattern, "/")) {
			return nil, fmt.Errorf("invalid exclude pattern: %q", pattern)
		}
	}

	return &Walker{
		fs:       fs,
		root:     absRoot,
		excludes: excludes,
		action:   action,
		logger:   logging.Component("walker"),
	}, nil
}

// Root returns the absolute project root.
func (w *Walker) Root() string {
	return w.root
}

// Missing returns the remote paths of symlinks the last Walk could not
// resolve.
func (w *Walker) Missing() []string {
	return append([]string(nil), w.missing...)
}

// Walk pushes a request for every included regular file onto q, in
// lexical order, and returns how many were pushed. Symlinks to regular
// files are followed; broken ones are recorded in Missing.
func (w *Walker) Walk(ctx context.Context, q *transfer.Queue) (int, error) {
	count := 0
	w.missing = nil
	err := util.Walk(w.fs, w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		relPath, err := w.RemotePath(path)
		if err != nil {
			return err
		}

		if info.IsDir() {
			if relPath != "" && w.isExcluded(relPath+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if w.isExcluded(relPath) {
			w.logger.Debug("excluded", "path", relPath)
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := w.fs.Stat(path)
			if err != nil {
				w.logger.Warn("broken symlink", "path", relPath, "error", err)
				w.missing = append(w.missing, relPath)
				return nil
			}
			info = target
		}
		if !info.Mode().IsRegular() {
			w.logger.Debug("skipping non-regular file", "path", path, "mode", info.Mode())
			return nil
		}

		q.Push(transfer.FileRequest{LocalPath: path, RemotePath: relPath, Action: w.action})
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("walk directory: %w", err)
	}

	w.logger.Info("collected files", "root", w.root, "files", count, "missing", len(w.missing))
	return count, nil
}

// RemotePath returns the slash-separated path of a local file relative to
// the root. Files outside the root are an error.
func (w *Walker) RemotePath(localPath string) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", fmt.Errorf("get absolute path: %w", err)
	}
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", fmt.Errorf("get relative path: %w", err)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", localPath, w.root)
	}
	if rel == "." {
		return "", nil
	}
	return rel, nil
}

// isExcluded checks if a path matches any exclude pattern. Directories are
// passed with a trailing slash.
func (w *Walker) isExcluded(path string) bool {
	isDir := strings.HasSuffix(path, "/")
	path = strings.TrimSuffix(path, "/")

	for _, pattern := range w.excludes {
		if dirPattern, ok := strings.CutSuffix(pattern, "/"); ok {
			// A directory pattern excludes the directory and everything below it
			parts := strings.Split(path, "/")
			for i := 1; i <= len(parts); i++ {
				if i == len(parts) && !isDir {
					break
				}
				if matched, _ := doublestar.Match(dirPattern, strings.Join(parts[:i], "/")); matched {
					return true
				}
			}
			continue
		}
		if isDir {
			continue
		}
		if matched, _ := doublestar.Match(pattern, path); matched {
			return true
		}
	}
	return false
}
