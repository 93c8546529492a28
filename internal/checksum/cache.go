package checksum

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

const cacheVersion = 1

// Entry is a memoised checksum. It is valid only while the file still has
// the recorded size and modification time.
type Entry struct {
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime_ns"`
	Digest  string `json:"sha256"`
}

type cacheFile struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

// Stats counts cache lookups during the current run.
type Stats struct {
	Hits   int
	Misses int
}

// Cache memoises file checksums keyed by path, size and modification time,
// and persists them between runs. A Cache is used by a single goroutine
// for the duration of a run and is not safe for concurrent use.
type Cache struct {
	fs        billy.Filesystem
	cacheFile string
	logger    *slog.Logger

	entries map[string]Entry
	active  map[string]struct{}
	stats   Stats
}

// OSFS returns a filesystem that resolves paths like the native one.
func OSFS() billy.Filesystem {
	return osfs.New("")
}

// NewCache loads the cache persisted at cacheFile. A missing file starts an
// empty cache; so does an unreadable one, which is only logged.
// An empty cacheFile gives a cache that is never persisted.
func NewCache(fs billy.Filesystem, cacheFile string) (*Cache, error) {
	c := &Cache{
		fs:        fs,
		cacheFile: cacheFile,
		logger:    slog.With("component", "checksum-cache"),
		entries:   make(map[string]Entry),
		active:    make(map[string]struct{}),
	}
	if cacheFile == "" {
		return c, nil
	}

	if err := c.load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("ignoring unreadable checksum cache", "file", cacheFile, "error", err)
		}
		c.entries = make(map[string]Entry)
	}
	return c, nil
}

func (c *Cache) load() error {
	f, err := c.fs.Open(c.cacheFile)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read cache: %w", err)
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parse cache: %w", err)
	}
	if cf.Version != cacheVersion {
		return fmt.Errorf("unsupported cache version %d", cf.Version)
	}
	if cf.Entries != nil {
		c.entries = cf.Entries
	}
	c.logger.Debug("loaded checksum cache", "file", c.cacheFile, "entries", len(c.entries))
	return nil
}

// DigestFor returns the SHA-256 of the file at path. When size and
// modification time match the cached entry, the file is not read.
func (c *Cache) DigestFor(path string) (string, error) {
	info, err := c.fs.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	c.active[path] = struct{}{}

	size, mtime := info.Size(), info.ModTime().UnixNano()
	if e, ok := c.entries[path]; ok && e.Size == size && e.ModTime == mtime {
		c.stats.Hits++
		return e.Digest, nil
	}

	sum, err := CalculateFileSHA256(c.fs, path)
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}
	c.entries[path] = Entry{Size: size, ModTime: mtime, Digest: sum}
	c.stats.Misses++
	return sum, nil
}

// StartRun forgets which entries were looked up and resets the counters,
// so one Cache can serve several runs.
func (c *Cache) StartRun() {
	c.active = make(map[string]struct{})
	c.stats = Stats{}
}

// Prune drops every entry that was not looked up during this run.
// It returns the number of removed entries.
func (c *Cache) Prune() int {
	removed := 0
	for path := range c.entries {
		if _, ok := c.active[path]; !ok {
			delete(c.entries, path)
			removed++
		}
	}
	return removed
}

// Save persists the cache, replacing the previous file atomically.
func (c *Cache) Save() error {
	if c.cacheFile == "" {
		return nil
	}

	data, err := json.Marshal(cacheFile{Version: cacheVersion, Entries: c.entries})
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	dir := filepath.Dir(c.cacheFile)
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory %s: %w", dir, err)
	}

	tmp, err := c.fs.TempFile(dir, ".checksums-")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		c.fs.Remove(tmpName)
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		c.fs.Remove(tmpName)
		return fmt.Errorf("close temp cache file: %w", err)
	}

	if err := c.fs.Rename(tmpName, c.cacheFile); err != nil {
		c.fs.Remove(tmpName)
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

// PruneAndSave prunes stale entries and persists the result.
func (c *Cache) PruneAndSave() error {
	removed := c.Prune()
	if removed > 0 {
		c.logger.Debug("pruned checksum cache", "removed", removed, "remaining", len(c.entries))
	}
	return c.Save()
}

// Stats returns lookup counters for this run.
func (c *Cache) Stats() Stats {
	return c.stats
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return len(c.entries)
}
