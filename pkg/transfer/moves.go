package transfer

import (
	"log/slog"

	"github.com/go-git/go-billy/v5"
)

// moveTracker deletes local files of move requests, but only once their
// content is confirmed stored.
type moveTracker struct {
	fs      billy.Filesystem
	logger  *slog.Logger
	pending map[string]string // remote path -> local path
	ready   []string
	deleted []string
}

func newMoveTracker(fs billy.Filesystem, logger *slog.Logger) *moveTracker {
	return &moveTracker{fs: fs, logger: logger, pending: make(map[string]string)}
}

func (m *moveTracker) track(set *TransferSet) {
	for remote, local := range set.MovePending {
		m.pending[remote] = local
	}
}

// confirm marks remotePath as stored.
func (m *moveTracker) confirm(remotePath string) {
	local, ok := m.pending[remotePath]
	if !ok {
		return
	}
	delete(m.pending, remotePath)
	m.ready = append(m.ready, local)
}

func (m *moveTracker) confirmAll() {
	for remote := range m.pending {
		m.confirm(remote)
	}
}

// flush deletes every confirmed file. Files that are not confirmed stay.
func (m *moveTracker) flush() {
	for _, local := range m.ready {
		if err := m.fs.Remove(local); err != nil {
			m.logger.Warn("failed to delete moved file", "path", local, "error", err)
			continue
		}
		m.logger.Debug("deleted moved file", "path", local)
		m.deleted = append(m.deleted, local)
	}
	m.ready = nil
}
