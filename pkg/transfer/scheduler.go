package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/go-git/go-billy/v5"

	"github.com/yuya-takeyama/shaman-pack/pkg/store"
)

// uploadStore is what the scheduler needs from the store.
type uploadStore interface {
	store.NegotiationClient
	store.UploadTransport
}

// passResult lists the remote paths that did not get stored in one pass.
type passResult struct {
	failed   []string
	deferred []string
}

// Scheduler drives the negotiate/upload loop for one transfer set.
type Scheduler struct {
	store    uploadStore
	fs       billy.Filesystem
	set      *TransferSet
	opts     Options
	logger   *slog.Logger
	observer Observer

	// emit publishes progress events; onStored is told about every
	// remote path confirmed stored.
	emit     func(Event)
	onStored func(remotePath string)
	shuffle  func(n int, swap func(i, j int))

	throttle     throttle
	confirmed    map[string]bool
	everDeferred map[string]bool
	storedBytes  int64
	inflight     int64

	filesUploaded int
	bytesUploaded int64
	filesSkipped  int
	deferred      int
	failed        int
	rounds        int
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Store    uploadStore
	FS       billy.Filesystem
	Set      *TransferSet
	Options  Options
	Logger   *slog.Logger
	Observer Observer
	Emit     func(Event)
	OnStored func(remotePath string)
}

// NewScheduler creates a scheduler for cfg.Set.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	opts := cfg.Options.withDefaults()
	s := &Scheduler{
		store:        cfg.Store,
		fs:           cfg.FS,
		set:          cfg.Set,
		opts:         opts,
		logger:       cfg.Logger,
		observer:     cfg.Observer,
		emit:         cfg.Emit,
		onStored:     cfg.OnStored,
		shuffle:      rand.Shuffle,
		throttle:     throttle{interval: opts.ProgressInterval},
		confirmed:    make(map[string]bool),
		everDeferred: make(map[string]bool),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.emit == nil {
		s.emit = func(Event) {}
	}
	if s.onStored == nil {
		s.onStored = func(string) {}
	}
	return s
}

// Run negotiates and uploads until the store has every file. A pass that
// leaves files failed or deferred is followed by a new negotiation, since
// other clients may have changed the store in the meantime.
func (s *Scheduler) Run(ctx context.Context) error {
	var last passResult
	for round := 1; round <= s.opts.MaxNegotiationRounds; round++ {
		if ctx.Err() != nil {
			return interrupted("schedule uploads")
		}
		s.rounds = round

		n, err := Negotiate(ctx, s.store, s.set)
		if err != nil {
			return err
		}
		for _, p := range n.Stored {
			s.markStored(p)
		}
		s.observer.Negotiated(len(n.Queue), len(n.Stored))
		s.reportProgress(false)

		if len(n.Queue) == 0 {
			s.logger.Info("store has all files", "round", round, "files", s.set.Len())
			return nil
		}
		s.logger.Info("uploading files",
			"round", round,
			"to_upload", len(n.Queue),
			"in_progress_elsewhere", n.InProgress,
			"stored", len(n.Stored))

		last, err = s.pass(ctx, n.Queue)
		if err != nil {
			return err
		}
		if len(last.failed) == 0 && len(last.deferred) == 0 {
			return nil
		}
		s.logger.Info("pass incomplete, negotiating again",
			"round", round,
			"failed", len(last.failed),
			"deferred", len(last.deferred))
	}

	remaining := append(append([]string(nil), last.failed...), last.deferred...)
	return &ExhaustedError{Rounds: s.opts.MaxNegotiationRounds, Remaining: remaining}
}

// pass tries to upload every file in work once.
func (s *Scheduler) pass(ctx context.Context, work []store.FileSpec) (passResult, error) {
	var res passResult
	queue := append([]store.FileSpec(nil), work...)

	for len(queue) > 0 {
		if len(res.failed) > s.opts.MaxFailed {
			s.logger.Warn("too many failures, abandoning this pass", "failed", len(res.failed), "remaining", len(queue))
			for _, spec := range queue {
				res.failed = append(res.failed, spec.Path)
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return res, interrupted("upload pass")
		}

		spec := queue[0]
		queue = queue[1:]
		canDefer := len(res.deferred) < s.opts.MaxDeferred &&
			!s.everDeferred[spec.Path] &&
			len(queue) > 0

		err := s.upload(ctx, spec, canDefer)
		switch {
		case err == nil:
		case errors.Is(err, ErrInterrupted):
			return res, err
		case canDefer && errors.Is(err, store.ErrTooEarly):
			s.logger.Info("upload deferred, someone else is uploading it", "path", spec.Path)
			res.deferred = append(res.deferred, spec.Path)
			s.everDeferred[spec.Path] = true
			s.deferred++
			s.observer.Deferred()
			// Clients walking the same files in the same order keep
			// colliding; a random order spreads them out.
			s.shuffle(len(queue), func(i, j int) { queue[i], queue[j] = queue[j], queue[i] })
		case store.IsMismatch(err):
			s.logger.Warn("store rejected content, file may have changed since it was hashed", "path", spec.Path, "error", err)
			res.failed = append(res.failed, spec.Path)
			s.failed++
			s.observer.Failed()
		default:
			s.logger.Warn("upload failed", "path", spec.Path, "error", err)
			res.failed = append(res.failed, spec.Path)
			s.failed++
			s.observer.Failed()
		}
	}
	return res, nil
}

// upload pre-checks and then streams one file.
func (s *Scheduler) upload(ctx context.Context, spec store.FileSpec, canDefer bool) error {
	status, err := s.store.FileStatus(ctx, spec.Digest, spec.Size)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted("check " + spec.Path)
		}
		return fmt.Errorf("check %s: %w", spec.Path, err)
	}
	if status == store.StatusStored {
		s.logger.Debug("already stored, skipping", "path", spec.Path)
		s.filesSkipped++
		s.observer.AlreadyStored()
		s.markStored(spec.Path)
		s.reportProgress(false)
		return nil
	}

	localPath := s.set.LocalPaths[spec.Path]
	f, err := s.fs.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	s.inflight = 0
	body := &uploadReader{ctx: ctx, r: f, onRead: func(n int) {
		s.inflight += int64(n)
		s.reportProgress(false)
	}}

	s.logger.Debug("uploading", "path", spec.Path, "size", spec.Size, "can_defer", canDefer)
	result, err := s.store.StoreFile(ctx, store.UploadRequest{
		Digest:           spec.Digest,
		Size:             spec.Size,
		Body:             body,
		CanDefer:         canDefer,
		OriginalFilename: spec.Path,
	})
	s.inflight = 0
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrInterrupted) {
			return interrupted("upload " + spec.Path)
		}
		return fmt.Errorf("upload %s: %w", spec.Path, err)
	}

	switch result {
	case store.AlreadyStored:
		s.logger.Debug("store already had the content", "path", spec.Path)
		s.filesSkipped++
		s.observer.AlreadyStored()
	default:
		s.filesUploaded++
		s.bytesUploaded += spec.Size
		s.observer.Uploaded(spec.Size)
	}
	s.markStored(spec.Path)
	s.reportProgress(false)
	return nil
}

func (s *Scheduler) markStored(remotePath string) {
	if s.confirmed[remotePath] {
		return
	}
	s.confirmed[remotePath] = true
	if spec, ok := s.set.Lookup(remotePath); ok {
		s.storedBytes += spec.Size
	}
	s.onStored(remotePath)
}

func (s *Scheduler) reportProgress(force bool) {
	if !force && !s.throttle.allow() {
		return
	}
	done := s.storedBytes + s.inflight
	if done > s.set.TotalBytes {
		done = s.set.TotalBytes
	}
	s.emit(EventProgress{
		Percent: percent(done, s.set.TotalBytes),
		Bytes:   done,
		Total:   s.set.TotalBytes,
	})
}

// fill copies the scheduler counters into o.
func (s *Scheduler) fill(o *Outcome) {
	o.FilesUploaded = s.filesUploaded
	o.BytesUploaded = s.bytesUploaded
	o.FilesSkipped = s.filesSkipped
	o.Deferred = s.deferred
	o.Failed = s.failed
	o.Rounds = s.rounds
}
