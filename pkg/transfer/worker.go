package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"

	"github.com/yuya-takeyama/shaman-pack/internal/checksum"
	"github.com/yuya-takeyama/shaman-pack/internal/logging"
	"github.com/yuya-takeyama/shaman-pack/pkg/store"
)

// Job is everything a Worker needs for one run.
type Job struct {
	// Requests is drained by the builder. Requests that could not be
	// processed are left on it.
	Requests *Queue
	Store    store.Store
	// FS is where local files are read and moved files deleted. Defaults
	// to the OS filesystem.
	FS billy.Filesystem
	// Cache is optional.
	Cache *checksum.Cache

	CheckoutPath      string
	PrimaryRemotePath string
	// MissingFiles are dependencies the tracer could not find. They are
	// passed through to the done event.
	MissingFiles []string

	Options  Options
	Observer Observer
}

func (j *Job) validate() error {
	if j.Requests == nil {
		return errors.New("transfer: job has no request queue")
	}
	if j.Store == nil {
		return errors.New("transfer: job has no store")
	}
	if j.FS == nil {
		j.FS = checksum.OSFS()
	}
	if j.Observer == nil {
		j.Observer = nopObserver{}
	}
	return nil
}

// Worker runs one transfer in the background. The host reads its events
// with Poll; the last event is always EventDone, EventException or
// EventAborted.
type Worker struct {
	id     string
	job    Job
	logger *slog.Logger
	events *eventQueue
	cancel context.CancelFunc
	done   chan struct{}

	aborted  atomic.Bool
	onFinish func()

	mu      sync.Mutex
	outcome Outcome
}

func newWorker(job Job) (*Worker, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &Worker{
		id:     id,
		job:    job,
		logger: logging.RunLogger("transfer", id),
		events: newEventQueue(),
		done:   make(chan struct{}),
	}, nil
}

func (w *Worker) start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

// ID identifies the run in logs.
func (w *Worker) ID() string {
	return w.id
}

// Poll returns the next event. A zero timeout never blocks; otherwise Poll
// waits up to timeout for an event.
func (w *Worker) Poll(timeout time.Duration) (Event, bool) {
	return w.events.poll(timeout)
}

// Abort asks the run to stop. It returns immediately; the run ends with an
// EventAborted shortly after.
func (w *Worker) Abort() {
	if w.aborted.CompareAndSwap(false, true) {
		w.logger.Info("abort requested")
	}
	w.cancel()
}

// Done is closed once the run has finished and its terminal event is queued.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the run finishes and returns its outcome.
func (w *Worker) Wait() Outcome {
	<-w.done
	return w.Outcome()
}

// Outcome returns the result of the run. It is only meaningful after Done
// is closed.
func (w *Worker) Outcome() Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outcome
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.cancel()
	// The terminal event must be queued before the registry reports idle.
	defer func() {
		if w.onFinish != nil {
			w.onFinish()
		}
	}()

	started := time.Now()
	out := w.execute(ctx)

	w.mu.Lock()
	w.outcome = out
	w.mu.Unlock()

	switch {
	case out.Err == nil:
		w.logger.Info("transfer done", "output_path", out.OutputPath, "files_uploaded", out.FilesUploaded, "bytes_uploaded", out.BytesUploaded, "duration", time.Since(started))
		w.events.push(EventStatus{Status: StatusDone})
		w.events.push(EventDone{OutputPath: out.OutputPath, MissingFiles: out.MissingFiles})
	case out.Interrupted():
		w.logger.Info("transfer aborted", "files_uploaded", out.FilesUploaded, "duration", time.Since(started))
		w.events.push(EventStatus{Status: StatusAborted, Text: "Aborted"})
		w.events.push(EventAborted{Reason: out.Err.Error()})
	default:
		w.logger.Error("transfer failed", "error", out.Err, "files_uploaded", out.FilesUploaded, "duration", time.Since(started))
		w.events.push(EventStatus{Status: StatusFailed, Text: out.Err.Error()})
		w.events.push(EventException{Err: out.Err})
	}
}

// execute runs the pipeline. It never panics and always deletes the moved
// files that are confirmed stored before returning.
func (w *Worker) execute(ctx context.Context) (out Outcome) {
	moves := newMoveTracker(w.job.FS, w.logger)
	var sched *Scheduler

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("transfer panicked", "panic", r)
			out.Err = fmt.Errorf("transfer: unexpected panic: %v", r)
		}
		if sched != nil {
			sched.fill(&out)
		}
		if out.Err != nil && !errors.Is(out.Err, ErrInterrupted) && (ctx.Err() != nil || w.aborted.Load()) {
			out.Err = fmt.Errorf("%w: %v", ErrInterrupted, out.Err)
		}
		moves.flush()
	}()

	w.status(StatusInvestigating, "Investigating dependencies")
	builder := NewBuilder(w.job.FS, w.job.Cache, w.logger)
	set, err := builder.Build(ctx, w.job.Requests)
	if err != nil {
		out.Err = err
		return out
	}
	moves.track(set)

	w.status(StatusTransferring, fmt.Sprintf("Transferring %d files", set.Len()))
	sched = NewScheduler(SchedulerConfig{
		Store:    w.job.Store,
		FS:       w.job.FS,
		Set:      set,
		Options:  w.job.Options,
		Logger:   w.logger,
		Observer: w.job.Observer,
		Emit:     w.events.push,
		OnStored: moves.confirm,
	})
	if err := sched.Run(ctx); err != nil {
		out.Err = err
		return out
	}
	// Every file is stored now, whatever the checkout does.
	moves.confirmAll()
	sched.reportProgress(true)

	outputPath, err := Finalize(ctx, w.job.Store, set, w.job.CheckoutPath, w.job.PrimaryRemotePath, w.logger)
	if err != nil {
		out.Err = err
		return out
	}
	out.OutputPath = outputPath
	out.MissingFiles = append([]string(nil), w.job.MissingFiles...)
	return out
}

func (w *Worker) status(s Status, text string) {
	w.logger.Debug("status changed", "status", string(s), "text", text)
	w.events.push(EventStatus{Status: s, Text: text})
}
