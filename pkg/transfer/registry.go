package transfer

import (
	"context"
	"sync"
)

// Registry allows a single active Worker. Each Registry is independent;
// hosts usually create one and share it.
type Registry struct {
	mu      sync.Mutex
	current *Worker
}

// NewRegistry creates an idle registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Start launches job on a new Worker. It fails with ErrBusy while another
// worker of this registry is running.
func (r *Registry) Start(ctx context.Context, job Job) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return nil, ErrBusy
	}

	w, err := newWorker(job)
	if err != nil {
		return nil, err
	}
	w.onFinish = func() { r.release(w) }
	r.current = w
	w.start(ctx)
	return w, nil
}

func (r *Registry) release(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == w {
		r.current = nil
	}
}

// IsRunning reports whether a worker is active.
func (r *Registry) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Current returns the active worker, or nil.
func (r *Registry) Current() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Abort aborts the active worker, if any.
func (r *Registry) Abort() {
	if w := r.Current(); w != nil {
		w.Abort()
	}
}
