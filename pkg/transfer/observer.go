package transfer

// Observer receives per-file scheduler decisions, e.g. to feed metrics.
// Calls happen on the worker goroutine.
type Observer interface {
	Negotiated(toUpload, stored int)
	Uploaded(bytes int64)
	AlreadyStored()
	Deferred()
	Failed()
}

type nopObserver struct{}

func (nopObserver) Negotiated(int, int) {}
func (nopObserver) Uploaded(int64)      {}
func (nopObserver) AlreadyStored()      {}
func (nopObserver) Deferred()           {}
func (nopObserver) Failed()             {}
