package transfer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/shaman-pack/internal/checksum"
	"github.com/yuya-takeyama/shaman-pack/pkg/store"
)

type uploadCall struct {
	path     string
	canDefer bool
}

// mockStore is an in-memory store.Store. Each func field overrides the
// default behaviour, which keeps content in memory like a real store.
type mockStore struct {
	requirementsFunc func(ctx context.Context, req store.RequirementsRequest) (*store.RequirementsResponse, error)
	fileStatusFunc   func(ctx context.Context, digest string, size int64) (store.FileStatus, error)
	storeFileFunc    func(ctx context.Context, req store.UploadRequest) (store.UploadResult, error)
	checkoutFunc     func(ctx context.Context, req store.CheckoutRequest) (*store.CheckoutResult, error)

	mu               sync.Mutex
	stored           map[string]bool
	requirementCalls int
	statusCalls      int
	uploads          []uploadCall
	checkouts        []store.CheckoutRequest
	log              []string
}

func newMockStore() *mockStore {
	return &mockStore{stored: make(map[string]bool)}
}

func blobID(digest string, size int64) string {
	return fmt.Sprintf("%s/%d", digest, size)
}

func (m *mockStore) has(digest string, size int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stored[blobID(digest, size)]
}

func (m *mockStore) put(digest string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[blobID(digest, size)] = true
}

func (m *mockStore) record(entry string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, entry)
}

func (m *mockStore) Requirements(ctx context.Context, req store.RequirementsRequest) (*store.RequirementsResponse, error) {
	m.mu.Lock()
	m.requirementCalls++
	m.mu.Unlock()
	m.record("requirements")

	if m.requirementsFunc != nil {
		return m.requirementsFunc(ctx, req)
	}
	resp := &store.RequirementsResponse{}
	for _, f := range req.Files {
		status := store.StatusUnknown
		if m.has(f.Digest, f.Size) {
			status = store.StatusStored
		}
		resp.Files = append(resp.Files, store.FileSpecWithStatus{FileSpec: f, Status: status})
	}
	return resp, nil
}

func (m *mockStore) FileStatus(ctx context.Context, digest string, size int64) (store.FileStatus, error) {
	m.mu.Lock()
	m.statusCalls++
	m.mu.Unlock()

	if m.fileStatusFunc != nil {
		return m.fileStatusFunc(ctx, digest, size)
	}
	if m.has(digest, size) {
		return store.StatusStored, nil
	}
	return store.StatusUnknown, nil
}

func (m *mockStore) StoreFile(ctx context.Context, req store.UploadRequest) (store.UploadResult, error) {
	m.mu.Lock()
	m.uploads = append(m.uploads, uploadCall{path: req.OriginalFilename, canDefer: req.CanDefer})
	m.mu.Unlock()
	m.record(fmt.Sprintf("upload %s defer=%t", req.OriginalFilename, req.CanDefer))

	if m.storeFileFunc != nil {
		return m.storeFileFunc(ctx, req)
	}
	sum, err := checksum.CalculateSHA256(req.Body)
	if err != nil {
		return 0, err
	}
	if sum != req.Digest {
		return 0, &store.MismatchError{Digest: req.Digest, Size: req.Size}
	}
	m.put(req.Digest, req.Size)
	return store.Uploaded, nil
}

func (m *mockStore) Checkout(ctx context.Context, req store.CheckoutRequest) (*store.CheckoutResult, error) {
	m.mu.Lock()
	m.checkouts = append(m.checkouts, req)
	m.mu.Unlock()
	m.record("checkout " + req.CheckoutPath)

	if m.checkoutFunc != nil {
		return m.checkoutFunc(ctx, req)
	}
	for _, f := range req.Files {
		if !m.has(f.Digest, f.Size) {
			return nil, store.ErrMissingFiles
		}
	}
	return &store.CheckoutResult{CheckoutPath: req.CheckoutPath}, nil
}

func (m *mockStore) uploadCalls() []uploadCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uploadCall(nil), m.uploads...)
}

func (m *mockStore) uploadedPaths() []string {
	var paths []string
	for _, u := range m.uploadCalls() {
		paths = append(paths, u.path)
	}
	return paths
}

func (m *mockStore) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.log...)
}

// statusFor answers every requirements request with the status returned by fn.
func statusFor(fn func(path string) store.FileStatus) func(context.Context, store.RequirementsRequest) (*store.RequirementsResponse, error) {
	return func(_ context.Context, req store.RequirementsRequest) (*store.RequirementsResponse, error) {
		resp := &store.RequirementsResponse{}
		for _, f := range req.Files {
			resp.Files = append(resp.Files, store.FileSpecWithStatus{FileSpec: f, Status: fn(f.Path)})
		}
		return resp, nil
	}
}

// projectFS creates files under /project named after their content.
func projectFS(t *testing.T, names ...string) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	for _, name := range names {
		require.NoError(t, util.WriteFile(fs, "/project/"+name, []byte("content of "+name), 0o644))
	}
	return fs
}

func requestsFor(action Action, names ...string) *Queue {
	q := NewQueue()
	for _, name := range names {
		q.Push(FileRequest{LocalPath: "/project/" + name, RemotePath: name, Action: action})
	}
	return q
}

func buildSet(t *testing.T, fs billy.Filesystem, q *Queue) *TransferSet {
	t.Helper()
	set, err := NewBuilder(fs, nil, nil).Build(context.Background(), q)
	require.NoError(t, err)
	return set
}

// drain polls w until its terminal event.
func drain(t *testing.T, w *Worker) []Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var events []Event
	for time.Now().Before(deadline) {
		ev, ok := w.Poll(50 * time.Millisecond)
		if !ok {
			continue
		}
		events = append(events, ev)
		if IsTerminal(ev) {
			return events
		}
	}
	t.Fatalf("no terminal event within deadline, got %d events", len(events))
	return nil
}
