package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/shaman-pack/pkg/store"
)

func fileExists(fs billy.Filesystem, path string) bool {
	_, err := fs.Stat(path)
	return err == nil
}

func TestWorker_ThreeUnknownFiles(t *testing.T) {
	fs := projectFS(t, "scene.blend", "a.png", "b.png")
	st := newMockStore()

	w, err := NewRegistry().Start(context.Background(), Job{
		Requests:          requestsFor(ActionCopy, "scene.blend", "a.png", "b.png"),
		Store:             st,
		FS:                fs,
		CheckoutPath:      "jobs/render-1",
		PrimaryRemotePath: "scene.blend",
	})
	require.NoError(t, err)

	events := drain(t, w)
	require.NotEmpty(t, events)

	assert.Equal(t, EventStatus{Status: StatusInvestigating, Text: "Investigating dependencies"}, events[0])
	done, ok := events[len(events)-1].(EventDone)
	require.True(t, ok, "last event is %#v", events[len(events)-1])
	assert.Equal(t, "jobs/render-1/scene.blend", done.OutputPath)
	assert.Empty(t, done.MissingFiles)

	terminal := 0
	for _, ev := range events {
		if IsTerminal(ev) {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)

	assert.Equal(t, []string{"scene.blend", "a.png", "b.png"}, st.uploadedPaths())
	require.Len(t, st.checkouts, 1)
	assert.Equal(t, "jobs/render-1", st.checkouts[0].CheckoutPath)

	out := w.Wait()
	assert.True(t, out.Succeeded())
	assert.Equal(t, 3, out.FilesUploaded)
}

func TestWorker_SecondRunUploadsNothing(t *testing.T) {
	fs := projectFS(t, "scene.blend", "a.png")
	st := newMockStore()
	reg := NewRegistry()

	for run := 0; run < 2; run++ {
		w, err := reg.Start(context.Background(), Job{
			Requests:          requestsFor(ActionCopy, "scene.blend", "a.png"),
			Store:             st,
			FS:                fs,
			CheckoutPath:      "jobs/run",
			PrimaryRemotePath: "scene.blend",
			MissingFiles:      []string{"//lib/missing.blend"},
		})
		require.NoError(t, err)
		out := w.Wait()
		require.NoError(t, out.Err)
		assert.Equal(t, []string{"//lib/missing.blend"}, out.MissingFiles)
	}

	assert.Len(t, st.uploadCalls(), 2)
	assert.Len(t, st.checkouts, 2)
}

func TestWorker_OmittedPathIsProtocolError(t *testing.T) {
	fs := projectFS(t, "a", "b")
	st := newMockStore()
	st.requirementsFunc = func(_ context.Context, req store.RequirementsRequest) (*store.RequirementsResponse, error) {
		return &store.RequirementsResponse{Files: []store.FileSpecWithStatus{
			{FileSpec: req.Files[0], Status: store.StatusUnknown},
		}}, nil
	}

	w, err := NewRegistry().Start(context.Background(), Job{
		Requests:     requestsFor(ActionCopy, "a", "b"),
		Store:        st,
		FS:           fs,
		CheckoutPath: "jobs/x",
	})
	require.NoError(t, err)

	events := drain(t, w)
	exc, ok := events[len(events)-1].(EventException)
	require.True(t, ok, "last event is %#v", events[len(events)-1])

	var protoErr *ProtocolError
	assert.True(t, errors.As(exc.Err, &protoErr))
	assert.Empty(t, st.uploadCalls())
	assert.Empty(t, st.checkouts)
	assert.False(t, w.Outcome().Interrupted())
}

func TestWorker_BuildErrorKeepsRequest(t *testing.T) {
	fs := projectFS(t, "a")
	q := NewQueue(
		FileRequest{LocalPath: "/project/a", RemotePath: "a"},
		FileRequest{LocalPath: "/project/gone", RemotePath: "gone"},
	)

	w, err := NewRegistry().Start(context.Background(), Job{Requests: q, Store: newMockStore(), FS: fs})
	require.NoError(t, err)
	out := w.Wait()

	var buildErr *BuildError
	require.True(t, errors.As(out.Err, &buildErr))
	assert.Equal(t, "gone", buildErr.Request.RemotePath)
	require.Equal(t, 1, q.Len())
	assert.Equal(t, "gone", q.Remaining()[0].RemotePath)
}

func TestRegistry_Busy(t *testing.T) {
	fs := projectFS(t, "a")
	release := make(chan struct{})
	entered := make(chan struct{})

	st := newMockStore()
	st.requirementsFunc = func(ctx context.Context, req store.RequirementsRequest) (*store.RequirementsResponse, error) {
		close(entered)
		<-release
		return statusFor(func(string) store.FileStatus { return store.StatusStored })(ctx, req)
	}

	reg := NewRegistry()
	assert.False(t, reg.IsRunning())
	reg.Abort() // no-op when idle

	w, err := reg.Start(context.Background(), Job{Requests: requestsFor(ActionCopy, "a"), Store: st, FS: fs})
	require.NoError(t, err)
	<-entered

	assert.True(t, reg.IsRunning())
	assert.Same(t, w, reg.Current())

	_, err = reg.Start(context.Background(), Job{Requests: requestsFor(ActionCopy, "a"), Store: newMockStore(), FS: fs})
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, w.Wait().Err)
	assert.False(t, reg.IsRunning())

	next, err := reg.Start(context.Background(), Job{Requests: requestsFor(ActionCopy, "a"), Store: newMockStore(), FS: fs})
	require.NoError(t, err)
	next.Wait()
}

func TestRegistry_IndependentInstances(t *testing.T) {
	fs := projectFS(t, "a")
	block := make(chan struct{})
	defer close(block)

	st := newMockStore()
	st.requirementsFunc = func(ctx context.Context, req store.RequirementsRequest) (*store.RequirementsResponse, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}

	first, err := NewRegistry().Start(context.Background(), Job{Requests: requestsFor(ActionCopy, "a"), Store: st, FS: fs})
	require.NoError(t, err)
	defer first.Abort()

	second, err := NewRegistry().Start(context.Background(), Job{Requests: requestsFor(ActionCopy, "a"), Store: newMockStore(), FS: fs})
	require.NoError(t, err)
	assert.NoError(t, second.Wait().Err)
}

func TestWorker_AbortDuringUpload(t *testing.T) {
	fs := projectFS(t, "a", "b")
	uploading := make(chan struct{})

	st := newMockStore()
	st.storeFileFunc = func(ctx context.Context, req store.UploadRequest) (store.UploadResult, error) {
		if req.OriginalFilename == "a" {
			st.put(req.Digest, req.Size)
			return store.Uploaded, nil
		}
		close(uploading)
		<-ctx.Done()
		return 0, ctx.Err()
	}

	reg := NewRegistry()
	w, err := reg.Start(context.Background(), Job{
		Requests:     requestsFor(ActionMove, "a", "b"),
		Store:        st,
		FS:           fs,
		CheckoutPath: "jobs/x",
	})
	require.NoError(t, err)

	<-uploading
	reg.Abort()

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after abort")
	}

	events := drain(t, w)
	_, ok := events[len(events)-1].(EventAborted)
	assert.True(t, ok, "last event is %#v", events[len(events)-1])

	out := w.Outcome()
	assert.True(t, out.Interrupted())
	assert.Equal(t, 1, out.FilesUploaded)
	assert.Empty(t, st.checkouts)

	// a was confirmed stored, b was not.
	assert.False(t, fileExists(fs, "/project/a"))
	assert.True(t, fileExists(fs, "/project/b"))
}

func TestWorker_MoveFilesDeletedOnSuccess(t *testing.T) {
	fs := projectFS(t, "a", "b")
	st := newMockStore()
	q := NewQueue(
		FileRequest{LocalPath: "/project/a", RemotePath: "a", Action: ActionMove},
		FileRequest{LocalPath: "/project/b", RemotePath: "b", Action: ActionCopy},
	)

	w, err := NewRegistry().Start(context.Background(), Job{Requests: q, Store: st, FS: fs, CheckoutPath: "jobs/x"})
	require.NoError(t, err)
	require.NoError(t, w.Wait().Err)

	assert.False(t, fileExists(fs, "/project/a"))
	assert.True(t, fileExists(fs, "/project/b"))
}

func TestWorker_MoveFilesKeptWhenNothingConfirmed(t *testing.T) {
	fs := projectFS(t, "a")
	st := newMockStore()
	st.requirementsFunc = func(context.Context, store.RequirementsRequest) (*store.RequirementsResponse, error) {
		return nil, errors.New("connection refused")
	}

	w, err := NewRegistry().Start(context.Background(), Job{Requests: requestsFor(ActionMove, "a"), Store: st, FS: fs})
	require.NoError(t, err)
	out := w.Wait()
	require.Error(t, out.Err)
	assert.False(t, out.Interrupted())
	assert.True(t, fileExists(fs, "/project/a"))
}

func TestWorker_PanicBecomesException(t *testing.T) {
	st := newMockStore()
	st.requirementsFunc = func(context.Context, store.RequirementsRequest) (*store.RequirementsResponse, error) {
		panic("store exploded")
	}

	w, err := NewRegistry().Start(context.Background(), Job{Requests: requestsFor(ActionCopy, "a"), Store: st, FS: projectFS(t, "a")})
	require.NoError(t, err)

	events := drain(t, w)
	exc, ok := events[len(events)-1].(EventException)
	require.True(t, ok)
	assert.Contains(t, exc.Err.Error(), "store exploded")
}

func TestWorker_CheckoutConflict(t *testing.T) {
	st := newMockStore()
	st.checkoutFunc = func(context.Context, store.CheckoutRequest) (*store.CheckoutResult, error) {
		return nil, store.ErrCheckoutExists
	}

	w, err := NewRegistry().Start(context.Background(), Job{
		Requests:     requestsFor(ActionMove, "a"),
		Store:        st,
		FS:           projectFS(t, "a"),
		CheckoutPath: "jobs/taken",
	})
	require.NoError(t, err)

	out := w.Wait()
	assert.ErrorIs(t, out.Err, store.ErrCheckoutExists)
	assert.Equal(t, 1, out.FilesUploaded)
}

func TestWorker_StartValidatesJob(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Start(context.Background(), Job{Store: newMockStore()})
	assert.Error(t, err)
	_, err = reg.Start(context.Background(), Job{Requests: NewQueue()})
	assert.Error(t, err)
	assert.False(t, reg.IsRunning())
}

func TestRegistry_TerminalEventQueuedBeforeIdle(t *testing.T) {
	fs := projectFS(t, "a")
	reg := NewRegistry()

	for run := 0; run < 200; run++ {
		w, err := reg.Start(context.Background(), Job{
			Requests:     requestsFor(ActionCopy, "a"),
			Store:        newMockStore(),
			FS:           fs,
			CheckoutPath: "jobs/x",
		})
		require.NoError(t, err)

		var terminal Event
		for reg.IsRunning() {
			if ev, ok := w.Poll(0); ok && IsTerminal(ev) {
				terminal = ev
			}
		}
		for terminal == nil {
			ev, ok := w.Poll(0)
			if !ok {
				break
			}
			if IsTerminal(ev) {
				terminal = ev
			}
		}
		require.NotNil(t, terminal, "run %d ended without a queued terminal event", run)
		assert.IsType(t, EventDone{}, terminal)
	}
}
