package s3store

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// mockAPI is an in-memory bucket. Func fields override single calls.
type mockAPI struct {
	headObjectFunc   func(ctx context.Context, req *HeadObjectRequest) (*ObjectInfo, error)
	putObjectFunc    func(ctx context.Context, req *PutObjectRequest) error
	copyObjectFunc   func(ctx context.Context, req *CopyObjectRequest) error
	deleteObjectFunc func(ctx context.Context, req *DeleteObjectRequest) error

	mu      sync.Mutex
	objects map[string]mockObject
	puts    []string
	copies  []CopyObjectRequest
	deletes []string
	heads   int
}

type mockObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

func newMockAPI() *mockAPI {
	return &mockAPI{objects: make(map[string]mockObject)}
}

func (m *mockAPI) put(key, content string) {
	m.objects[key] = mockObject{data: []byte(content)}
}

func (m *mockAPI) HeadObject(ctx context.Context, req *HeadObjectRequest) (*ObjectInfo, error) {
	m.mu.Lock()
	m.heads++
	m.mu.Unlock()
	if m.headObjectFunc != nil {
		return m.headObjectFunc(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[req.Key]
	if !ok {
		return nil, ErrNotFound
	}
	return &ObjectInfo{Size: int64(len(obj.data)), Metadata: obj.metadata}, nil
}

func (m *mockAPI) PutObject(ctx context.Context, req *PutObjectRequest) error {
	if m.putObjectFunc != nil {
		return m.putObjectFunc(ctx, req)
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[req.Key]; exists && req.IfNoneMatch {
		return ErrPreconditionFailed
	}
	m.objects[req.Key] = mockObject{data: data, contentType: req.ContentType, metadata: req.Metadata}
	m.puts = append(m.puts, req.Key)
	return nil
}

func (m *mockAPI) CopyObject(ctx context.Context, req *CopyObjectRequest) error {
	if m.copyObjectFunc != nil {
		return m.copyObjectFunc(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[req.SourceKey]
	if !ok {
		return ErrNotFound
	}
	m.objects[req.Key] = obj
	m.copies = append(m.copies, *req)
	return nil
}

func (m *mockAPI) DeleteObject(ctx context.Context, req *DeleteObjectRequest) error {
	if m.deleteObjectFunc != nil {
		return m.deleteObjectFunc(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, req.Key)
	m.deletes = append(m.deletes, req.Key)
	return nil
}
