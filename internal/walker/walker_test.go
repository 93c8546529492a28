package walker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/shaman-pack/pkg/transfer"
)

func newProject(t *testing.T, files ...string) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	for _, f := range files {
		require.NoError(t, util.WriteFile(fs, "/project/"+f, []byte(f), 0o644))
	}
	return fs
}

func remotePaths(q *transfer.Queue) []string {
	var out []string
	for _, r := range q.Remaining() {
		out = append(out, r.RemotePath)
	}
	return out
}

func TestWalker_Walk(t *testing.T) {
	files := []string{
		"scene.blend",
		"scene.blend1",
		"textures/wood.png",
		"textures/cache/wood.tmp",
		"render/out/frame_0001.png",
		"lib/render/chars.blend",
	}

	tests := []struct {
		name     string
		excludes []string
		want     []string
	}{
		{
			name: "no excludes",
			want: []string{
				"lib/render/chars.blend",
				"render/out/frame_0001.png",
				"scene.blend",
				"scene.blend1",
				"textures/cache/wood.tmp",
				"textures/wood.png",
			},
		},
		{
			name:     "file pattern",
			excludes: []string{"*.blend1", "**/*.tmp"},
			want: []string{
				"lib/render/chars.blend",
				"render/out/frame_0001.png",
				"scene.blend",
				"textures/wood.png",
			},
		},
		{
			name:     "top level directory pattern",
			excludes: []string{"render/"},
			want: []string{
				"lib/render/chars.blend",
				"scene.blend",
				"scene.blend1",
				"textures/cache/wood.tmp",
				"textures/wood.png",
			},
		},
		{
			name:     "directory pattern at any depth",
			excludes: []string{"**/render/", "**/cache/"},
			want: []string{
				"scene.blend",
				"scene.blend1",
				"textures/wood.png",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newProject(t, files...)
			w, err := New(fs, "/project", tt.excludes, transfer.ActionCopy)
			require.NoError(t, err)

			q := transfer.NewQueue()
			n, err := w.Walk(context.Background(), q)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)
			assert.ElementsMatch(t, tt.want, remotePaths(q))
		})
	}
}

func TestWalker_RequestsCarryAction(t *testing.T) {
	fs := newProject(t, "a.blend")
	w, err := New(fs, "/project", nil, transfer.ActionMove)
	require.NoError(t, err)

	q := transfer.NewQueue()
	_, err = w.Walk(context.Background(), q)
	require.NoError(t, err)

	req, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, transfer.FileRequest{LocalPath: "/project/a.blend", RemotePath: "a.blend", Action: transfer.ActionMove}, req)
}

func TestWalker_RemotePath(t *testing.T) {
	fs := newProject(t, "a.blend")
	w, err := New(fs, "/project/", nil, transfer.ActionCopy)
	require.NoError(t, err)
	assert.Equal(t, "/project", w.Root())

	rel, err := w.RemotePath("/project/sub/../textures/a.png")
	require.NoError(t, err)
	assert.Equal(t, "textures/a.png", rel)

	_, err = w.RemotePath("/elsewhere/a.png")
	assert.Error(t, err)
}

func TestNew_Errors(t *testing.T) {
	fs := newProject(t, "a.blend")

	_, err := New(fs, "/missing", nil, transfer.ActionCopy)
	assert.Error(t, err)

	_, err = New(fs, "/project/a.blend", nil, transfer.ActionCopy)
	assert.Error(t, err)

	_, err = New(fs, "/project", []string{"[unclosed"}, transfer.ActionCopy)
	assert.Error(t, err)
}

func TestWalker_Cancelled(t *testing.T) {
	fs := newProject(t, "a.blend", "b.blend")
	w, err := New(fs, "/project", nil, transfer.ActionCopy)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Walk(ctx, transfer.NewQueue())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWalker_Symlinks(t *testing.T) {
	fs := newProject(t, "scene.blend", "lib/tex.png")
	require.NoError(t, fs.Symlink("lib/tex.png", "/project/linked.png"))
	require.NoError(t, fs.Symlink("lib/gone.png", "/project/broken.png"))

	w, err := New(fs, "/project", nil, transfer.ActionCopy)
	require.NoError(t, err)

	q := transfer.NewQueue()
	n, err := w.Walk(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"lib/tex.png", "linked.png", "scene.blend"}, remotePaths(q))
	assert.Equal(t, []string{"broken.png"}, w.Missing())
}

func TestWalker_SymlinksOnDisk(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "scene.blend"), []byte("scene"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "lib", "tex.png"), []byte("tex"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join("lib", "tex.png"), filepath.Join(root, "linked.png")))
	require.NoError(t, os.Symlink(filepath.Join("lib", "gone.png"), filepath.Join(root, "broken.png")))

	w, err := New(osfs.New(""), root, nil, transfer.ActionCopy)
	require.NoError(t, err)

	q := transfer.NewQueue()
	n, err := w.Walk(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"lib/tex.png", "linked.png", "scene.blend"}, remotePaths(q))
	assert.Equal(t, []string{"broken.png"}, w.Missing())

	// A second walk starts a fresh missing list.
	require.NoError(t, os.Remove(filepath.Join(root, "broken.png")))
	_, err = w.Walk(context.Background(), transfer.NewQueue())
	require.NoError(t, err)
	assert.Empty(t, w.Missing())
}
