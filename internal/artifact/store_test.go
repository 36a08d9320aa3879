package artifact

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), "/storage", discardLogger())
	require.NoError(t, err)
	return s
}

func TestNew(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, "/storage/", discardLogger())
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(root, "jobs"))
	assert.DirExists(t, filepath.Join(root, "public"))

	// Trailing slash on the base URL is normalized
	assert.Equal(t, "/storage/abc.mp4", s.URLFor("abc.mp4"))
}

func TestSandboxLifecycle(t *testing.T) {
	s := newTestStore(t)

	dir, err := s.CreateSandbox("job-1")
	require.NoError(t, err)
	assert.Equal(t, s.SandboxDir("job-1"), dir)
	assert.DirExists(t, s.InputsDir("job-1"))
	assert.DirExists(t, s.WorkDir("job-1"))
	assert.DirExists(t, s.OutDir("job-1"))

	require.NoError(t, s.RemoveSandbox("job-1"))
	assert.NoDirExists(t, s.SandboxDir("job-1"))

	// Removing again is a no-op
	require.NoError(t, s.RemoveSandbox("job-1"))
}

func TestPublish(t *testing.T) {
	t.Run("moves the output and writes a sidecar", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.CreateSandbox("job-1")
		require.NoError(t, err)

		out := filepath.Join(s.OutDir("job-1"), "output.mp4")
		require.NoError(t, os.WriteFile(out, []byte("encoded"), 0o644))

		ref, err := s.Publish("job-1", out)
		require.NoError(t, err)
		assert.Equal(t, ".mp4", filepath.Ext(ref))

		// Original is gone, published copy and sidecar exist
		assert.NoFileExists(t, out)
		published := filepath.Join(s.PublicDir(), ref)
		assert.FileExists(t, published)
		assert.FileExists(t, published+".meta")

		meta, err := os.ReadFile(published + ".meta")
		require.NoError(t, err)
		_, err = time.Parse(time.RFC3339, string(meta))
		assert.NoError(t, err)
	})

	t.Run("missing source fails", func(t *testing.T) {
		s := newTestStore(t)

		_, err := s.Publish("job-1", filepath.Join(t.TempDir(), "never-made.mp4"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "output file missing")
	})
}

func TestResolvePublic(t *testing.T) {
	s := newTestStore(t)

	src := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	ref, err := s.Publish("job-1", src)
	require.NoError(t, err)

	t.Run("resolves a published ref", func(t *testing.T) {
		path, err := s.ResolvePublic(ref)
		require.NoError(t, err)
		assert.FileExists(t, path)
	})

	t.Run("rejects path separators", func(t *testing.T) {
		_, err := s.ResolvePublic("sub/dir.mp4")
		require.Error(t, err)
	})

	t.Run("rejects traversal", func(t *testing.T) {
		_, err := s.ResolvePublic("..")
		require.Error(t, err)
	})

	t.Run("rejects empty ref", func(t *testing.T) {
		_, err := s.ResolvePublic("")
		require.Error(t, err)
	})

	t.Run("missing ref fails", func(t *testing.T) {
		_, err := s.ResolvePublic("does-not-exist.mp4")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)

	src := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	ref, err := s.Publish("job-1", src)
	require.NoError(t, err)

	require.NoError(t, s.Remove(ref))
	assert.NoFileExists(t, filepath.Join(s.PublicDir(), ref))
	assert.NoFileExists(t, filepath.Join(s.PublicDir(), ref+".meta"))

	// Removing an absent artifact is a no-op
	require.NoError(t, s.Remove(ref))
}

func TestSweepPublic(t *testing.T) {
	s := newTestStore(t)

	publish := func(name, createdAt string) string {
		t.Helper()
		path := filepath.Join(s.PublicDir(), name)
		require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
		require.NoError(t, os.WriteFile(path+".meta", []byte(createdAt), 0o644))
		return name
	}

	old := publish("old.mp4", time.Now().Add(-48*time.Hour).Format(time.RFC3339))
	fresh := publish("fresh.mp4", time.Now().Format(time.RFC3339))

	removed, freed := s.SweepPublic(24 * time.Hour)

	assert.Equal(t, 1, removed)
	assert.Equal(t, int64(4), freed)
	assert.NoFileExists(t, filepath.Join(s.PublicDir(), old))
	assert.NoFileExists(t, filepath.Join(s.PublicDir(), old+".meta"))
	assert.FileExists(t, filepath.Join(s.PublicDir(), fresh))

	// A second sweep finds nothing
	removed, _ = s.SweepPublic(24 * time.Hour)
	assert.Equal(t, 0, removed)
}

func TestSweepPublic_MtimeFallback(t *testing.T) {
	s := newTestStore(t)

	// No sidecar; age comes from mtime
	path := filepath.Join(s.PublicDir(), "bare.mp4")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(path, stale, stale))

	removed, _ := s.SweepPublic(24 * time.Hour)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, path)
}

func TestSweepOrphans(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateSandbox("live-job")
	require.NoError(t, err)
	_, err = s.CreateSandbox("dead-job")
	require.NoError(t, err)
	_, err = s.CreateSandbox("recent-dead-job")
	require.NoError(t, err)

	// Age the two candidates past any grace period
	stale := time.Now().Add(-24 * time.Hour)
	require.NoError(t, os.Chtimes(s.SandboxDir("dead-job"), stale, stale))

	live := map[string]bool{"live-job": true}
	removed := s.SweepOrphans(12*time.Hour, func(jobID string) bool {
		return live[jobID]
	})

	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, s.SandboxDir("dead-job"))
	assert.DirExists(t, s.SandboxDir("live-job"))
	// Within the grace period, even an orphan survives
	assert.DirExists(t, s.SandboxDir("recent-dead-job"))
}
