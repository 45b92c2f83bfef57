package workspace

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidRelPath(t *testing.T) {
	valid := []string{"a.txt", "dir/b.txt", "deep/nested/c.bin"}
	for _, p := range valid {
		assert.True(t, ValidRelPath(p), p)
	}

	invalid := []string{
		"",
		".",
		"/etc/passwd",
		"../up.txt",
		"a/../../b.txt",
		"a//b.txt",
		`a\b.txt`,
		".synclite/state.json",
		".synclite",
	}
	for _, p := range invalid {
		assert.False(t, ValidRelPath(p), p)
	}
}

func TestResolveSandbox(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, ws.Bootstrap())

	t.Run("inside paths resolve", func(t *testing.T) {
		abs, err := ws.Resolve("dir/a.txt")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(ws.Root, "dir", "a.txt"), abs)
	})

	t.Run("dotdot rejected", func(t *testing.T) {
		_, err := ws.Resolve("../outside.txt")
		assert.ErrorIs(t, err, ErrPathEscape)
	})

	t.Run("absolute rejected", func(t *testing.T) {
		_, err := ws.Resolve("/etc/passwd")
		assert.ErrorIs(t, err, ErrPathEscape)
	})

	t.Run("meta dir rejected", func(t *testing.T) {
		_, err := ws.Resolve(".synclite/state.json")
		assert.ErrorIs(t, err, ErrPathEscape)
	})

	t.Run("symlink escape rejected", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("symlinks need privileges on windows")
		}
		outside := t.TempDir()
		require.NoError(t, os.Symlink(outside, filepath.Join(ws.Root, "link")))

		_, err := ws.Resolve("link/escape.txt")
		assert.ErrorIs(t, err, ErrPathEscape)
	})
}

func TestRelPath(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)

	rel, err := ws.RelPath(filepath.Join(ws.Root, "sub", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "sub/a.txt", rel)

	_, err = ws.RelPath(filepath.Dir(ws.Root))
	assert.ErrorIs(t, err, ErrPathEscape)
}
