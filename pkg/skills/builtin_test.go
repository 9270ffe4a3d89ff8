package skills

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBrowser struct {
	url string
	err error
}

func (f *fakeBrowser) Open(ctx context.Context, url string) (string, string, error) {
	f.url = url
	if f.err != nil {
		return "", "", f.err
	}
	return "Example", "Example body", nil
}

func setupBuiltins(t *testing.T, browser PageOpener) (*Registry, string, string) {
	t.Helper()
	workspace := t.TempDir()
	notes := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "readme.txt"), []byte("hello workspace"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(workspace, "docs"), 0o700))

	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, BuiltinConfig{
		WorkspaceDir: workspace,
		NotesDir:     notes,
		Browser:      browser,
	}))
	r.Freeze()
	return r, workspace, notes
}

func run(t *testing.T, r *Registry, name string, args map[string]interface{}) (string, error) {
	t.Helper()
	s, err := r.Lookup(name)
	require.NoError(t, err)
	valid, err := s.Validate(args)
	if err != nil {
		return "", err
	}
	return s.Execute(context.Background(), valid)
}

func TestBuiltins_Files(t *testing.T) {
	r, _, _ := setupBuiltins(t, nil)

	out, err := run(t, r, "files.read", map[string]interface{}{"path": "readme.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello workspace", out)

	out, err = run(t, r, "files.read", map[string]interface{}{"path": "readme.txt", "max_bytes": "5"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "hello\n"))

	_, err = run(t, r, "files.read", map[string]interface{}{"path": "missing.txt"})
	assert.ErrorContains(t, err, "file not found")

	// traversal is clamped to the workspace root
	_, err = run(t, r, "files.read", map[string]interface{}{"path": "../../etc/passwd"})
	assert.Error(t, err)

	_, err = run(t, r, "files.read", map[string]interface{}{})
	assert.Error(t, err)

	out, err = run(t, r, "files.list", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "docs/\nreadme.txt", out)
}

func TestBuiltins_Clock(t *testing.T) {
	r, _, _ := setupBuiltins(t, nil)

	out, err := run(t, r, "clock.now", map[string]interface{}{"timezone": "UTC"})
	require.NoError(t, err)
	assert.Contains(t, out, "UTC")

	_, err = run(t, r, "clock.now", map[string]interface{}{"timezone": "Mars/Olympus"})
	assert.ErrorContains(t, err, "unknown timezone")
}

func TestBuiltins_Notes(t *testing.T) {
	r, _, notes := setupBuiltins(t, nil)

	s, err := r.Lookup("notes.append")
	require.NoError(t, err)
	assert.Equal(t, "conversation_id", s.ContextParam)
	assert.Equal(t, CategoryWrite, s.Category)

	out, err := run(t, r, "notes.append", map[string]interface{}{"conversation_id": "telegram:7", "text": "buy milk"})
	require.NoError(t, err)
	assert.Equal(t, "Note saved.", out)

	data, err := os.ReadFile(filepath.Join(notes, "telegram:7.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "buy milk")

	_, err = run(t, r, "notes.append", map[string]interface{}{"conversation_id": "../x", "text": "y"})
	assert.Error(t, err)
}

func TestBuiltins_Browser(t *testing.T) {
	t.Run("should be absent without a browser", func(t *testing.T) {
		r, _, _ := setupBuiltins(t, nil)
		_, err := r.Lookup("browser.open")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should open pages as an admin ui skill", func(t *testing.T) {
		fb := &fakeBrowser{}
		r, _, _ := setupBuiltins(t, fb)

		s, err := r.Lookup("browser.open")
		require.NoError(t, err)
		assert.True(t, s.AdminOnly)
		assert.Equal(t, CategoryUI, s.Category)

		out, err := run(t, r, "browser.open", map[string]interface{}{"url": "https://example.com"})
		require.NoError(t, err)
		assert.Equal(t, "https://example.com", fb.url)
		assert.Contains(t, out, "Title: Example")
	})

	t.Run("should surface browser errors", func(t *testing.T) {
		r, _, _ := setupBuiltins(t, &fakeBrowser{err: errors.New("blocked")})
		_, err := run(t, r, "browser.open", map[string]interface{}{"url": "file:///etc"})
		assert.ErrorContains(t, err, "blocked")
	})
}
