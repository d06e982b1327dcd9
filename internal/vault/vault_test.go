package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T, files map[string]string) *Vault {
	t.Helper()
	root := t.TempDir()
	for identity, content := range files {
		path := filepath.Join(root, filepath.FromSlash(identity))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	v, err := New(root)
	require.NoError(t, err)
	return v
}

func TestNew_ValidatesRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "note.md")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = New(file)
	assert.Error(t, err)
}

func TestReadText(t *testing.T) {
	v := newTestVault(t, map[string]string{"notes/a.md": "hello vault"})

	content, err := v.ReadText("notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, "hello vault", content)

	_, err = v.ReadText("notes/missing.md")
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	v := newTestVault(t, map[string]string{
		"b.md":           "b",
		"work/a.md":      "a",
		"work/deep/c.md": "c",
		"work/image.png": "not a note",
		".hidden/d.md":   "hidden",
	})

	all, err := v.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"b.md", "work/a.md", "work/deep/c.md"}, all)

	scoped, err := v.List("work/")
	require.NoError(t, err)
	assert.Equal(t, []string{"work/a.md", "work/deep/c.md"}, scoped)

	n, err := v.TotalFiles("work/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIdentity(t *testing.T) {
	v := newTestVault(t, map[string]string{"notes/a.md": "x"})

	identity, err := v.Identity(filepath.Join(v.Root(), "notes", "a.md"))
	require.NoError(t, err)
	assert.Equal(t, "notes/a.md", identity)

	_, err = v.Identity("/somewhere/else/a.md")
	assert.Error(t, err)
}

func TestContentHash(t *testing.T) {
	h1 := ContentHash("same content")
	h2 := ContentHash("same content")
	h3 := ContentHash("different content")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}
