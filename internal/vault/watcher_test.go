package vault

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_IndexAndRemoveEvents(t *testing.T) {
	v := newTestVault(t, map[string]string{"notes/a.md": "seed"})

	indexed := make(chan string, 8)
	removed := make(chan string, 8)
	w := NewWatcher(v,
		func(identity string) { indexed <- identity },
		func(identity string) { removed <- identity },
		nil)
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	path := filepath.Join(v.Root(), "notes", "b.md")
	require.NoError(t, os.WriteFile(path, []byte("new note"), 0o644))

	select {
	case identity := <-indexed:
		require.Equal(t, "notes/b.md", identity)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for index event")
	}

	require.NoError(t, os.Remove(path))
	select {
	case identity := <-removed:
		require.Equal(t, "notes/b.md", identity)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for remove event")
	}
}

func TestWatcher_IgnoresNonNotes(t *testing.T) {
	v := newTestVault(t, nil)

	indexed := make(chan string, 8)
	w := NewWatcher(v,
		func(identity string) { indexed <- identity },
		func(identity string) {},
		nil)
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(v.Root(), "image.png"), []byte{1}, 0o644))

	select {
	case identity := <-indexed:
		t.Fatalf("unexpected index event for %s", identity)
	case <-time.After(500 * time.Millisecond):
	}
}
