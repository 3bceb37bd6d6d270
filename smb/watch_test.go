package smb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitWatchEvent(t *testing.T, ch <-chan WatchEvent) WatchEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "watcher channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
		return WatchEvent{}
	}
}

func TestWatcherDiffsSuccessiveScans(t *testing.T) {
	var fs = newFakeFS()
	var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	fs.addFile("exports/existing.dcm", []byte("aa"), t0)

	var p, _ = newTestPool(t, &fakeDialer{fs: fs})
	var w, err = p.StartWatching(context.Background(), testDevice("d1"), "exports", 15*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	// The baseline emits nothing; a new file is an add.
	fs.addFile("exports/new.jpg", []byte("bbb"), t0.Add(time.Minute))
	var ev = waitWatchEvent(t, w.C)
	require.Equal(t, WatchAdded, ev.Type)
	require.Equal(t, "exports/new.jpg", ev.File.Path)
	require.True(t, ev.File.IsImage)

	// A (size, mtime) change on a known file is a change, even if some
	// server kept the mtime.
	fs.addFile("exports/existing.dcm", []byte("aaaa"), t0)
	ev = waitWatchEvent(t, w.C)
	require.Equal(t, WatchChanged, ev.Type)
	require.Equal(t, "exports/existing.dcm", ev.File.Path)

	// A vanished file is a remove.
	fs.removeFile("exports/new.jpg")
	ev = waitWatchEvent(t, w.C)
	require.Equal(t, WatchRemoved, ev.Type)
	require.Equal(t, "exports/new.jpg", ev.File.Path)
}

func TestWatcherSurvivesScanErrors(t *testing.T) {
	var fs = newFakeFS()
	fs.addFile("exports/a.txt", []byte("x"), time.Now())

	var p, _ = newTestPool(t, &fakeDialer{fs: fs})
	var w, err = p.StartWatching(context.Background(), testDevice("d1"), "exports", 15*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	// Break the base directory; the watcher reports and keeps polling.
	fs.mu.Lock()
	fs.failReadDir["exports"] = context.DeadlineExceeded
	fs.mu.Unlock()

	select {
	case scanErr := <-w.Errors:
		require.Error(t, scanErr)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a watch error")
	}

	// Heal it; diffing resumes.
	fs.mu.Lock()
	delete(fs.failReadDir, "exports")
	fs.mu.Unlock()
	fs.addFile("exports/b.txt", []byte("x"), time.Now())

	var ev = waitWatchEvent(t, w.C)
	require.Equal(t, WatchAdded, ev.Type)
	require.Equal(t, "exports/b.txt", ev.File.Path)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	var fs = newFakeFS()
	fs.addDir("exports")
	var p, _ = newTestPool(t, &fakeDialer{fs: fs})

	var w, err = p.StartWatching(context.Background(), testDevice("d1"), "exports", time.Hour)
	require.NoError(t, err)
	w.Stop()
	w.Stop()

	var _, open = <-w.C
	require.False(t, open)
}
