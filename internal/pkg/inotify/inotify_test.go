// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package inotify_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/poweroffd/internal/pkg/inotify"
)

func assertEvent(t *testing.T, watchCh <-chan inotify.Event, errCh <-chan error, expectedPath string, expectedMask uint32) {
	t.Helper()

	select {
	case event := <-watchCh:
		require.Equal(t, expectedPath, event.Path)
		require.True(t, event.Has(expectedMask), "mask %#x", event.Mask)
	case err := <-errCh:
		require.FailNow(t, "unexpected error", "%s", err)
	case <-time.After(time.Second):
		require.FailNow(t, "timeout")
	}
}

func assertNoEvent(t *testing.T, watchCh <-chan inotify.Event, errCh <-chan error) {
	t.Helper()

	select {
	case event := <-watchCh:
		require.FailNow(t, "unexpected event", "%+v", event)
	case err := <-errCh:
		require.FailNow(t, "unexpected error", "%s", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcherDirectory(t *testing.T) {
	watcher, err := inotify.NewWatcher()
	require.NoError(t, err)

	d := t.TempDir()

	require.NoError(t, watcher.Add(d, unix.IN_CLOSE_WRITE|unix.IN_DELETE|unix.IN_MOVE))

	watchCh, errCh := watcher.Run()

	assertNoEvent(t, watchCh, errCh)

	// opening and closing for writing completes a write
	f, err := os.Create(filepath.Join(d, "a.conf"))
	require.NoError(t, err)

	_, err = f.WriteString("start_time: 1\n")
	require.NoError(t, err)

	assertNoEvent(t, watchCh, errCh)

	require.NoError(t, f.Close())

	assertEvent(t, watchCh, errCh, filepath.Join(d, "a.conf"), unix.IN_CLOSE_WRITE)

	// reading doesn't produce events
	contents, err := os.ReadFile(filepath.Join(d, "a.conf"))
	require.NoError(t, err)
	require.Equal(t, "start_time: 1\n", string(contents))

	assertNoEvent(t, watchCh, errCh)

	// rename produces a pair of events
	require.NoError(t, os.Rename(filepath.Join(d, "a.conf"), filepath.Join(d, "b.conf")))

	assertEvent(t, watchCh, errCh, filepath.Join(d, "a.conf"), unix.IN_MOVED_FROM)
	assertEvent(t, watchCh, errCh, filepath.Join(d, "b.conf"), unix.IN_MOVED_TO)

	require.NoError(t, os.Remove(filepath.Join(d, "b.conf")))

	assertEvent(t, watchCh, errCh, filepath.Join(d, "b.conf"), unix.IN_DELETE)

	assertNoEvent(t, watchCh, errCh)

	require.NoError(t, watcher.Remove(d))
	require.Error(t, watcher.Remove(d))

	require.NoError(t, watcher.Close())
	require.NoError(t, watcher.Close())
}

func TestWatcherCloseUnblocks(t *testing.T) {
	watcher, err := inotify.NewWatcher()
	require.NoError(t, err)

	require.NoError(t, watcher.Add(t.TempDir(), unix.IN_CLOSE_WRITE))

	watchCh, errCh := watcher.Run()

	require.NoError(t, watcher.Close())

	select {
	case _, ok := <-watchCh:
		require.False(t, ok)
	case <-time.After(time.Second):
		require.FailNow(t, "watcher didn't stop")
	}

	_, ok := <-errCh
	require.False(t, ok)
}
