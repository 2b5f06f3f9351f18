// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package watch turns changes of the descriptor directory into a stream of events.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/siderolabs/gen/channel"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/poweroffd/internal/pkg/inotify"
)

// Kind of the Event.
type Kind int

// Event kinds.
const (
	// Upserted: the file was written completely or moved into the directory.
	Upserted Kind = iota
	// Removed: the file was deleted or moved out of the directory.
	Removed
	// Resync: Keys lists every file present now, sent on start and after events were lost.
	Resync
)

func (k Kind) String() string {
	switch k {
	case Upserted:
		return "upserted"
	case Removed:
		return "removed"
	case Resync:
		return "resync"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is a change in the descriptor directory.
type Event struct {
	Kind Kind
	Key  string
	Keys []string
}

const watchMask = unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO | unix.IN_DELETE | unix.IN_MOVED_FROM | unix.IN_DELETE_SELF | unix.IN_MOVE_SELF

// Watcher watches a single directory.
type Watcher struct {
	dir    string
	logger *zap.Logger
}

// New creates a Watcher for dir.
func New(dir string, logger *zap.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		logger: logger,
	}
}

// Run delivers events to out until ctx is canceled.
//
// The watch is installed before the directory is listed, and the listing is delivered
// first as a single Resync, so no descriptor written during startup is missed and the
// consumer sees the initial state at once.
//
//nolint:gocyclo
func (w *Watcher) Run(ctx context.Context, out chan<- Event) error {
	watcher, err := inotify.NewWatcher()
	if err != nil {
		return err
	}

	//nolint:errcheck
	defer watcher.Close()

	if err = watcher.Add(w.dir, watchMask); err != nil {
		return err
	}

	watchCh, errCh := watcher.Run()

	existing, err := w.list()
	if err != nil {
		return err
	}

	if !channel.SendWithContext(ctx, out, Event{Kind: Resync, Keys: existing}) {
		return nil
	}

	w.logger.Debug("watching directory", zap.String("dir", w.dir), zap.Int("existing", len(existing)))

	for {
		var (
			ev inotify.Event
			ok bool
		)

		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("error watching %q: %w", w.dir, err)
			}

			return nil
		case ev, ok = <-watchCh:
			if !ok {
				return nil
			}
		}

		var event Event

		switch {
		case ev.Has(unix.IN_Q_OVERFLOW):
			w.logger.Warn("inotify queue overflow, rescanning directory", zap.String("dir", w.dir))

			keys, err := w.list()
			if err != nil {
				return err
			}

			event = Event{Kind: Resync, Keys: keys}
		case ev.Has(unix.IN_DELETE_SELF | unix.IN_MOVE_SELF | unix.IN_IGNORED):
			return fmt.Errorf("watched directory %q was removed", w.dir)
		case ev.Has(unix.IN_ISDIR):
			continue
		case ev.Has(unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO):
			event = Event{Kind: Upserted, Key: ev.Path}
		case ev.Has(unix.IN_DELETE | unix.IN_MOVED_FROM):
			event = Event{Kind: Removed, Key: ev.Path}
		default:
			continue
		}

		if !channel.SendWithContext(ctx, out, event) {
			return nil
		}
	}
}

// list returns the regular files in the directory, sorted.
func (w *Watcher) list() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("error listing %q: %w", w.dir, err)
	}

	keys := make([]string, 0, len(entries))

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return nil, err
		}

		if !info.Mode().IsRegular() {
			continue
		}

		keys = append(keys, filepath.Join(w.dir, entry.Name()))
	}

	slices.Sort(keys)

	return keys, nil
}
