// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package inotify is a minimal inotify(7) watcher which exposes the raw event mask.
//
// fsnotify doesn't report IN_CLOSE_WRITE, which is the only reliable "write completed" signal.
package inotify

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Event is a single inotify event.
type Event struct {
	// Path is the watched path joined with the name of the affected entry.
	Path string
	Mask uint32
}

// Has reports whether any of the bits in mask are set.
func (e Event) Has(mask uint32) bool {
	return e.Mask&mask != 0
}

// Watcher wraps an inotify instance.
type Watcher struct {
	fd   int
	file *os.File

	mu      sync.Mutex
	watches map[int]string
	paths   map[string]int

	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher initializes an inotify instance.
func NewWatcher() (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("error initializing inotify: %w", err)
	}

	// non-blocking fd makes the file pollable, so Close interrupts a pending Read
	return &Watcher{
		fd:      fd,
		file:    os.NewFile(uintptr(fd), "inotify"),
		watches: map[int]string{},
		paths:   map[string]int{},
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching path for events in mask.
func (w *Watcher) Add(path string, mask uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	wd, err := unix.InotifyAddWatch(w.fd, path, mask)
	if err != nil {
		return fmt.Errorf("error adding watch for %q: %w", path, err)
	}

	w.watches[wd] = path
	w.paths[path] = wd

	return nil
}

// Remove stops watching path.
func (w *Watcher) Remove(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	wd, ok := w.paths[path]
	if !ok {
		return fmt.Errorf("path %q is not watched", path)
	}

	delete(w.paths, path)
	delete(w.watches, wd)

	if _, err := unix.InotifyRmWatch(w.fd, uint32(wd)); err != nil {
		return fmt.Errorf("error removing watch for %q: %w", path, err)
	}

	return nil
}

// Run starts reading events.
//
// Both channels are closed once the watcher is closed.
func (w *Watcher) Run() (<-chan Event, <-chan error) {
	eventCh := make(chan Event)
	errCh := make(chan error, 1)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		if err := w.run(eventCh); err != nil {
			select {
			case errCh <- err:
			case <-w.done:
			}
		}
	}()

	return eventCh, errCh
}

func (w *Watcher) run(eventCh chan<- Event) error {
	buf := make([]byte, 64*(unix.SizeofInotifyEvent+unix.PathMax+1))

	for {
		n, err := w.file.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return nil
			}

			return fmt.Errorf("error reading inotify events: %w", err)
		}

		for _, event := range w.parse(buf[:n]) {
			select {
			case eventCh <- event:
			case <-w.done:
				return nil
			}
		}
	}
}

func (w *Watcher) parse(buf []byte) []Event {
	var events []Event

	w.mu.Lock()
	defer w.mu.Unlock()

	for offset := 0; offset+unix.SizeofInotifyEvent <= len(buf); {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))

		nameStart := offset + unix.SizeofInotifyEvent
		nameEnd := min(nameStart+int(raw.Len), len(buf))
		name := strings.TrimRight(string(buf[nameStart:nameEnd]), "\x00")

		offset = nameEnd

		if raw.Mask&unix.IN_Q_OVERFLOW != 0 {
			events = append(events, Event{Mask: raw.Mask})

			continue
		}

		path, ok := w.watches[int(raw.Wd)]
		if !ok {
			continue
		}

		if raw.Mask&unix.IN_IGNORED != 0 {
			delete(w.watches, int(raw.Wd))
			delete(w.paths, path)
		}

		if name != "" {
			path = filepath.Join(path, name)
		}

		events = append(events, Event{Path: path, Mask: raw.Mask})
	}

	return events
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error

	w.closeOnce.Do(func() {
		close(w.done)

		err = w.file.Close()
	})

	return err
}
