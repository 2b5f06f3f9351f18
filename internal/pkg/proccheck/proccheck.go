// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package proccheck identifies processes by pid and detects pid reuse.
package proccheck

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"

	"github.com/prometheus/procfs"
)

var (
	// ErrNotFound is returned when the process does not exist (or is a zombie).
	ErrNotFound = errors.New("process not found")

	// ErrUnavailable is returned when the process table cannot be inspected at all.
	ErrUnavailable = errors.New("process introspection unavailable")
)

// Fingerprint identifies a single process instance.
//
// Pids are reused by the kernel, so a pid alone is not enough: the executable and
// the start time (in clock ticks since boot) must match as well.
type Fingerprint struct {
	Executable string
	StartTime  uint64

	// Name is informational only and does not take part in comparisons.
	Name string
}

// Same reports whether both fingerprints denote the same process instance.
func (f Fingerprint) Same(other Fingerprint) bool {
	return f.Executable == other.Executable && f.StartTime == other.StartTime
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s (%s, started at tick %d)", f.Name, f.Executable, f.StartTime)
}

// Checker reads process identities from procfs.
type Checker struct {
	fs procfs.FS
}

// New creates a Checker over the default /proc mount.
func New() (*Checker, error) {
	return NewWithMountPoint(procfs.DefaultMountPoint)
}

// NewWithMountPoint creates a Checker over procfs mounted at the given path.
func NewWithMountPoint(mountPoint string) (*Checker, error) {
	procFS, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return &Checker{fs: procFS}, nil
}

// Fingerprint captures the identity of the running process with the given pid.
//
// ErrNotFound is returned if there is no such process.
func (c *Checker) Fingerprint(pid int) (Fingerprint, error) {
	if pid <= 0 {
		return Fingerprint{}, fmt.Errorf("%w: invalid pid %d", ErrNotFound, pid)
	}

	proc, err := c.fs.Proc(pid)
	if err != nil {
		return Fingerprint{}, classify(pid, err)
	}

	stat, err := proc.Stat()
	if err != nil {
		return Fingerprint{}, classify(pid, err)
	}

	// exited, waiting to be reaped
	if stat.State == "Z" {
		return Fingerprint{}, fmt.Errorf("%w: pid %d is a zombie", ErrNotFound, pid)
	}

	executable, err := proc.Executable()
	if err != nil {
		return Fingerprint{}, classify(pid, err)
	}

	return Fingerprint{
		Executable: executable,
		StartTime:  stat.Starttime,
		Name:       stat.Comm,
	}, nil
}

// IsSameProcess reports whether pid still denotes the process captured in stored.
//
// A missing process is reported as false without an error.
func (c *Checker) IsSameProcess(pid int, stored Fingerprint) (bool, error) {
	current, err := c.Fingerprint(pid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	return current.Same(stored), nil
}

// classify maps races with process exit to ErrNotFound.
func classify(pid int, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}

	return fmt.Errorf("error inspecting pid %d: %w", pid, err)
}
