// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package blocker defines blockers, their release conditions, and the descriptor parser.
package blocker

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/siderolabs/gen/xslices"

	"github.com/siderolabs/poweroffd/internal/pkg/proccheck"
)

// Blocker is a registered reason the host must not power off yet.
//
// Blockers are immutable once parsed: a changed descriptor produces a new Blocker.
type Blocker struct {
	// Key is the descriptor path.
	Key string

	// StartTime is in seconds since the epoch.
	StartTime int64

	// Conditions are OR-combined, the list is never empty.
	Conditions []Condition
}

// Deadline returns the earliest point in time after which a timeout condition is satisfied.
func (b *Blocker) Deadline() (time.Time, bool) {
	var (
		deadline time.Time
		found    bool
	)

	for _, cond := range b.Conditions {
		timeout, ok := cond.(Timeout)
		if !ok {
			continue
		}

		d := timeout.Deadline(b.StartTime)

		if !found || d.Before(deadline) {
			deadline = d
			found = true
		}
	}

	return deadline, found
}

func (b *Blocker) String() string {
	return strings.Join(xslices.Map(b.Conditions, Condition.String), " or ")
}

// Condition is one OR-branch of a blocker's release criteria.
//
// The set of implementations is closed: Timeout, HostLiveness and ProcessIdentity.
type Condition interface {
	fmt.Stringer

	condition()
}

// Timeout is satisfied once the duration has elapsed since the blocker start time.
type Timeout struct {
	Seconds int64
}

// Deadline returns the moment after which the timeout is satisfied.
func (t Timeout) Deadline(startTime int64) time.Time {
	return time.Unix(startTime+t.Seconds, 0)
}

// Satisfied checks the timeout against the current time.
func (t Timeout) Satisfied(startTime int64, now time.Time) bool {
	return now.After(t.Deadline(startTime))
}

func (t Timeout) String() string {
	return fmt.Sprintf("timeout %s", time.Duration(t.Seconds)*time.Second)
}

func (Timeout) condition() {}

// HostLiveness is satisfied once the address stops answering probes.
type HostLiveness struct {
	// Host is the name as written in the descriptor.
	Host string

	// Addr is resolved once, when the descriptor is parsed.
	Addr netip.Addr
}

func (h HostLiveness) String() string {
	if h.Host == h.Addr.String() {
		return fmt.Sprintf("host %s down", h.Addr)
	}

	return fmt.Sprintf("host %s (%s) down", h.Host, h.Addr)
}

func (HostLiveness) condition() {}

// ProcessIdentity is satisfied once the process exits or the pid is reused.
type ProcessIdentity struct {
	PID         int
	Fingerprint proccheck.Fingerprint
}

// Satisfied checks the captured fingerprint against the current one.
//
// A nil current fingerprint means the process is gone.
func (p ProcessIdentity) Satisfied(current *proccheck.Fingerprint) bool {
	return current == nil || !p.Fingerprint.Same(*current)
}

func (p ProcessIdentity) String() string {
	return fmt.Sprintf("pid %d (%s) exit", p.PID, p.Fingerprint.Name)
}

func (ProcessIdentity) condition() {}
