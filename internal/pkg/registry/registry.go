// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package registry holds the set of active blockers.
package registry

import (
	"maps"
	"slices"
	"time"

	"github.com/siderolabs/poweroffd/internal/pkg/blocker"
)

// Rejection records the last failed parse of a descriptor.
type Rejection struct {
	Err  error
	When time.Time
}

// Registry maps descriptor keys to blockers.
//
// Registry is not safe for concurrent use: it is owned by the control loop.
type Registry struct {
	blockers map[string]*blocker.Blocker
	rejected map[string]Rejection

	everHadBlocker bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		blockers: map[string]*blocker.Blocker{},
		rejected: map[string]Rejection{},
	}
}

// Upsert inserts or replaces the blocker under its key.
func (r *Registry) Upsert(b *blocker.Blocker) {
	r.blockers[b.Key] = b
	delete(r.rejected, b.Key)

	r.everHadBlocker = true
}

// Remove drops the blocker under key, removing an absent key is a no-op.
//
// Remove reports whether a blocker was removed.
func (r *Registry) Remove(key string) bool {
	delete(r.rejected, key)

	if _, ok := r.blockers[key]; !ok {
		return false
	}

	delete(r.blockers, key)

	return true
}

// Reject records a failed parse of key.
//
// A key which failed to parse no longer denotes a blocker, so any blocker registered under it is removed.
func (r *Registry) Reject(key string, err error, when time.Time) bool {
	removed := r.Remove(key)

	r.rejected[key] = Rejection{Err: err, When: when}

	return removed
}

// Get returns the blocker under key.
func (r *Registry) Get(key string) (*blocker.Blocker, bool) {
	b, ok := r.blockers[key]

	return b, ok
}

// Len returns the number of registered blockers.
func (r *Registry) Len() int {
	return len(r.blockers)
}

// IsEmpty reports whether no blockers are registered.
func (r *Registry) IsEmpty() bool {
	return len(r.blockers) == 0
}

// EverHadBlocker reports whether a blocker was ever registered.
//
// The flag is never reset.
func (r *Registry) EverHadBlocker() bool {
	return r.everHadBlocker
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	return slices.Sorted(maps.Keys(r.blockers))
}

// Snapshot returns the current blockers sorted by key.
//
// Blockers are immutable, so the snapshot stays consistent while the registry changes.
func (r *Registry) Snapshot() []*blocker.Blocker {
	snapshot := make([]*blocker.Blocker, 0, len(r.blockers))

	for _, key := range r.Keys() {
		snapshot = append(snapshot, r.blockers[key])
	}

	return snapshot
}

// Rejected returns a copy of the rejection records.
func (r *Registry) Rejected() map[string]Rejection {
	return maps.Clone(r.rejected)
}
