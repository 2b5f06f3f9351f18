// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package evaluate decides which blockers have a satisfied release condition.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/benbjohnson/clock"
	"github.com/siderolabs/gen/maps"

	"github.com/siderolabs/poweroffd/internal/pkg/blocker"
	"github.com/siderolabs/poweroffd/internal/pkg/proccheck"
)

// HostChecker reports unreachable addresses.
type HostChecker interface {
	Unreachable(ctx context.Context, addrs []netip.Addr) (map[netip.Addr]struct{}, error)
}

// ProcessChecker captures current process fingerprints.
type ProcessChecker interface {
	Fingerprint(pid int) (proccheck.Fingerprint, error)
}

// Release is a blocker which can be released, along with the condition which released it.
type Release struct {
	Key       string
	Condition blocker.Condition
}

// Evaluator checks blocker conditions once per tick.
type Evaluator struct {
	hosts     HostChecker
	processes ProcessChecker
	clock     clock.Clock
}

// New creates an Evaluator.
func New(hosts HostChecker, processes ProcessChecker, clk clock.Clock) *Evaluator {
	if clk == nil {
		clk = clock.New()
	}

	return &Evaluator{
		hosts:     hosts,
		processes: processes,
		clock:     clk,
	}
}

// Evaluate returns the releasable blockers of the snapshot, in snapshot order.
//
// Every host and every pid is checked once, no matter how many blockers reference it,
// and all blockers are judged against the same results.
//
//nolint:gocyclo
func (e *Evaluator) Evaluate(ctx context.Context, snapshot []*blocker.Blocker) ([]Release, error) {
	addrs := map[netip.Addr]struct{}{}
	pids := map[int]struct{}{}

	for _, b := range snapshot {
		for _, cond := range b.Conditions {
			switch c := cond.(type) {
			case blocker.HostLiveness:
				addrs[c.Addr] = struct{}{}
			case blocker.ProcessIdentity:
				pids[c.PID] = struct{}{}
			}
		}
	}

	var (
		unreachable map[netip.Addr]struct{}
		err         error
	)

	if len(addrs) > 0 {
		unreachable, err = e.hosts.Unreachable(ctx, maps.Keys(addrs))
		if err != nil {
			return nil, fmt.Errorf("error checking hosts: %w", err)
		}
	}

	// nil entry: process is gone
	processes := make(map[int]*proccheck.Fingerprint, len(pids))

	for pid := range pids {
		fingerprint, err := e.processes.Fingerprint(pid)

		switch {
		case err == nil:
			processes[pid] = &fingerprint
		case errors.Is(err, proccheck.ErrNotFound):
			processes[pid] = nil
		default:
			return nil, fmt.Errorf("error checking processes: %w", err)
		}
	}

	now := e.clock.Now()

	var releases []Release

	for _, b := range snapshot {
		for _, cond := range b.Conditions {
			var satisfied bool

			switch c := cond.(type) {
			case blocker.Timeout:
				satisfied = c.Satisfied(b.StartTime, now)
			case blocker.HostLiveness:
				_, satisfied = unreachable[c.Addr]
			case blocker.ProcessIdentity:
				satisfied = c.Satisfied(processes[c.PID])
			default:
				return nil, fmt.Errorf("unsupported condition %T", cond)
			}

			if satisfied {
				releases = append(releases, Release{Key: b.Key, Condition: cond})

				break
			}
		}
	}

	return releases, nil
}
