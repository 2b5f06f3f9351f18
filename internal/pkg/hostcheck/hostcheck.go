// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package hostcheck detects hosts which dropped off the network.
package hostcheck

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/siderolabs/gen/maps"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/poweroffd/internal/pkg/constants"
)

// ErrProbeUnavailable is returned when the probe tooling is missing or broken.
var ErrProbeUnavailable = errors.New("host probe unavailable")

// Prober sends the actual probes.
type Prober interface {
	// Sweep probes all addresses at once and returns the ones which answered.
	Sweep(ctx context.Context, addrs []netip.Addr) ([]netip.Addr, error)

	// Confirm probes a single address with a short burst of attempts,
	// and reports whether any of them was answered.
	Confirm(ctx context.Context, addr netip.Addr) (bool, error)
}

// Checker implements the two-phase unreachability check.
//
// A single lost packet must never be mistaken for a host going away: an address is
// reported unreachable only if it missed the sweep and every confirmation attempt.
type Checker struct {
	prober Prober
	logger *zap.Logger
}

// New creates a Checker.
func New(prober Prober, logger *zap.Logger) *Checker {
	return &Checker{
		prober: prober,
		logger: logger,
	}
}

// Unreachable returns the subset of addrs which are not reachable.
//
// Confirmation probes run concurrently (at most constants.MaxConcurrentConfirms at once),
// the result is only returned once all of them finish.
func (c *Checker) Unreachable(ctx context.Context, addrs []netip.Addr) (map[netip.Addr]struct{}, error) {
	pending := make(map[netip.Addr]struct{}, len(addrs))

	for _, addr := range addrs {
		pending[addr] = struct{}{}
	}

	if len(pending) == 0 {
		return nil, nil
	}

	candidates := maps.Keys(pending)
	slices.SortFunc(candidates, netip.Addr.Compare)

	alive, err := c.prober.Sweep(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("error sweeping hosts: %w", err)
	}

	for _, addr := range alive {
		delete(pending, addr)
	}

	if len(pending) == 0 {
		return nil, nil
	}

	candidates = maps.Keys(pending)
	slices.SortFunc(candidates, netip.Addr.Compare)

	answered := make([]bool, len(candidates))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(constants.MaxConcurrentConfirms)

	for i, addr := range candidates {
		eg.Go(func() error {
			c.logger.Debug("checking if host really dropped out of the network", zap.Stringer("addr", addr))

			ok, err := c.prober.Confirm(egCtx, addr)
			if err != nil {
				return fmt.Errorf("error confirming %s: %w", addr, err)
			}

			answered[i] = ok

			return nil
		})
	}

	if err = eg.Wait(); err != nil {
		return nil, err
	}

	unreachable := make(map[netip.Addr]struct{}, len(candidates))

	for i, addr := range candidates {
		if answered[i] {
			c.logger.Debug("host did reply to a ping", zap.Stringer("addr", addr))

			continue
		}

		c.logger.Info("host not pingable", zap.Stringer("addr", addr))

		unreachable[addr] = struct{}{}
	}

	return unreachable, nil
}
