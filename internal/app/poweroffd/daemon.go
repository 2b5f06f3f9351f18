// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package poweroffd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/siderolabs/poweroffd/internal/pkg/blocker"
	"github.com/siderolabs/poweroffd/internal/pkg/constants"
	"github.com/siderolabs/poweroffd/internal/pkg/evaluate"
	"github.com/siderolabs/poweroffd/internal/pkg/registry"
	"github.com/siderolabs/poweroffd/internal/pkg/shutdown"
	"github.com/siderolabs/poweroffd/internal/pkg/watch"
	"github.com/siderolabs/poweroffd/pkg/logging"
)

// State of the Daemon.
type State int

// Daemon states.
const (
	Running State = iota
	// ShuttingDown is terminal, the shutdown trigger has been invoked.
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting down"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Parser turns a descriptor file into a parse result.
type Parser interface {
	ParseFile(ctx context.Context, path string) (blocker.Result, error)
}

// Evaluator finds the releasable blockers.
type Evaluator interface {
	Evaluate(ctx context.Context, snapshot []*blocker.Blocker) ([]evaluate.Release, error)
}

// Options configure the Daemon.
type Options struct {
	Parser    Parser
	Evaluator Evaluator
	Trigger   shutdown.Trigger
	Logger    *zap.Logger

	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Tick is the longest wait for watch events between two evaluations.
	Tick time.Duration
}

// Daemon owns the blocker registry and drives it from watch events and periodic evaluation.
//
// Daemon is not safe for concurrent use: Run, HandleEvent and Tick must be called from a single goroutine.
type Daemon struct {
	parser    Parser
	evaluator Evaluator
	trigger   shutdown.Trigger
	logger    *zap.Logger
	clock     clock.Clock
	tick      time.Duration

	registry *registry.Registry
	state    State
}

// New creates a Daemon with an empty registry.
func New(opts Options) *Daemon {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	if opts.Tick <= 0 {
		opts.Tick = constants.DefaultTickInterval
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Daemon{
		parser:    opts.Parser,
		evaluator: opts.Evaluator,
		trigger:   opts.Trigger,
		logger:    opts.Logger,
		clock:     opts.Clock,
		tick:      opts.Tick,
		registry:  registry.New(),
	}
}

// Registry returns the blocker registry.
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// State returns the current state.
func (d *Daemon) State() State {
	return d.state
}

var errWatchStopped = errors.New("watch event stream closed")

// Run processes events and evaluates blockers until the host is powered off or ctx is canceled.
//
// The first event is expected to carry the initial directory listing, ticking starts once it is handled.
// Cancellation returns nil without invoking the shutdown trigger.
func (d *Daemon) Run(ctx context.Context, events <-chan watch.Event) error {
	d.logger.Info("control loop started", zap.Duration("tick", d.tick))

	// nothing is evaluated before the initial listing is in
	select {
	case <-ctx.Done():
		return nil
	case ev, ok := <-events:
		if !ok {
			return errWatchStopped
		}

		if err := d.HandleEvent(ctx, ev); err != nil {
			return err
		}
	}

	for {
		if err := d.wait(ctx, events); err != nil {
			return err
		}

		if ctx.Err() != nil {
			return nil
		}

		state, err := d.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, shutdown.ErrTriggerFailed) {
				return nil
			}

			return err
		}

		if state == ShuttingDown {
			return nil
		}
	}
}

// wait blocks for at most one tick until the first event arrives, then handles every queued event.
func (d *Daemon) wait(ctx context.Context, events <-chan watch.Event) error {
	timer := d.clock.Timer(d.tick)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return nil
	case ev, ok := <-events:
		if !ok {
			return errWatchStopped
		}

		if err := d.HandleEvent(ctx, ev); err != nil {
			return err
		}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return errWatchStopped
			}

			if err := d.HandleEvent(ctx, ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// HandleEvent applies a single watch event to the registry.
//
// Problems with descriptors are logged and recorded, the returned error means the process checker failed.
func (d *Daemon) HandleEvent(ctx context.Context, ev watch.Event) error {
	switch ev.Kind {
	case watch.Upserted:
		return d.upsert(ctx, ev.Key)
	case watch.Removed:
		if d.registry.Remove(ev.Key) {
			d.logger.Info("blocker removed", logging.Descriptor(ev.Key))
		}

		return nil
	case watch.Resync:
		return d.resync(ctx, ev.Keys)
	default:
		return fmt.Errorf("unexpected watch event %s", ev.Kind)
	}
}

func (d *Daemon) upsert(ctx context.Context, key string) error {
	result, err := d.parser.ParseFile(ctx, key)
	if err != nil {
		return fmt.Errorf("error parsing %q: %w", key, err)
	}

	switch result.Outcome {
	case blocker.Accepted:
		d.registry.Upsert(result.Blocker)

		d.logger.Info("blocker registered",
			logging.Descriptor(key),
			zap.Stringer("release_on", result.Blocker),
			zap.Int("blockers", d.registry.Len()),
		)
	case blocker.Rejected:
		existed := d.registry.Reject(key, result.Err, d.clock.Now())

		d.logger.Warn("descriptor rejected", logging.Descriptor(key), zap.Bool("replaced", existed), zap.Error(result.Err))
	case blocker.Ignored:
		if d.registry.Remove(key) {
			d.logger.Info("blocker dropped", logging.Descriptor(key), zap.Error(result.Err))
		} else {
			d.logger.Debug("descriptor ignored", logging.Descriptor(key), zap.Error(result.Err))
		}
	}

	return nil
}

func (d *Daemon) resync(ctx context.Context, keys []string) error {
	present := make(map[string]struct{}, len(keys))

	for _, key := range keys {
		present[key] = struct{}{}
	}

	for _, key := range d.registry.Keys() {
		if _, ok := present[key]; !ok {
			d.registry.Remove(key)

			d.logger.Info("blocker removed", logging.Descriptor(key))
		}
	}

	for key := range d.registry.Rejected() {
		if _, ok := present[key]; !ok {
			d.registry.Remove(key)
		}
	}

	for _, key := range keys {
		if err := d.upsert(ctx, key); err != nil {
			return err
		}
	}

	return nil
}

// Tick evaluates the registry once, releases satisfied blockers and powers off once the registry runs empty.
//
// After the shutdown trigger has been invoked, Tick does nothing.
func (d *Daemon) Tick(ctx context.Context) (State, error) {
	if d.state == ShuttingDown {
		return d.state, nil
	}

	if !d.registry.IsEmpty() {
		releases, err := d.evaluator.Evaluate(ctx, d.registry.Snapshot())
		if err != nil {
			return d.state, fmt.Errorf("error evaluating blockers: %w", err)
		}

		if err = d.release(releases); err != nil {
			d.logger.Error("failed to remove released descriptors", zap.Error(err))
		}
	}

	if d.registry.EverHadBlocker() && d.registry.IsEmpty() {
		err := d.shutdown(ctx)

		return d.state, err
	}

	return d.state, nil
}

func (d *Daemon) release(releases []evaluate.Release) error {
	var errs *multierror.Error

	for _, r := range releases {
		d.logger.Info("releasing blocker", logging.Descriptor(r.Key), zap.Stringer("condition", r.Condition))

		if err := os.Remove(r.Key); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierror.Append(errs, err)
		}

		d.registry.Remove(r.Key)
	}

	return errs.ErrorOrNil()
}

func (d *Daemon) shutdown(ctx context.Context) error {
	d.state = ShuttingDown

	d.logger.Info("last blocker released, powering off", zap.Stringer("trigger", d.trigger))

	if err := d.trigger.PowerOff(ctx); err != nil {
		if !errors.Is(err, shutdown.ErrTriggerFailed) {
			err = fmt.Errorf("%w: %w", shutdown.ErrTriggerFailed, err)
		}

		return err
	}

	return nil
}
