// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package poweroffd implements the poweroff guard daemon.
package poweroffd

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/poweroffd/internal/pkg/blocker"
	"github.com/siderolabs/poweroffd/internal/pkg/evaluate"
	"github.com/siderolabs/poweroffd/internal/pkg/hostcheck"
	"github.com/siderolabs/poweroffd/internal/pkg/proccheck"
	"github.com/siderolabs/poweroffd/internal/pkg/shutdown"
	"github.com/siderolabs/poweroffd/internal/pkg/watch"
	"github.com/siderolabs/poweroffd/pkg/logging"
)

// Main runs the daemon until the host is powered off or ctx is canceled.
func Main(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	unlock, err := acquireLock(cfg.LockFile)
	if err != nil {
		return err
	}

	//nolint:errcheck
	defer unlock()

	if err = prepareMonitorPath(cfg.MonitorPath, cfg.Group, logger); err != nil {
		return err
	}

	if err = hostcheck.CheckTools(); err != nil {
		logger.Warn("host probe tools are missing, host conditions can't be evaluated", zap.Error(err))
	}

	processes, err := proccheck.New()
	if err != nil {
		return err
	}

	trigger, err := shutdown.Parse(cfg.PoweroffCommand, logger.With(logging.Component("shutdown")))
	if err != nil {
		return err
	}

	hosts := hostcheck.New(hostcheck.NewExecProber(), logger.With(logging.Component("hostcheck")))

	daemon := New(Options{
		Parser: &blocker.Parser{
			Resolver:      blocker.SystemResolver{},
			Fingerprinter: processes,
		},
		Evaluator: evaluate.New(hosts, processes, nil),
		Trigger:   trigger,
		Logger:    logger.With(logging.Component("loop")),
		Tick:      cfg.Tick,
	})

	logger.Info("poweroffd started",
		zap.String("monitor_path", cfg.MonitorPath),
		zap.Stringer("trigger", trigger),
	)

	return run(ctx, daemon, watch.New(cfg.MonitorPath, logger.With(logging.Component("watch"))))
}

// run connects the watcher to the daemon, both stop as soon as either of them returns.
func run(ctx context.Context, daemon *Daemon, watcher *watch.Watcher) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan watch.Event)

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return watcher.Run(ctx, events)
	})

	eg.Go(func() error {
		defer cancel()

		return daemon.Run(ctx, events)
	})

	return eg.Wait()
}
