// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package shutdown

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Syscall flushes the filesystems and powers off with reboot(2).
type Syscall struct {
	logger      *zap.Logger
	syncTimeout time.Duration

	sync   func()
	reboot func(cmd int) error
}

// NewSyscall creates a Syscall trigger which waits at most syncTimeout for sync(2).
func NewSyscall(syncTimeout time.Duration, logger *zap.Logger) *Syscall {
	return &Syscall{
		logger:      logger,
		syncTimeout: syncTimeout,
		sync:        unix.Sync,
		reboot:      unix.Reboot,
	}
}

// PowerOff implements Trigger.
func (s *Syscall) PowerOff(ctx context.Context) error {
	if err := s.waitSync(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTriggerFailed, err)
	}

	// See http://man7.org/linux/man-pages/man2/reboot.2.html.
	if err := s.reboot(unix.LINUX_REBOOT_CMD_POWER_OFF); err != nil {
		return fmt.Errorf("%w: reboot(2): %w", ErrTriggerFailed, err)
	}

	return nil
}

func (s *Syscall) waitSync(ctx context.Context) error {
	syncDone := make(chan struct{})

	go func() {
		defer close(syncDone)

		s.sync()
	}()

	s.logger.Info("waiting for sync")

	timer := time.NewTimer(s.syncTimeout)
	defer timer.Stop()

	select {
	case <-syncDone:
		s.logger.Info("sync done")
	case <-timer.C:
		s.logger.Warn("sync hasn't completed in time, powering off anyway", zap.Duration("timeout", s.syncTimeout))
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (s *Syscall) String() string {
	return DesignatorSyscall
}
