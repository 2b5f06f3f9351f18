// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package shutdown implements the actions which power off the host.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"

	"github.com/siderolabs/poweroffd/internal/pkg/constants"
)

// ErrTriggerFailed is returned when the power off action fails.
var ErrTriggerFailed = errors.New("shutdown trigger failed")

// Trigger powers off the host.
type Trigger interface {
	fmt.Stringer

	PowerOff(ctx context.Context) error
}

// Designators understood by Parse besides shell command lines.
const (
	DesignatorLogind  = "logind"
	DesignatorSyscall = "syscall"
	DesignatorNone    = "none"
)

// Parse builds the Trigger for the designator.
//
// Unknown designators are shell command lines.
func Parse(designator string, logger *zap.Logger) (Trigger, error) {
	designator = strings.TrimSpace(designator)

	switch designator {
	case "":
		return nil, errors.New("empty shutdown trigger")
	case DesignatorLogind:
		return &Logind{}, nil
	case DesignatorSyscall:
		return NewSyscall(constants.SyncTimeout, logger), nil
	case DesignatorNone:
		return &DryRun{logger: logger}, nil
	default:
		return &Command{Line: designator}, nil
	}
}

// Command runs a shell command line.
type Command struct {
	Line string
}

// PowerOff implements Trigger.
func (c *Command) PowerOff(ctx context.Context) error {
	if _, err := cmd.RunContext(ctx, "/bin/sh", "-c", c.Line); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrTriggerFailed, c.Line, err)
	}

	return nil
}

func (c *Command) String() string {
	return fmt.Sprintf("command %q", c.Line)
}

// DryRun only logs.
type DryRun struct {
	logger *zap.Logger
}

// PowerOff implements Trigger.
func (d *DryRun) PowerOff(context.Context) error {
	d.logger.Warn("shutdown trigger is disabled, not powering off")

	return nil
}

func (d *DryRun) String() string {
	return DesignatorNone
}
