// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package hostcheck

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/siderolabs/gen/xslices"
	"github.com/siderolabs/go-cmd/pkg/cmd"

	"github.com/siderolabs/poweroffd/internal/pkg/constants"
)

// ExecProber probes with fping (sweep) and ping (confirmation).
type ExecProber struct {
	// Interval between confirmation attempts.
	Interval time.Duration
	// Window is the total duration of a confirmation burst.
	Window time.Duration

	tools func() (execTools, error)
}

type execTools struct {
	fping string
	ping  string
}

// NewExecProber creates an ExecProber with the default confirmation burst.
//
// The tools are looked up on first use, so a missing fping only matters once a host is watched.
func NewExecProber() *ExecProber {
	return &ExecProber{
		Interval: constants.ConfirmInterval,
		Window:   constants.ConfirmWindow,
		tools:    sync.OnceValues(lookupTools),
	}
}

// CheckTools reports whether the probe tools are installed.
func CheckTools() error {
	_, err := lookupTools()

	return err
}

func lookupTools() (execTools, error) {
	var (
		tools execTools
		err   error
	)

	if tools.fping, err = exec.LookPath("fping"); err != nil {
		return tools, fmt.Errorf("%w: %w", ErrProbeUnavailable, err)
	}

	if tools.ping, err = exec.LookPath("ping"); err != nil {
		return tools, fmt.Errorf("%w: %w", ErrProbeUnavailable, err)
	}

	return tools, nil
}

// sweepBatchSize bounds a single fping run.
//
// Only the last cmd.MaxStderrLen bytes of stdout are kept, an address line takes at most 40 bytes.
const sweepBatchSize = 64

// Sweep implements Prober.
//
// fping exits with 1 as soon as any address is unreachable, so alive addresses are taken from
// the output. Any other failure means fping itself could not do its job.
func (p *ExecProber) Sweep(ctx context.Context, addrs []netip.Addr) ([]netip.Addr, error) {
	if len(addrs) == 0 {
		return nil, nil
	}

	tools, err := p.tools()
	if err != nil {
		return nil, err
	}

	var alive []netip.Addr

	for batch := range slices.Chunk(addrs, sweepBatchSize) {
		args := append([]string{"-a", "-A", "-r", "0"}, xslices.Map(batch, netip.Addr.String)...)

		out, err := cmd.RunContext(ctx, tools.fping, args...)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if err = checkSweep(err); err != nil {
			return nil, err
		}

		scanner := bufio.NewScanner(strings.NewReader(out))

		for scanner.Scan() {
			addr, err := netip.ParseAddr(strings.TrimSpace(scanner.Text()))
			if err != nil {
				continue
			}

			alive = append(alive, addr.Unmap())
		}
	}

	return alive, nil
}

func checkSweep(err error) error {
	if err == nil {
		return nil
	}

	var exitErr *cmd.ExitError

	if !errors.As(err, &exitErr) {
		return fmt.Errorf("%w: fping: %w", ErrProbeUnavailable, err)
	}

	switch exitErr.ExitCode {
	case 1, 2: // some hosts unreachable or unknown
		return nil
	default:
		return fmt.Errorf("%w: fping: %w", ErrProbeUnavailable, err)
	}
}

type pingResult int

const (
	pingReplied pingResult = iota
	pingNoReply
	pingNoRoute
)

// ping reports routing failures on stderr with exit code 2, same as a broken setup.
var noRouteMessages = []string{
	"Network is unreachable",
	"No route to host",
	"Invalid argument",
}

func classifyPing(err error) (pingResult, error) {
	if err == nil {
		return pingReplied, nil
	}

	var exitErr *cmd.ExitError

	if !errors.As(err, &exitErr) {
		return pingNoReply, fmt.Errorf("%w: ping: %w", ErrProbeUnavailable, err)
	}

	if exitErr.ExitCode == 1 {
		return pingNoReply, nil
	}

	for _, msg := range noRouteMessages {
		if bytes.Contains(exitErr.Output, []byte(msg)) {
			return pingNoRoute, nil
		}
	}

	return pingNoReply, fmt.Errorf("%w: ping: %w", ErrProbeUnavailable, err)
}

// Confirm implements Prober.
//
// ping keeps sending every Interval until the first reply or until Window elapses.
// Without a route ping fails right away, so it is retried until Window elapses as well.
func (p *ExecProber) Confirm(ctx context.Context, addr netip.Addr) (bool, error) {
	tools, err := p.tools()
	if err != nil {
		return false, err
	}

	family := "-4"
	if addr.Is6() {
		family = "-6"
	}

	deadline := time.Now().Add(p.Window)

	for {
		_, runErr := cmd.RunContext(ctx, tools.ping,
			family,
			"-n",
			"-q",
			"-c", "1",
			"-i", strconv.FormatFloat(p.Interval.Seconds(), 'f', -1, 64),
			"-w", strconv.Itoa(max(1, int(math.Ceil(time.Until(deadline).Seconds())))),
			addr.String(),
		)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}

		result, err := classifyPing(runErr)
		if err != nil {
			return false, err
		}

		switch result {
		case pingReplied:
			return true, nil
		case pingNoReply:
			return false, nil
		case pingNoRoute:
			// the route might come back within the window
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(min(p.Interval, remaining)):
		}
	}
}
