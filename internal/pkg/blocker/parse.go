// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package blocker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/siderolabs/poweroffd/internal/pkg/proccheck"
)

var (
	// ErrMalformedDescriptor is the rejection cause for structurally invalid descriptors.
	ErrMalformedDescriptor = errors.New("malformed descriptor")

	// ErrHostResolutionFailed is the rejection cause for hosts which can't be resolved.
	ErrHostResolutionFailed = errors.New("host resolution failed")
)

// Outcome tags the parse Result.
type Outcome int

// Parse outcomes.
const (
	// Accepted: Result.Blocker is set.
	Accepted Outcome = iota
	// Rejected: Result.Err explains why, the key is recorded as rejected.
	Rejected
	// Ignored: the descriptor is dropped without a rejection record.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Ignored:
		return "ignored"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result of parsing a single descriptor.
type Result struct {
	Outcome Outcome
	Blocker *Blocker

	// Err wraps ErrMalformedDescriptor or ErrHostResolutionFailed for Rejected,
	// and describes the cause for Ignored.
	Err error
}

func accepted(b *Blocker) Result {
	return Result{Outcome: Accepted, Blocker: b}
}

func rejected(cause error, err error) Result {
	return Result{Outcome: Rejected, Err: fmt.Errorf("%w: %w", cause, err)}
}

func ignored(err error) Result {
	return Result{Outcome: Ignored, Err: err}
}

// Resolver turns a host name into a single address.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// Fingerprinter captures the identity of a running process.
type Fingerprinter interface {
	Fingerprint(pid int) (proccheck.Fingerprint, error)
}

// SystemResolver resolves through the system resolver (hosts file, DNS), preferring IPv4.
type SystemResolver struct {
	Resolver *net.Resolver
}

// Resolve implements Resolver.
func (r SystemResolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}

	resolver := r.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}

	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no addresses found for %q", host)
	}

	for _, addr := range addrs {
		if addr.Unmap().Is4() {
			return addr.Unmap(), nil
		}
	}

	return addrs[0], nil
}

// Parser turns descriptors into blockers.
type Parser struct {
	Resolver      Resolver
	Fingerprinter Fingerprinter
}

// ParseFile reads and parses the descriptor at path.
//
// Files without the descriptor suffix, and files which disappeared before they could be read, are ignored.
func (p *Parser) ParseFile(ctx context.Context, path string) (Result, error) {
	if !IsDescriptor(path) {
		return ignored(errors.New("not a descriptor")), nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ignored(err), nil
		}

		return rejected(ErrMalformedDescriptor, err), nil
	}

	return p.Parse(ctx, path, contents)
}

// Parse validates descriptor contents and builds a Blocker keyed by key.
//
// The returned error is reserved for failures of the process checker itself,
// every problem with the descriptor is reported through the Result.
//
//nolint:gocyclo
func (p *Parser) Parse(ctx context.Context, key string, contents []byte) (Result, error) {
	var raw rawDescriptor

	if err := yaml.Unmarshal(contents, &raw); err != nil {
		return rejected(ErrMalformedDescriptor, err), nil
	}

	if !present(&raw.StartTime) {
		return rejected(ErrMalformedDescriptor, errors.New("start_time is missing")), nil
	}

	startTime, err := seconds(&raw.StartTime, "start_time")
	if err != nil {
		return rejected(ErrMalformedDescriptor, err), nil
	}

	if !present(&raw.PoweroffOn) {
		return rejected(ErrMalformedDescriptor, errors.New("poweroff_on is missing")), nil
	}

	if raw.PoweroffOn.Kind != yaml.MappingNode {
		return rejected(ErrMalformedDescriptor, fmt.Errorf("line %d: poweroff_on must be a mapping", raw.PoweroffOn.Line)), nil
	}

	var on rawPoweroffOn

	if err = raw.PoweroffOn.Decode(&on); err != nil {
		return rejected(ErrMalformedDescriptor, err), nil
	}

	if !present(&on.Timeout) && !present(&on.Host) && !present(&on.PID) {
		return rejected(ErrMalformedDescriptor, errors.New("poweroff_on has none of timeout, host or pid")), nil
	}

	b := &Blocker{
		Key:       key,
		StartTime: startTime,
	}

	if present(&on.Timeout) {
		timeout, err := seconds(&on.Timeout, "timeout")
		if err != nil {
			return rejected(ErrMalformedDescriptor, err), nil
		}

		b.Conditions = append(b.Conditions, Timeout{Seconds: timeout})
	}

	// validate pid before any lookups are made
	var processID int

	if present(&on.PID) {
		if processID, err = pid(&on.PID); err != nil {
			return rejected(ErrMalformedDescriptor, err), nil
		}
	}

	if present(&on.Host) {
		host, err := scalar(&on.Host, "host")
		if err != nil {
			return rejected(ErrMalformedDescriptor, err), nil
		}

		addr, err := p.Resolver.Resolve(ctx, host)
		if err != nil {
			return rejected(ErrHostResolutionFailed, fmt.Errorf("%q: %w", host, err)), nil
		}

		b.Conditions = append(b.Conditions, HostLiveness{Host: host, Addr: addr})
	}

	if present(&on.PID) {
		fingerprint, err := p.Fingerprinter.Fingerprint(processID)
		if err != nil {
			if errors.Is(err, proccheck.ErrNotFound) {
				return ignored(err), nil
			}

			return Result{}, err
		}

		b.Conditions = append(b.Conditions, ProcessIdentity{PID: processID, Fingerprint: fingerprint})
	}

	return accepted(b), nil
}
