// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package poweroffd_test

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/siderolabs/go-pointer"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/poweroffd/internal/app/poweroffd"
	"github.com/siderolabs/poweroffd/internal/pkg/blocker"
	"github.com/siderolabs/poweroffd/internal/pkg/evaluate"
	"github.com/siderolabs/poweroffd/internal/pkg/proccheck"
	"github.com/siderolabs/poweroffd/internal/pkg/watch"
)

type staticResolver map[string]netip.Addr

func (r staticResolver) Resolve(_ context.Context, host string) (netip.Addr, error) {
	addr, ok := r[host]
	if !ok {
		return netip.Addr{}, fmt.Errorf("no such host %q", host)
	}

	return addr, nil
}

type fakeProcesses struct {
	mu      sync.Mutex
	running map[int]proccheck.Fingerprint
}

func (p *fakeProcesses) Fingerprint(pid int) (proccheck.Fingerprint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pid == 666 {
		return proccheck.Fingerprint{}, errors.New("procfs is not mounted")
	}

	fingerprint, ok := p.running[pid]
	if !ok {
		return proccheck.Fingerprint{}, fmt.Errorf("%w: pid %d", proccheck.ErrNotFound, pid)
	}

	return fingerprint, nil
}

func (p *fakeProcesses) exit(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.running, pid)
}

type fakeHosts struct {
	mu   sync.Mutex
	down map[netip.Addr]bool
}

func (h *fakeHosts) Unreachable(_ context.Context, addrs []netip.Addr) (map[netip.Addr]struct{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	unreachable := map[netip.Addr]struct{}{}

	for _, addr := range addrs {
		if h.down[addr] {
			unreachable[addr] = struct{}{}
		}
	}

	return unreachable, nil
}

func (h *fakeHosts) setDown(addr netip.Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.down[addr] = true
}

type fakeTrigger struct {
	calls atomic.Int32
	err   error
}

func (f *fakeTrigger) PowerOff(context.Context) error {
	f.calls.Add(1)

	return f.err
}

func (f *fakeTrigger) String() string {
	return "fake"
}

var (
	gatewayAddr = netip.MustParseAddr("10.5.0.1")
	workerAddr  = netip.MustParseAddr("10.5.0.2")

	sleepFingerprint = proccheck.Fingerprint{Executable: "/usr/bin/sleep", StartTime: 4242, Name: "sleep"}
)

const startTime = 10_000

type DaemonSuite struct {
	suite.Suite

	dir       string
	clock     *clock.Mock
	hosts     *fakeHosts
	processes *fakeProcesses
	trigger   *fakeTrigger
	daemon    *poweroffd.Daemon
}

func (suite *DaemonSuite) SetupTest() {
	suite.dir = suite.T().TempDir()

	suite.clock = clock.NewMock()
	suite.clock.Set(time.Unix(startTime, 0))

	suite.hosts = &fakeHosts{down: map[netip.Addr]bool{}}
	suite.processes = &fakeProcesses{running: map[int]proccheck.Fingerprint{1234: sleepFingerprint}}
	suite.trigger = &fakeTrigger{}

	suite.daemon = suite.newDaemon(suite.clock)
}

func (suite *DaemonSuite) newDaemon(clk clock.Clock) *poweroffd.Daemon {
	return poweroffd.New(poweroffd.Options{
		Parser: &blocker.Parser{
			Resolver: staticResolver{
				"gateway": gatewayAddr,
				"worker":  workerAddr,
			},
			Fingerprinter: suite.processes,
		},
		Evaluator: evaluate.New(suite.hosts, suite.processes, suite.clock),
		Trigger:   suite.trigger,
		Logger:    zaptest.NewLogger(suite.T()),
		Clock:     clk,
		Tick:      10 * time.Millisecond,
	})
}

func (suite *DaemonSuite) write(name string, on blocker.PoweroffOn) string {
	descriptor := blocker.Descriptor{
		StartTime:  startTime,
		PoweroffOn: on,
	}

	contents, err := descriptor.Marshal()
	suite.Require().NoError(err)

	path := filepath.Join(suite.dir, name)

	suite.Require().NoError(os.WriteFile(path, contents, 0o644))

	return path
}

func (suite *DaemonSuite) writeRaw(name, contents string) string {
	path := filepath.Join(suite.dir, name)

	suite.Require().NoError(os.WriteFile(path, []byte(contents), 0o644))

	return path
}

func (suite *DaemonSuite) upsert(paths ...string) {
	for _, path := range paths {
		suite.Require().NoError(suite.daemon.HandleEvent(suite.T().Context(), watch.Event{Kind: watch.Upserted, Key: path}))
	}
}

func (suite *DaemonSuite) tick() poweroffd.State {
	state, err := suite.daemon.Tick(suite.T().Context())
	suite.Require().NoError(err)

	return state
}

func (suite *DaemonSuite) TestDisjointBlockers() {
	paths := []string{
		suite.write("timeout.conf", blocker.PoweroffOn{Timeout: pointer.To[int64](30)}),
		suite.write("host.conf", blocker.PoweroffOn{Host: "gateway"}),
		suite.write("pid.conf", blocker.PoweroffOn{PID: 1234}),
	}

	suite.upsert(paths...)

	registry := suite.daemon.Registry()
	suite.Assert().Equal(3, registry.Len())
	suite.Assert().True(registry.EverHadBlocker())
	suite.Assert().Empty(registry.Rejected())

	suite.Assert().Equal(poweroffd.Running, suite.tick())
	suite.Assert().Equal(3, registry.Len())

	// timeout is satisfied only strictly after start + 30s
	suite.clock.Add(30 * time.Second)
	suite.Assert().Equal(poweroffd.Running, suite.tick())
	suite.Assert().Equal(3, registry.Len())

	suite.clock.Add(time.Second)
	suite.Assert().Equal(poweroffd.Running, suite.tick())
	suite.Assert().Equal(2, registry.Len())
	suite.Assert().NoFileExists(paths[0])

	suite.hosts.setDown(gatewayAddr)
	suite.processes.exit(1234)

	suite.Assert().Equal(poweroffd.ShuttingDown, suite.tick())
	suite.Assert().True(registry.IsEmpty())
	suite.Assert().EqualValues(1, suite.trigger.calls.Load())

	for _, path := range paths {
		suite.Assert().NoFileExists(path)
	}

	// the Removed events of the released descriptors arrive late
	for _, path := range paths {
		suite.Require().NoError(suite.daemon.HandleEvent(suite.T().Context(), watch.Event{Kind: watch.Removed, Key: path}))
	}

	suite.Assert().Equal(poweroffd.ShuttingDown, suite.tick())
	suite.Assert().EqualValues(1, suite.trigger.calls.Load())
}

func (suite *DaemonSuite) TestMalformedNextToValid() {
	malformed := suite.writeRaw("malformed.conf", "start_time: [1, 2]\npoweroff_on:\n  timeout: 30\n")
	valid := suite.write("valid.conf", blocker.PoweroffOn{Timeout: pointer.To[int64](30)})

	suite.upsert(malformed, valid)

	registry := suite.daemon.Registry()
	suite.Assert().Equal([]string{valid}, registry.Keys())
	suite.Assert().True(registry.EverHadBlocker())

	rejected := registry.Rejected()
	suite.Require().Contains(rejected, malformed)
	suite.Assert().ErrorIs(rejected[malformed].Err, blocker.ErrMalformedDescriptor)
	suite.Assert().Equal(suite.clock.Now(), rejected[malformed].When)

	suite.Assert().Equal(poweroffd.Running, suite.tick())
	suite.Assert().FileExists(malformed)
}

func (suite *DaemonSuite) TestUnresolvableHost() {
	path := suite.write("host.conf", blocker.PoweroffOn{Host: "nowhere.invalid", Timeout: pointer.To[int64](1)})

	suite.upsert(path)

	suite.Assert().True(suite.daemon.Registry().IsEmpty())
	suite.Assert().False(suite.daemon.Registry().EverHadBlocker())
	suite.Assert().ErrorIs(suite.daemon.Registry().Rejected()[path].Err, blocker.ErrHostResolutionFailed)
}

func (suite *DaemonSuite) TestProcessGoneAtRegistration() {
	path := suite.write("pid.conf", blocker.PoweroffOn{PID: 4321})

	suite.upsert(path)

	registry := suite.daemon.Registry()
	suite.Assert().True(registry.IsEmpty())
	suite.Assert().False(registry.EverHadBlocker())
	suite.Assert().Empty(registry.Rejected())

	suite.Assert().Equal(poweroffd.Running, suite.tick())
	suite.Assert().Zero(suite.trigger.calls.Load())
	suite.Assert().FileExists(path)
}

func (suite *DaemonSuite) TestProcessCheckerFailure() {
	path := suite.write("pid.conf", blocker.PoweroffOn{PID: 666})

	err := suite.daemon.HandleEvent(suite.T().Context(), watch.Event{Kind: watch.Upserted, Key: path})
	suite.Require().Error(err)
	suite.Assert().Contains(err.Error(), "procfs is not mounted")
}

func (suite *DaemonSuite) TestReplace() {
	path := suite.write("job.conf", blocker.PoweroffOn{Timeout: pointer.To[int64](30)})
	suite.upsert(path)

	registry := suite.daemon.Registry()
	suite.Require().Equal(1, registry.Len())

	suite.writeRaw("job.conf", "poweroff_on:\n  timeout: 30\n")
	suite.upsert(path)

	suite.Assert().True(registry.IsEmpty())
	suite.Assert().Contains(registry.Rejected(), path)

	suite.write("job.conf", blocker.PoweroffOn{Host: "worker"})
	suite.upsert(path)

	suite.Assert().Empty(registry.Rejected())

	b, ok := registry.Get(path)
	suite.Require().True(ok)
	suite.Assert().Equal([]blocker.Condition{blocker.HostLiveness{Host: "worker", Addr: workerAddr}}, b.Conditions)

	// replaced with a process which is already gone
	suite.write("job.conf", blocker.PoweroffOn{PID: 4321})
	suite.upsert(path)

	suite.Assert().True(registry.IsEmpty())
	suite.Assert().Empty(registry.Rejected())
}

func (suite *DaemonSuite) TestExternalRemoval() {
	path := suite.write("job.conf", blocker.PoweroffOn{Timeout: pointer.To[int64](3600)})
	suite.upsert(path)

	suite.Assert().Equal(poweroffd.Running, suite.tick())

	suite.Require().NoError(os.Remove(path))
	suite.Require().NoError(suite.daemon.HandleEvent(suite.T().Context(), watch.Event{Kind: watch.Removed, Key: path}))
	suite.Require().NoError(suite.daemon.HandleEvent(suite.T().Context(), watch.Event{Kind: watch.Removed, Key: path}))

	suite.Assert().Equal(poweroffd.ShuttingDown, suite.tick())
	suite.Assert().EqualValues(1, suite.trigger.calls.Load())
}

func (suite *DaemonSuite) TestIgnoredFiles() {
	path := suite.writeRaw("notes.txt", "not a descriptor")
	suite.upsert(path, filepath.Join(suite.dir, "gone.conf"))

	suite.Assert().True(suite.daemon.Registry().IsEmpty())
	suite.Assert().Empty(suite.daemon.Registry().Rejected())
}

func (suite *DaemonSuite) TestResync() {
	a := suite.write("a.conf", blocker.PoweroffOn{Timeout: pointer.To[int64](30)})
	b := suite.write("b.conf", blocker.PoweroffOn{Timeout: pointer.To[int64](30)})
	bad := suite.writeRaw("bad.conf", "{")

	suite.upsert(a, b, bad)
	suite.Require().Equal([]string{a, b}, suite.daemon.Registry().Keys())

	suite.Require().NoError(os.Remove(b))
	suite.Require().NoError(os.Remove(bad))

	c := suite.write("c.conf", blocker.PoweroffOn{Host: "gateway"})

	suite.Require().NoError(suite.daemon.HandleEvent(suite.T().Context(), watch.Event{Kind: watch.Resync, Keys: []string{a, c}}))

	suite.Assert().Equal([]string{a, c}, suite.daemon.Registry().Keys())
	suite.Assert().Empty(suite.daemon.Registry().Rejected())
}

func (suite *DaemonSuite) TestSharedHost() {
	paths := []string{
		suite.write("a.conf", blocker.PoweroffOn{Host: "gateway"}),
		suite.write("b.conf", blocker.PoweroffOn{Host: "gateway"}),
		suite.write("c.conf", blocker.PoweroffOn{Host: "worker"}),
	}

	suite.upsert(paths...)

	suite.Assert().Equal(poweroffd.Running, suite.tick())
	suite.Assert().Equal(3, suite.daemon.Registry().Len())

	suite.hosts.setDown(gatewayAddr)

	suite.Assert().Equal(poweroffd.Running, suite.tick())
	suite.Assert().Equal([]string{paths[2]}, suite.daemon.Registry().Keys())
}

func (suite *DaemonSuite) TestTriggerFailure() {
	suite.trigger.err = errors.New("poweroff: permission denied")

	path := suite.write("job.conf", blocker.PoweroffOn{Timeout: pointer.To[int64](1)})
	suite.upsert(path)

	suite.clock.Add(2 * time.Second)

	state, err := suite.daemon.Tick(suite.T().Context())
	suite.Require().Error(err)
	suite.Assert().Contains(err.Error(), "permission denied")
	suite.Assert().Equal(poweroffd.ShuttingDown, state)

	// no retry
	suite.Assert().Equal(poweroffd.ShuttingDown, suite.tick())
	suite.Assert().EqualValues(1, suite.trigger.calls.Load())
}

func (suite *DaemonSuite) TestNoBlockersNoShutdown() {
	for range 3 {
		suite.Assert().Equal(poweroffd.Running, suite.tick())
	}

	suite.Assert().Zero(suite.trigger.calls.Load())
}

func (suite *DaemonSuite) run(ctx context.Context, events <-chan watch.Event) <-chan error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- suite.daemon.Run(ctx, events)
	}()

	return errCh
}

func (suite *DaemonSuite) wait(errCh <-chan error) error {
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		suite.FailNow("control loop didn't stop")

		return nil
	}
}

func (suite *DaemonSuite) TestRun() {
	suite.daemon = suite.newDaemon(clock.New())

	events := make(chan watch.Event)
	errCh := suite.run(suite.T().Context(), events)

	expired := suite.write("expired.conf", blocker.PoweroffOn{Timeout: pointer.To[int64](0)})
	suite.clock.Add(time.Second)

	events <- watch.Event{Kind: watch.Upserted, Key: expired}

	suite.Require().NoError(suite.wait(errCh))

	suite.Assert().Equal(poweroffd.ShuttingDown, suite.daemon.State())
	suite.Assert().EqualValues(1, suite.trigger.calls.Load())
	suite.Assert().NoFileExists(expired)
}

func (suite *DaemonSuite) TestRunCancel() {
	suite.daemon = suite.newDaemon(clock.New())

	path := suite.write("job.conf", blocker.PoweroffOn{Timeout: pointer.To[int64](3600)})

	ctx, cancel := context.WithCancel(suite.T().Context())

	events := make(chan watch.Event)
	errCh := suite.run(ctx, events)

	events <- watch.Event{Kind: watch.Upserted, Key: path}

	time.Sleep(50 * time.Millisecond)
	cancel()

	suite.Require().NoError(suite.wait(errCh))

	suite.Assert().Equal(poweroffd.Running, suite.daemon.State())
	suite.Assert().Zero(suite.trigger.calls.Load())
	suite.Assert().FileExists(path)
}

func (suite *DaemonSuite) TestRunInitialListing() {
	suite.daemon = suite.newDaemon(clock.New())

	expired := suite.write("a.conf", blocker.PoweroffOn{Timeout: pointer.To[int64](0)})
	pending := suite.write("b.conf", blocker.PoweroffOn{Timeout: pointer.To[int64](3600)})
	suite.clock.Add(time.Second)

	ctx, cancel := context.WithCancel(suite.T().Context())

	events := make(chan watch.Event)
	errCh := suite.run(ctx, events)

	// several ticks worth of delay before the listing shows up
	time.Sleep(50 * time.Millisecond)

	events <- watch.Event{Kind: watch.Resync, Keys: []string{expired, pending}}

	time.Sleep(50 * time.Millisecond)
	cancel()

	suite.Require().NoError(suite.wait(errCh))

	// a.conf expiring must not power off while b.conf still blocks
	suite.Assert().Equal(poweroffd.Running, suite.daemon.State())
	suite.Assert().Zero(suite.trigger.calls.Load())
	suite.Assert().Equal([]string{pending}, suite.daemon.Registry().Keys())
	suite.Assert().NoFileExists(expired)
}

func (suite *DaemonSuite) TestRunWatchStopped() {
	suite.daemon = suite.newDaemon(clock.New())

	events := make(chan watch.Event)
	errCh := suite.run(suite.T().Context(), events)

	close(events)

	suite.Require().Error(suite.wait(errCh))
	suite.Assert().Zero(suite.trigger.calls.Load())
}

func TestDaemonSuite(t *testing.T) {
	t.Parallel()

	suite.Run(t, new(DaemonSuite))
}
