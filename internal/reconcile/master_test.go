// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcelibre/lunch/internal/command"
	"github.com/sourcelibre/lunch/internal/supervisor"
)

// scriptedTransport is a command.Transport whose Lines() channel is driven
// entirely by the test, so reconciler ticks can be exercised without real
// processes.
type scriptedTransport struct {
	mu    sync.Mutex
	lines chan string
	sent  []string
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{lines: make(chan string, 64)}
}

func (s *scriptedTransport) Start(context.Context) error { return nil }
func (s *scriptedTransport) Send(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, line)
	return nil
}
func (s *scriptedTransport) Lines() <-chan string { return s.lines }
func (s *scriptedTransport) SignalTerm() error    { return nil }
func (s *scriptedTransport) SignalKill() error    { return nil }
func (s *scriptedTransport) Wait() error          { return nil }

func (s *scriptedTransport) runToCompletion() {
	s.lines <- "ready"
	s.lines <- "state RUNNING"
}

type recordingSubscriber struct {
	mu    sync.Mutex
	added []string
}

func (r *recordingSubscriber) ChildStateChanged(string, command.StateInfo) {}
func (r *recordingSubscriber) SSHError(string, string)                    {}
func (r *recordingSubscriber) CommandNotFound(string)                     {}
func (r *recordingSubscriber) CommandAdded(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, id)
}
func (r *recordingSubscriber) CommandRemoved(string) {}

func newTestMaster(t *testing.T, transports *sync.Map) *Master {
	t.Helper()
	tree := supervisor.New("test", slog.New(slog.NewTextHandler(io.Discard, nil)), supervisor.DefaultTreeConfig())
	factory := func(spec command.Spec) command.Transport {
		tr := newScriptedTransport()
		transports.Store(spec.Identifier, tr)
		return tr
	}
	return New(tree, factory, zerolog.New(io.Discard))
}

func baseSpec(id string, deps ...string) command.Spec {
	s := command.DefaultSpec()
	s.Identifier = id
	s.CommandLine = "sleep 100"
	s.LogDir = "/tmp"
	s.Depends = deps
	s.SleepAfter = 10 * time.Millisecond
	return s
}

func TestAddCommandAssignsDefaultIdentifier(t *testing.T) {
	var transports sync.Map
	m := newTestMaster(t, &transports)

	spec := command.DefaultSpec()
	spec.CommandLine = "true"
	id, err := m.AddCommand(spec)
	require.NoError(t, err)
	assert.Equal(t, "default_0", id)
}

func TestAddCommandDeduplicatesIdentifier(t *testing.T) {
	var transports sync.Map
	m := newTestMaster(t, &transports)

	first, err := m.AddCommand(baseSpec("x"))
	require.NoError(t, err)
	second, err := m.AddCommand(baseSpec("x"))
	require.NoError(t, err)

	assert.Equal(t, "x", first)
	assert.Equal(t, "xX", second)
}

func TestAddCommandRewritesLocalHost(t *testing.T) {
	var transports sync.Map
	m := newTestMaster(t, &transports)
	m.AddLocalAddress("example")

	spec := baseSpec("e")
	spec.Host = "example"
	id, err := m.AddCommand(spec)
	require.NoError(t, err)

	e := m.supervisors[id]
	assert.Empty(t, e.sup.Spec().Host)
}

func TestTickStartsRootNodeThenDependent(t *testing.T) {
	var transports sync.Map
	m := newTestMaster(t, &transports)
	sub := &recordingSubscriber{}
	m.Subscribe(sub)

	_, err := m.AddCommand(baseSpec("a"))
	require.NoError(t, err)
	_, err = m.AddCommand(baseSpec("b", "a"))
	require.NoError(t, err)

	ctx := context.Background()
	m.Tick(ctx)

	trA, _ := transports.Load("a")
	require.Eventually(t, func() bool {
		return m.supervisors["a"].sup.Snapshot().SlaveState == command.StateStarting
	}, time.Second, time.Millisecond)
	trA.(*scriptedTransport).runToCompletion()

	require.Eventually(t, func() bool {
		return m.supervisors["a"].sup.Snapshot().ChildState == command.StateRunning
	}, time.Second, time.Millisecond)

	// b must not have been requested to start until a is RUNNING; give it
	// a few ticks once a is up.
	for i := 0; i < 10; i++ {
		m.Tick(ctx)
		time.Sleep(5 * time.Millisecond)
	}
	trB, ok := transports.Load("b")
	require.True(t, ok, "b's transport must have been constructed once a was running")
	trB.(*scriptedTransport).runToCompletion()

	require.Eventually(t, func() bool {
		return m.supervisors["b"].sup.Snapshot().ChildState == command.StateRunning
	}, time.Second, time.Millisecond)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Contains(t, sub.added, "a")
	assert.Contains(t, sub.added, "b")
}

func TestTickStoppingDependencyCascadesStop(t *testing.T) {
	var transports sync.Map
	m := newTestMaster(t, &transports)
	ctx := context.Background()

	_, err := m.AddCommand(baseSpec("a"))
	require.NoError(t, err)
	_, err = m.AddCommand(baseSpec("b", "a"))
	require.NoError(t, err)

	m.Tick(ctx)
	trA, _ := transports.Load("a")
	trA.(*scriptedTransport).runToCompletion()
	require.Eventually(t, func() bool {
		return m.supervisors["a"].sup.Snapshot().ChildState == command.StateRunning
	}, time.Second, time.Millisecond)

	for i := 0; i < 10; i++ {
		m.Tick(ctx)
		time.Sleep(5 * time.Millisecond)
	}
	trB, ok := transports.Load("b")
	require.True(t, ok)
	trB.(*scriptedTransport).runToCompletion()
	require.Eventually(t, func() bool {
		return m.supervisors["b"].sup.Snapshot().ChildState == command.StateRunning
	}, time.Second, time.Millisecond)

	// a stops (simulating a crash): the respawnable dependency is no
	// longer RUNNING, so b must be stopped by the reconciler's cascade.
	m.supervisors["a"].sup.Stop()
	for i := 0; i < 20; i++ {
		m.Tick(ctx)
		time.Sleep(5 * time.Millisecond)
	}
	assert.NotEqual(t, command.StateRunning, m.supervisors["b"].sup.Snapshot().ChildState)
}

func TestShutdownStopsAllWithinCeiling(t *testing.T) {
	var transports sync.Map
	m := newTestMaster(t, &transports)
	ctx := context.Background()

	_, err := m.AddCommand(baseSpec("a"))
	require.NoError(t, err)
	m.Tick(ctx)
	trA, _ := transports.Load("a")
	tr := trA.(*scriptedTransport)
	tr.runToCompletion()
	require.Eventually(t, func() bool {
		return m.supervisors["a"].sup.Snapshot().ChildState == command.StateRunning
	}, time.Second, time.Millisecond)

	// The child reports STOPPED once the reconciler has sent it "stop".
	go func() {
		for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); {
			tr.mu.Lock()
			sent := append([]string(nil), tr.sent...)
			tr.mu.Unlock()
			for _, line := range sent {
				if line == "stop\n" {
					tr.lines <- "state STOPPED 1"
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	start := time.Now()
	require.NoError(t, m.Shutdown(ctx, 2*time.Second))
	assert.False(t, m.wantsToLive)
	assert.Equal(t, command.StateStopped, m.supervisors["a"].sup.Snapshot().ChildState)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSpecLooksUpRegisteredCommand(t *testing.T) {
	var transports sync.Map
	m := newTestMaster(t, &transports)

	id, err := m.AddCommand(baseSpec("a"))
	require.NoError(t, err)

	spec, ok := m.Spec(id)
	require.True(t, ok)
	assert.Equal(t, "a", spec.Identifier)

	_, ok = m.Spec("nope")
	assert.False(t, ok)
}
