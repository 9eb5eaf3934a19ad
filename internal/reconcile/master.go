// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reconcile implements the master reconciler: it owns the
// dependency graph and the identifier-to-supervisor map, decides which
// commands to start or stop on each tick, and drives orderly shutdown.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/sourcelibre/lunch/internal/command"
	"github.com/sourcelibre/lunch/internal/graph"
	"github.com/sourcelibre/lunch/internal/metrics"
	"github.com/sourcelibre/lunch/internal/supervisor"
)

// entry pairs a command supervisor with the token it was given when added
// to the tree, so it can be removed again by identifier.
type entry struct {
	sup   *command.Supervisor
	token suture.ServiceToken
}

// Subscriber receives the master's asynchronous events. Supervisors never
// hold a pointer back to the Master; they call Master through the
// command.EventSink interface, and Master re-emits to its own
// subscribers, which may additionally include commandAdded/commandRemoved.
type Subscriber interface {
	ChildStateChanged(id string, info command.StateInfo)
	SSHError(id, message string)
	CommandNotFound(id string)
	CommandAdded(id string)
	CommandRemoved(id string)
}

// Master owns the graph, the identifier-to-supervisor map, the
// local-address set, and the launchNextTime gate that sequences sibling
// starts.
type Master struct {
	mu sync.Mutex

	graph          *graph.Graph
	supervisors    map[string]*entry
	localAddresses map[string]bool
	wantsToLive    bool
	launchNextTime time.Time
	counter        int

	tree             *supervisor.Tree
	transportFactory command.TransportFactory
	subscribers      []Subscriber
	now              func() time.Time
	logger           zerolog.Logger
}

// New returns an empty Master hosting its command supervisors on tree and
// spawning slaves through factory.
func New(tree *supervisor.Tree, factory command.TransportFactory, logger zerolog.Logger) *Master {
	return &Master{
		graph:            graph.New(),
		supervisors:      make(map[string]*entry),
		localAddresses:   make(map[string]bool),
		wantsToLive:      true,
		tree:             tree,
		transportFactory: factory,
		now:              time.Now,
		logger:           logger,
	}
}

// Subscribe registers s to receive future events.
func (m *Master) Subscribe(s Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, s)
}

// AddLocalAddress marks addr (a hostname or IP) as local: commands
// registered with this host run locally instead of over SSH.
func (m *Master) AddLocalAddress(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localAddresses[addr] = true
}

// AddCommand registers spec, assigning an identifier if absent and
// rewriting host to empty if it names a local address. Returns the final
// identifier.
func (m *Master) AddCommand(spec command.Spec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.localAddresses[spec.Host] {
		spec.Host = ""
	}
	spec.Identifier = m.assignIdentifierLocked(spec.Identifier)

	if err := m.graph.AddNode(spec.Identifier, spec.Depends); err != nil {
		return "", fmt.Errorf("reconcile: adding command %s: %w", spec.Identifier, err)
	}

	sup := command.NewSupervisor(spec, m, m.transportFactory, m.logger)
	token := m.tree.Add(sup)
	m.supervisors[spec.Identifier] = &entry{sup: sup, token: token}

	m.logger.Info().Str("command_id", spec.Identifier).Msg("command added")
	for _, sub := range m.subscribers {
		sub.CommandAdded(spec.Identifier)
	}
	return spec.Identifier, nil
}

// assignIdentifierLocked implements §4.5's identifier assignment: if id is
// empty, a default_<counter> id is minted; any collision (explicit or
// generated) is resolved by appending "X" until unique.
func (m *Master) assignIdentifierLocked(id string) string {
	if id == "" {
		for {
			candidate := fmt.Sprintf("default_%d", m.counter)
			m.counter++
			if !m.graph.HasNode(candidate) {
				return candidate
			}
		}
	}
	for m.graph.HasNode(id) {
		id += "X"
	}
	return id
}

// Spec returns the registration data for a known command.
func (m *Master) Spec(id string) (command.Spec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.supervisors[id]
	if !ok {
		return command.Spec{}, false
	}
	return e.sup.Spec(), true
}

// RemoveCommand requests the named command stop and marks it for deletion;
// the actual graph/map removal happens on the next Tick once the slave has
// stopped.
func (m *Master) RemoveCommand(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.supervisors[id]
	if !ok {
		return fmt.Errorf("reconcile: unknown command %q", id)
	}
	if e.sup.Snapshot().ChildState == command.StateRunning {
		e.sup.Stop()
	}
	e.sup.MarkToBeDeleted()
	return nil
}

// Tick runs one reconciler pass: a root-to-leaves walk of the graph
// deciding starts, stops, and deletions.
func (m *Master) Tick(ctx context.Context) {
	start := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	order := m.graph.IterFromRootToLeaves()
	for _, id := range order {
		if id == graph.Root {
			continue
		}
		e, ok := m.supervisors[id]
		if !ok {
			continue
		}
		m.reconcileNodeLocked(ctx, id, e.sup)
	}
	m.deleteMarkedLocked()

	metrics.ReconcileTickDuration.Observe(time.Since(start).Seconds())
	metrics.ReconcileCommandsTotal.Set(float64(len(m.supervisors)))
}

func (m *Master) reconcileNodeLocked(ctx context.Context, id string, sup *command.Supervisor) {
	info := sup.Snapshot()
	spec := sup.Spec()

	switch info.ChildState {
	case command.StateRunning:
		if !m.wantsToLive {
			sup.Stop()
			return
		}
		if m.dependencyBlocksParentLocked(id) {
			sup.Stop()
		}
	case command.StateStopped:
		if m.wantsToLive && m.canStartLocked(id, sup, spec) {
			if err := sup.RequestStart(ctx); err == nil {
				m.launchNextTime = m.now().Add(spec.SleepAfter)
			}
		}
		m.cascadeStopDependentsLocked(id)
	}
}

// dependencyBlocksParentLocked reports whether any transitive dependency
// of id is in a state implying id should not be up: a respawnable
// dependency that is not RUNNING, or a non-respawnable one that has never
// completed a run.
func (m *Master) dependencyBlocksParentLocked(id string) bool {
	deps, err := m.graph.AllDependencies(id)
	if err != nil {
		return false
	}
	for _, depID := range deps {
		e, ok := m.supervisors[depID]
		if !ok {
			continue
		}
		depInfo := e.sup.Snapshot()
		depSpec := e.sup.Spec()
		if depSpec.Respawn {
			if depInfo.ChildState != command.StateRunning {
				return true
			}
		} else if depInfo.RunCount == 0 {
			return true
		}
	}
	return false
}

// canStartLocked implements §4.5's three start preconditions for a STOPPED
// node, beyond wantsToLive.
func (m *Master) canStartLocked(id string, sup *command.Supervisor, spec command.Spec) bool {
	if m.now().Before(m.launchNextTime) {
		return false
	}
	if !sup.Enabled() || !sup.IsReadyToBeStarted() {
		return false
	}
	if !spec.Respawn && sup.Snapshot().RunCount >= 1 {
		return false
	}

	dependents, err := m.graph.AllDependents(id)
	if err == nil {
		for _, depID := range dependents {
			e, ok := m.supervisors[depID]
			if ok && e.sup.Snapshot().ChildState != command.StateStopped {
				return false
			}
		}
	}

	deps, err := m.graph.AllDependencies(id)
	if err != nil {
		return false
	}
	for _, depID := range deps {
		e, ok := m.supervisors[depID]
		if !ok {
			continue
		}
		depInfo := e.sup.Snapshot()
		depSpec := e.sup.Spec()
		satisfied := depInfo.ChildState == command.StateRunning ||
			(!depSpec.Respawn && depInfo.RunCount >= 1 && depInfo.ChildState == command.StateStopped)
		if !satisfied {
			return false
		}
	}
	return true
}

// cascadeStopDependentsLocked stops direct dependents that are currently
// running on a dependency that just went STOPPED.
func (m *Master) cascadeStopDependentsLocked(id string) {
	dependents, err := m.graph.Dependents(id)
	if err != nil {
		return
	}
	for _, depID := range dependents {
		if depID == graph.Root {
			continue
		}
		e, ok := m.supervisors[depID]
		if ok && e.sup.Snapshot().ChildState == command.StateRunning {
			e.sup.Stop()
		}
	}
}

func (m *Master) deleteMarkedLocked() {
	for id, e := range m.supervisors {
		if !e.sup.ToBeDeleted() {
			continue
		}
		if e.sup.Snapshot().SlaveState != command.StateNoSlave && e.sup.Snapshot().SlaveState != command.StateStopped {
			continue
		}
		_ = m.graph.RemoveNode(id)
		delete(m.supervisors, id)
		_ = m.tree.RemoveAndWait(e.token, 2*e.sup.Spec().DelayBeforeKill)
		go func(s *command.Supervisor) {
			qctx, cancel := context.WithTimeout(context.Background(), 2*s.Spec().DelayBeforeKill)
			defer cancel()
			_ = s.QuitSlave(qctx)
		}(e.sup)
		m.logger.Info().Str("command_id", id).Msg("command removed")
		for _, sub := range m.subscribers {
			sub.CommandRemoved(id)
		}
	}
}

// ChildStateChanged implements command.EventSink.
func (m *Master) ChildStateChanged(id string, info command.StateInfo) {
	m.mu.Lock()
	subs := append([]Subscriber(nil), m.subscribers...)
	m.mu.Unlock()
	for _, sub := range subs {
		sub.ChildStateChanged(id, info)
	}
}

// SSHError implements command.EventSink.
func (m *Master) SSHError(id, message string) {
	m.mu.Lock()
	subs := append([]Subscriber(nil), m.subscribers...)
	m.mu.Unlock()
	m.logger.Warn().Str("command_id", id).Str("message", message).Msg("ssh error")
	for _, sub := range subs {
		sub.SSHError(id, message)
	}
}

// CommandNotFound implements command.EventSink.
func (m *Master) CommandNotFound(id string) {
	m.mu.Lock()
	subs := append([]Subscriber(nil), m.subscribers...)
	m.mu.Unlock()
	m.logger.Warn().Str("command_id", id).Msg("command not found")
	for _, sub := range subs {
		sub.CommandNotFound(id)
	}
}

var _ command.EventSink = (*Master)(nil)

// Shutdown implements the before-shutdown hook: sets wantsToLive=false and
// ticks until every command reports STOPPED or ceiling elapses.
func (m *Master) Shutdown(ctx context.Context, ceiling time.Duration) error {
	m.mu.Lock()
	m.wantsToLive = false
	m.mu.Unlock()

	deadline := m.now().Add(ceiling)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.Tick(ctx)
		if m.allStopped() {
			return nil
		}
		if m.now().After(deadline) {
			for _, id := range m.stragglers() {
				m.logger.Error().Str("command_id", id).Msg("shutdown ceiling reached, command still running")
			}
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Master) allStopped() bool {
	return len(m.stragglers()) == 0
}

func (m *Master) stragglers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stragglers []string
	for id, e := range m.supervisors {
		if e.sup.Snapshot().ChildState != command.StateStopped {
			stragglers = append(stragglers, id)
		}
	}
	return stragglers
}

// RestartAll stops every command, waits for all to report STOPPED, then
// re-enables starts.
func (m *Master) RestartAll(ctx context.Context, pollCeiling time.Duration) error {
	m.mu.Lock()
	for _, e := range m.supervisors {
		e.sup.Stop()
	}
	m.mu.Unlock()

	deadline := m.now().Add(pollCeiling)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !m.allStopped() {
		if m.now().After(deadline) {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	for _, e := range m.supervisors {
		e.sup.Reset()
	}
	m.wantsToLive = true
	m.mu.Unlock()
	return nil
}
