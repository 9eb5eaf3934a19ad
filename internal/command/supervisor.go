// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sourcelibre/lunch/internal/metrics"
	"github.com/sourcelibre/lunch/internal/protocol"
)

// Supervisor owns exactly one slave process handle and drives the
// lifecycle state machine described in the command package doc. It
// implements suture.Service so internal/supervisor's Tree can host it,
// but the actual start/stop policy is driven by explicit calls from
// internal/reconcile's tick, not by Serve itself: Serve only blocks until
// the surrounding context is canceled, then tears the slave down. This
// keeps all state mutation serialized (here, behind mu) while still
// giving suture a crash-restart backstop around the supervisor goroutine.
type Supervisor struct {
	mu               sync.Mutex
	spec             Spec
	state            State
	sink             EventSink
	transportFactory TransportFactory
	transport        Transport
	sniffer          *protocol.SSHSniffer
	logger           zerolog.Logger
	now              func() time.Time
	quitting         bool
}

// NewSupervisor constructs a Supervisor for spec. factory builds a fresh
// Transport on every (re)spawn.
func NewSupervisor(spec Spec, sink EventSink, factory TransportFactory, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		spec:             spec,
		state:            newState(spec),
		sink:             sink,
		transportFactory: factory,
		sniffer:          protocol.NewSSHSniffer(),
		logger:           logger.With().Str("command_id", spec.Identifier).Logger(),
		now:              time.Now,
	}
}

// String identifies the supervisor in suture's logs.
func (s *Supervisor) String() string {
	return s.spec.Identifier
}

// Spec returns the command's registration data.
func (s *Supervisor) Spec() Spec {
	return s.spec
}

// Snapshot returns a copy of the current mutable state, safe to read
// concurrently with any in-flight transition.
func (s *Supervisor) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateInfo returns the observer-facing derived state.
func (s *Supervisor) StateInfo() StateInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.StateInfo(s.spec)
}

// IsReadyToBeStarted reports whether the reconciler may request a start.
func (s *Supervisor) IsReadyToBeStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsReadyToBeStarted(s.now())
}

// Enabled reports whether the command is still eligible to run (false
// after Stop or after giving up or after a command-not-found failure).
func (s *Supervisor) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Enabled
}

// MarkToBeDeleted flags the command for removal on the next tick once its
// slave has stopped.
func (s *Supervisor) MarkToBeDeleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ToBeDeleted = true
}

// ToBeDeleted reports whether MarkToBeDeleted has been called.
func (s *Supervisor) ToBeDeleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ToBeDeleted
}

// Serve blocks until ctx is canceled, then stops the child and quits the
// slave. It is the suture.Service entry point; the actual command
// lifecycle is driven by RequestStart/Stop/QuitSlave, called by the
// reconciler's tick.
func (s *Supervisor) Serve(ctx context.Context) error {
	<-ctx.Done()
	s.Stop()
	qctx, cancel := context.WithTimeout(context.Background(), 2*s.spec.DelayBeforeKill+time.Second)
	defer cancel()
	_ = s.QuitSlave(qctx)
	return ctx.Err()
}

// RequestStart implements the §4.4 start sequence.
func (s *Supervisor) RequestStart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state.ChildState == StateRunning:
		return nil
	case s.state.SlaveState == StateRunning && s.state.ChildState == StateStopped:
		if err := s.sendStartupSequenceLocked(); err != nil {
			return err
		}
		metrics.CommandStartsTotal.WithLabelValues(s.spec.Identifier).Inc()
		return nil
	case s.state.SlaveState == StateStarting || s.state.SlaveState == StateStopping ||
		s.state.ChildState == StateStarting || s.state.ChildState == StateStopping:
		s.logger.Warn().Msg("start requested while busy, rejected")
		return fmt.Errorf("command %s: start rejected, busy", s.spec.Identifier)
	default:
		return s.spawnSlaveLocked(ctx)
	}
}

func (s *Supervisor) spawnSlaveLocked(ctx context.Context) error {
	t := s.transportFactory(s.spec)
	s.transport = t
	s.state.SlaveState = StateStarting
	s.state.ReceivedReady = false
	s.quitting = false
	s.sniffer = protocol.NewSSHSniffer()

	if err := t.Start(ctx); err != nil {
		s.state.SlaveState = StateNoSlave
		return fmt.Errorf("command %s: starting slave: %w", s.spec.Identifier, err)
	}
	metrics.CommandStartsTotal.WithLabelValues(s.spec.Identifier).Inc()
	go s.pumpLines(t)
	return nil
}

func (s *Supervisor) pumpLines(t Transport) {
	for line := range t.Lines() {
		s.handleLine(line)
	}
	s.mu.Lock()
	s.state.SlaveState = StateNoSlave
	s.state.ChildPid = 0
	s.mu.Unlock()
}

// handleLine mutates state under s.mu but never calls out to s.sink while
// holding it: the reconciler's Tick holds m.mu across calls into a
// supervisor (m.mu -> s.mu), while a sink callback runs back into the
// reconciler (s.mu -> m.mu) — calling the sink locked would invert that
// order and deadlock against a concurrent Tick. Sink calls are instead
// collected as closures and run only after s.mu is released.
func (s *Supervisor) handleLine(raw string) {
	s.mu.Lock()
	var pending []func()

	if s.spec.Host != "" {
		if msg, matched := s.sniffer.Scan(raw); matched {
			metrics.SSHErrorsTotal.WithLabelValues(s.spec.Identifier).Inc()
			id := s.spec.Identifier
			pending = append(pending, func() { s.sink.SSHError(id, msg) })
			s.mu.Unlock()
			for _, fn := range pending {
				fn()
			}
			return
		}
	}

	msg, ok := protocol.ParseLine(raw)
	if !ok {
		s.mu.Unlock()
		return
	}

	switch msg.Key {
	case protocol.VerbReady:
		s.handleReadyLocked()
	case protocol.VerbChildPid:
		if pid, err := protocol.ParseChildPid(msg.Payload); err == nil {
			s.state.ChildPid = pid
		}
	case protocol.VerbState:
		s.handleStateLocked(msg.Payload, &pending)
	case protocol.VerbRetval:
		if code, err := protocol.ParseRetval(msg.Payload); err == nil {
			s.state.LastExitCode = code
		}
	case protocol.VerbNotFound:
		s.state.Enabled = false
		id := s.spec.Identifier
		pending = append(pending, func() { s.sink.CommandNotFound(id) })
	case protocol.VerbBye:
		s.state.SlaveState = StateNoSlave
	case protocol.VerbMsg, protocol.VerbLog:
		s.logger.Info().Str("payload", msg.Payload).Msg("slave message")
	case protocol.VerbError:
		s.logger.Warn().Str("payload", msg.Payload).Msg("slave error")
	case protocol.VerbPong:
		s.logger.Debug().Msg("pong")
	default:
		s.logger.Debug().Str("key", msg.Key).Msg("unknown verb, ignored")
	}

	s.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (s *Supervisor) handleReadyLocked() {
	s.state.SlaveState = StateRunning
	s.state.ReceivedReady = true
	if s.state.Enabled {
		_ = s.sendStartupSequenceLocked()
	}
}

func (s *Supervisor) sendStartupSequenceLocked() error {
	if s.transport == nil {
		return errors.New("command: no slave transport")
	}
	if err := s.transport.Send(protocol.FormatDo(s.spec.CommandLine)); err != nil {
		return err
	}
	if err := s.transport.Send(protocol.FormatLogdir(s.spec.LogDir)); err != nil {
		return err
	}
	if err := s.transport.Send(protocol.FormatEnv(s.spec.Env, s.spec.EnvOrder)); err != nil {
		return err
	}
	return s.transport.Send(protocol.FormatRun())
}

func (s *Supervisor) handleStateLocked(payload string, pending *[]func()) {
	sm, err := protocol.ParseState(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed state line")
		return
	}
	switch sm.State {
	case protocol.ChildStarting:
		s.state.ChildState = StateStarting
	case protocol.ChildRunning:
		s.state.ChildState = StateRunning
		s.state.RunCount++
		s.state.TryCount = 0
		s.state.CurrentBackoff = s.spec.TryAgainDelay
		metrics.CommandsRunning.WithLabelValues(s.spec.Identifier).Set(1)
		s.queueChildStateChangedLocked(pending)
	case protocol.ChildStopped:
		metrics.CommandsRunning.WithLabelValues(s.spec.Identifier).Set(0)
		runtime := time.Duration(sm.Runtime * float64(time.Second))
		if s.spec.Respawn && s.state.Enabled && runtime < s.spec.MinimumLifetime {
			s.handleStartupFailureLocked()
		} else {
			s.state.ChildState = StateStopped
		}
		s.queueChildStateChangedLocked(pending)
	}
}

// queueChildStateChangedLocked snapshots the current StateInfo while s.mu
// is held and defers the actual sink call until after it's released.
func (s *Supervisor) queueChildStateChangedLocked(pending *[]func()) {
	id := s.spec.Identifier
	info := s.state.StateInfo(s.spec)
	*pending = append(*pending, func() { s.sink.ChildStateChanged(id, info) })
}

func (s *Supervisor) handleStartupFailureLocked() {
	s.state.ChildState = StateStopped
	s.state.TryCount++
	metrics.CommandFailuresTotal.WithLabelValues(s.spec.Identifier).Inc()
	if s.spec.GiveUpAfter > 0 && s.state.TryCount >= s.spec.GiveUpAfter {
		s.state.GaveUp = true
		s.state.Enabled = false
		metrics.CommandGaveUpTotal.WithLabelValues(s.spec.Identifier).Inc()
		return
	}
	s.state.NextTryTime = s.now().Add(s.state.CurrentBackoff)
	metrics.CommandBackoffSeconds.WithLabelValues(s.spec.Identifier).Set(s.state.CurrentBackoff.Seconds())
	s.state.CurrentBackoff *= 2
}

// reset clears give-up/back-off state, as called by Stop.
func (s *Supervisor) resetLocked() {
	s.state.GaveUp = false
	s.state.NextTryTime = time.Time{}
	s.state.CurrentBackoff = s.spec.TryAgainDelay
}

// Stop implements §4.4's Stop: reset(), clear enabled, and request the
// child to stop if it is up or coming up.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.state.Enabled = false
	if s.transport == nil {
		return
	}
	if s.state.ChildState == StateRunning || s.state.ChildState == StateStarting {
		_ = s.transport.Send(protocol.FormatStop())
		s.state.ChildState = StateStopping
	}
}

// Reset re-enables a command that gave up or was stopped, clearing its
// back-off and give-up state so the reconciler may start it again.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.state.Enabled = true
}

// QuitSlave is the two-phase termination of the slave process itself. A
// second concurrent call escalates immediately to SIGKILL.
func (s *Supervisor) QuitSlave(ctx context.Context) error {
	s.mu.Lock()
	if s.transport == nil {
		s.mu.Unlock()
		return nil
	}
	if s.quitting {
		t := s.transport
		s.mu.Unlock()
		return t.SignalKill()
	}
	s.quitting = true
	childRunning := s.state.ChildState == StateRunning || s.state.ChildState == StateStarting
	t := s.transport
	s.mu.Unlock()

	if childRunning {
		_ = t.Send(protocol.FormatStop())
		select {
		case <-time.After(s.spec.DelayBeforeKill):
		case <-ctx.Done():
			return t.SignalKill()
		}
	}
	if err := t.SignalTerm(); err != nil {
		return fmt.Errorf("command %s: SIGTERM slave: %w", s.spec.Identifier, err)
	}
	select {
	case <-time.After(s.spec.DelayBeforeKill):
	case <-ctx.Done():
	}
	return t.SignalKill()
}
