// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package command

import "time"

// LifecycleState is shared by slaveState and childState.
type LifecycleState string

const (
	StateStopped  LifecycleState = "STOPPED"
	StateStarting LifecycleState = "STARTING"
	StateRunning  LifecycleState = "RUNNING"
	StateStopping LifecycleState = "STOPPING"

	// StateNoSlave is slaveState's value before the first start attempt
	// and after the slave process has fully exited; distinct from
	// StateStopped so logs can tell "never started" from "slave stopped
	// cleanly", though both are treated as STOPPED for isReadyToBeStarted.
	StateNoSlave LifecycleState = "NOSLAVE"
)

// StateInfo is the derived view used by external observers (the UI).
type StateInfo string

const (
	InfoTodo   StateInfo = "TODO"
	InfoFailed StateInfo = "FAILED"
	InfoGaveUp StateInfo = "GAVEUP"
	InfoDone   StateInfo = "DONE"
)

// State is the mutable state owned by a Supervisor.
type State struct {
	SlaveState LifecycleState
	ChildState LifecycleState

	RunCount       int
	TryCount       int
	GaveUp         bool
	Enabled        bool
	ToBeDeleted    bool
	CurrentBackoff time.Duration
	NextTryTime    time.Time
	ChildPid       int
	LastExitCode   int
	ReceivedReady  bool
}

// newState returns the initial state of a freshly registered command.
func newState(spec Spec) State {
	return State{
		SlaveState:     StateNoSlave,
		ChildState:     StateStopped,
		Enabled:        true,
		CurrentBackoff: spec.TryAgainDelay,
	}
}

// StateInfo derives the observer-facing view per the rules: if childState
// is not STOPPED, return it verbatim; else classify by run history.
func (s State) StateInfo(spec Spec) StateInfo {
	if s.ChildState != StateStopped {
		return StateInfo(s.ChildState)
	}
	switch {
	case s.GaveUp:
		return InfoGaveUp
	case s.RunCount == 0:
		return InfoTodo
	case !spec.Respawn:
		return InfoDone
	case !s.Enabled:
		return StateInfo(StateStopped)
	case s.LastExitCode != 0:
		return InfoFailed
	default:
		return StateInfo(StateStopped)
	}
}

// IsReadyToBeStarted reports whether the reconciler may request a start:
// the back-off has elapsed, the child is stopped, and either the slave
// isn't running yet or it already completed the ready handshake.
func (s State) IsReadyToBeStarted(now time.Time) bool {
	return !now.Before(s.NextTryTime) &&
		s.ChildState == StateStopped &&
		(s.SlaveState != StateRunning || s.ReceivedReady)
}
