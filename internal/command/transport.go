// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package command

import "context"

// Transport spawns and speaks to one slave process, local or remote. A
// Transport is single-use: Start spawns it, Lines delivers every inbound
// line until the slave's stdio closes, and Wait reports the final error
// after Lines is drained. internal/slaveproc provides the real PTY-backed
// implementation; tests use an in-memory fake.
type Transport interface {
	// Start spawns the slave process (locally or via ssh), both under a
	// PTY so local and remote spawns behave identically.
	Start(ctx context.Context) error

	// Send writes a single pre-formatted protocol line (including its
	// trailing newline) to the slave's stdin.
	Send(line string) error

	// Lines returns the channel of inbound lines from the slave's
	// combined stdio. It is closed when the slave's stdio reaches EOF.
	Lines() <-chan string

	// SignalTerm sends SIGTERM to the slave process itself.
	SignalTerm() error

	// SignalKill sends SIGKILL to the slave process itself.
	SignalKill() error

	// Wait blocks until the slave process has been reaped and returns its
	// exit error, if any. Safe to call only after Lines() has closed.
	Wait() error
}

// TransportFactory constructs the Transport for a given Spec. Returning a
// factory rather than a Transport lets Supervisor spawn a fresh process on
// every (re)start while tests substitute an in-memory fake.
type TransportFactory func(spec Spec) Transport
