// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package supervisor provides a thin wrapper around thejerf/suture's
// supervision tree, used by internal/reconcile to host one service per
// registered command.
//
// # Architecture
//
// A single Tree wraps one *suture.Supervisor. Each command's supervisor
// (internal/command.Supervisor) is added as a suture.Service when the
// command is registered and removed when it is unregistered. suture owns
// restart-on-crash semantics for the command supervisor goroutines
// themselves (the *supervisor*, not the child process it manages — that
// lifecycle is internal/command's own state machine, not suture's).
//
//	logger := slog.New(...)
//	tree := supervisor.New("lunch", logger, supervisor.DefaultTreeConfig())
//	token := tree.Add(cmdSupervisor)
//	errCh := tree.ServeBackground(ctx)
//	...
//	tree.Remove(token)
//
// # Failure handling
//
// FailureThreshold/FailureDecay/FailureBackoff configure suture's built-in
// exponential failure counter: if a service's Serve method returns
// (crashes) more often than FailureThreshold per FailureDecay seconds,
// suture itself backs off restarting it by FailureBackoff before trying
// again. This is a second, outer safety net around internal/command's own
// back-off/give-up policy, which governs the child process's restart
// cadence rather than the supervisor goroutine's.
//
// # Thread safety
//
// Tree's methods are safe for concurrent use; suture.Supervisor already
// guards its own state.
package supervisor
