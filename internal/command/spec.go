// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package command implements the per-command supervisor: the lifecycle
// state machine owning one slave process handle, its respawn/back-off/
// give-up policy, and the slave protocol interaction.
package command

import "time"

// Spec is a command's immutable registration data.
type Spec struct {
	// Identifier is unique, non-empty, and contains no whitespace, ':', or
	// '/'. Assigned by the reconciler if not supplied at registration.
	Identifier string

	// CommandLine is executed by the slave through /bin/sh -c.
	CommandLine string

	// Env is merged over the slave's inherited environment.
	Env map[string]string

	// EnvOrder controls the order environment pairs are sent in, for
	// deterministic wire output.
	EnvOrder []string

	// User, Host, SSHPort are optional remote execution parameters. Host
	// empty means local execution.
	User    string
	Host    string
	SSHPort int

	// Depends lists the identifiers this command requires to be running.
	Depends []string

	// Respawn controls whether the child restarts after exit.
	Respawn bool

	// SleepAfter is how long the reconciler waits after requesting this
	// command's start before starting the next sibling.
	SleepAfter time.Duration

	// MinimumLifetime: a run shorter than this counts as a startup
	// failure rather than a real run.
	MinimumLifetime time.Duration

	// TryAgainDelay seeds the exponential back-off.
	TryAgainDelay time.Duration

	// GiveUpAfter is the number of tries after which the supervisor gives
	// up; 0 means infinite retries.
	GiveUpAfter int

	// DelayBeforeKill is the grace period between SIGTERM and SIGKILL,
	// both for the child (via the slave) and for the slave itself.
	DelayBeforeKill time.Duration

	// LogDir is where the slave writes the child's combined output log.
	LogDir string
}

// DefaultSpec returns a Spec with the registration API's documented
// defaults applied; callers still must set Identifier and CommandLine.
func DefaultSpec() Spec {
	return Spec{
		Respawn:         true,
		SleepAfter:      250 * time.Millisecond,
		MinimumLifetime: 500 * time.Millisecond,
		TryAgainDelay:   250 * time.Millisecond,
		GiveUpAfter:     0,
		DelayBeforeKill: 8 * time.Second,
	}
}
