// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import "time"

// Config holds the master daemon's own settings. It does not describe
// registered commands — those come from a separate commands file, loaded
// by LoadCommands and handed to the reconciler's AddCommand one at a
// time, not through this struct.
type Config struct {
	// LoggingDirectory is the default log directory given to commands for
	// their child logs, and where lunch-master.log goes. No per-command
	// slave log is written.
	LoggingDirectory string `koanf:"logging_directory"`

	// PIDDirectory is where the master's PID file is written.
	PIDDirectory string `koanf:"pid_directory"`

	// LogToFile redirects the master's logging from stderr into
	// LoggingDirectory/lunch-master.log.
	LogToFile bool `koanf:"log_to_file"`

	// Verbose raises the log level to debug.
	Verbose bool `koanf:"verbose"`

	// Debug raises the log level to trace and enables caller info.
	Debug bool `koanf:"debug"`

	// ReconcileInterval is the reconciler tick cadence.
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`

	// ShutdownCeiling bounds how long graceful shutdown waits for
	// stragglers before giving up and exiting anyway.
	ShutdownCeiling time.Duration `koanf:"shutdown_ceiling"`

	// LocalAddresses are hostnames/IPs for which a command's Host is
	// rewritten to "" (local execution instead of SSH).
	LocalAddresses []string `koanf:"local_addresses"`
}

// DefaultConfig returns the master daemon's built-in defaults.
func DefaultConfig() Config {
	return Config{
		LoggingDirectory:  "/var/log/lunch",
		PIDDirectory:      "/var/run/lunch",
		LogToFile:         false,
		Verbose:           false,
		Debug:             false,
		ReconcileInterval: 50 * time.Millisecond,
		ShutdownCeiling:   20 * time.Second,
		LocalAddresses:    nil,
	}
}
