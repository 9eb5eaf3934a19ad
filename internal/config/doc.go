// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the master daemon's own settings: logging and PID
// directories, the reconciler tick cadence, the shutdown ceiling, and the
// local-address set.
//
// It deliberately does not describe registered commands. Those live in a
// separate YAML file loaded by LoadCommands and registered one at a time
// through the reconciler's AddCommand (see internal/reconcile); this
// package's Config is what cmd/lunchd needs before any command is ever
// registered.
//
// Load layers three sources, later ones winning: built-in defaults, an
// optional YAML file (first existing path in DefaultConfigPaths, or an
// explicit path), then LUNCH_-prefixed environment variables.
//
// LoadCommands layers each entry of the commands file over
// command.DefaultSpec, the declarative equivalent of one addCommand call.
package config
