// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsRunning is the current count of commands whose childState is
	// RUNNING, by identifier.
	CommandsRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lunch_command_running",
			Help: "1 if the command's child is currently running, 0 otherwise",
		},
		[]string{"command_id"},
	)

	// CommandStartsTotal counts every start attempt made for a command.
	CommandStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lunch_command_starts_total",
			Help: "Total number of start attempts per command",
		},
		[]string{"command_id"},
	)

	// CommandFailuresTotal counts startup failures per command: a respawning,
	// enabled child that stopped before minimumLifetime. A non-zero exit
	// after minimumLifetime is not counted.
	CommandFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lunch_command_failures_total",
			Help: "Total number of transient child failures per command",
		},
		[]string{"command_id"},
	)

	// CommandGaveUpTotal counts how many times a command reached GAVEUP.
	CommandGaveUpTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lunch_command_gave_up_total",
			Help: "Total number of times a command exhausted giveUpAfter retries",
		},
		[]string{"command_id"},
	)

	// CommandBackoffSeconds reports the current back-off duration for a
	// command that is waiting to retry.
	CommandBackoffSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lunch_command_backoff_seconds",
			Help: "Current back-off duration before the next start attempt",
		},
		[]string{"command_id"},
	)

	// SSHErrorsTotal counts latched SSH transport failures per command.
	SSHErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lunch_ssh_errors_total",
			Help: "Total number of latched SSH errors per command",
		},
		[]string{"command_id"},
	)

	// ReconcileTickDuration measures how long each reconciler tick takes.
	ReconcileTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lunch_reconcile_tick_duration_seconds",
			Help:    "Duration of each reconciler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ReconcileCommandsTotal is a snapshot gauge of the number of commands
	// the reconciler currently tracks.
	ReconcileCommandsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lunch_reconcile_commands_total",
			Help: "Current number of commands tracked by the reconciler",
		},
	)

	// CircuitBreakerState reports the gobreaker state for a host's SSH
	// transport: 0=closed, 1=half-open, 2=open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lunch_ssh_circuit_breaker_state",
			Help: "Current circuit breaker state for a host's SSH transport (0=closed, 1=half-open, 2=open)",
		},
		[]string{"host"},
	)
)
