// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics declares the Prometheus series exported by lunch.
//
// Naming follows the <namespace>_<subject>_<unit> convention: counters end
// in _total, durations are histograms in seconds, point-in-time values are
// gauges. All per-command series are labeled "command_id" rather than
// embedding the identifier in the metric name, so cardinality stays
// bounded by the number of registered commands rather than growing with
// restarts.
package metrics
