// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sshtransport wraps a command.TransportFactory with a per-host
// circuit breaker, so a host that is repeatedly unreachable or rejecting
// the ssh handshake stops being hammered with new spawn attempts and
// instead fails fast until the breaker's cooldown elapses.
package sshtransport

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/sourcelibre/lunch/internal/command"
	"github.com/sourcelibre/lunch/internal/metrics"
)

// Gate owns one circuit breaker per remote host.
type Gate struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]

	// MaxFailures is the consecutive-failure threshold that trips a
	// host's breaker open. Defaults to 3 if zero.
	MaxFailures uint32
	// OpenTimeout is how long a tripped breaker stays open before
	// allowing a single trial spawn through. Defaults to 30s if zero.
	OpenTimeout time.Duration
}

// NewGate returns a Gate with the documented defaults.
func NewGate() *Gate {
	return &Gate{
		breakers:    make(map[string]*gobreaker.CircuitBreaker[struct{}]),
		MaxFailures: 3,
		OpenTimeout: 30 * time.Second,
	}
}

func (g *Gate) breakerFor(host string) *gobreaker.CircuitBreaker[struct{}] {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[host]; ok {
		return b
	}
	maxFailures := g.MaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}
	openTimeout := g.OpenTimeout
	if openTimeout == 0 {
		openTimeout = 30 * time.Second
	}
	b := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "ssh:" + host,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(host).Set(stateValue(to))
		},
	})
	g.breakers[host] = b
	return b
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Wrap returns a TransportFactory that gates Start through the per-host
// breaker. Local commands (spec.Host == "") pass through untouched.
func (g *Gate) Wrap(inner command.TransportFactory) command.TransportFactory {
	return func(spec command.Spec) command.Transport {
		t := inner(spec)
		if spec.Host == "" {
			return t
		}
		return &gatedTransport{Transport: t, breaker: g.breakerFor(spec.Host)}
	}
}

// RecordFailure trips a failure into host's breaker without an associated
// Start call, used when the slave protocol sniffer detects an SSH-layer
// error line after the process has already started (e.g. a rejected host
// key arriving only after the ssh handshake begins).
func (g *Gate) RecordFailure(host string) {
	if host == "" {
		return
	}
	b := g.breakerFor(host)
	_, _ = b.Execute(func() (struct{}, error) {
		return struct{}{}, errSSHReported
	})
}

type gatedTransport struct {
	command.Transport
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func (gt *gatedTransport) Start(ctx context.Context) error {
	_, err := gt.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, gt.Transport.Start(ctx)
	})
	return err
}

var errSSHReported = sshReportedError{}

type sshReportedError struct{}

func (sshReportedError) Error() string { return "sshtransport: ssh error reported by sniffer" }
