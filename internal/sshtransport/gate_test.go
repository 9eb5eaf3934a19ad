// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package sshtransport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcelibre/lunch/internal/command"
)

type stubTransport struct {
	startErr error
	starts   int
}

func (s *stubTransport) Start(context.Context) error { s.starts++; return s.startErr }
func (s *stubTransport) Send(string) error            { return nil }
func (s *stubTransport) Lines() <-chan string          { return nil }
func (s *stubTransport) SignalTerm() error             { return nil }
func (s *stubTransport) SignalKill() error             { return nil }
func (s *stubTransport) Wait() error                   { return nil }

func TestGateTripsOpenAfterConsecutiveFailures(t *testing.T) {
	g := NewGate()
	g.MaxFailures = 2
	g.OpenTimeout = time.Hour

	failing := &stubTransport{startErr: errors.New("connection refused")}
	factory := g.Wrap(func(command.Spec) command.Transport { return failing })

	spec := command.Spec{Identifier: "e", Host: "bad.example.com"}
	require.Error(t, factory(spec).Start(context.Background()))
	require.Error(t, factory(spec).Start(context.Background()))

	// breaker is now open: a third attempt must fail fast without
	// reaching the inner transport.
	err := factory(spec).Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, failing.starts)
}

func TestGatePassesThroughForLocalCommands(t *testing.T) {
	g := NewGate()
	ok := &stubTransport{}
	factory := g.Wrap(func(command.Spec) command.Transport { return ok })

	require.NoError(t, factory(command.Spec{Identifier: "e"}).Start(context.Background()))
	assert.Equal(t, 1, ok.starts)
}

func TestRecordFailureContributesToTrip(t *testing.T) {
	g := NewGate()
	g.MaxFailures = 1
	g.OpenTimeout = time.Hour

	g.RecordFailure("bad.example.com")

	ok := &stubTransport{}
	factory := g.Wrap(func(command.Spec) command.Transport { return ok })
	err := factory(command.Spec{Identifier: "e", Host: "bad.example.com"}).Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, ok.starts, "breaker already open from the recorded failure")
}
