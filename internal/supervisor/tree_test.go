// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTreeAddServeRemove(t *testing.T) {
	tree := New("test", testLogger(), DefaultTreeConfig())
	svc := NewMockService("svc-a")
	token := tree.Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool {
		return svc.StartCount() >= 1
	}, time.Second, time.Millisecond)

	require.NoError(t, tree.Remove(token))
	require.Eventually(t, func() bool {
		return svc.StopCount() >= 1
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("tree did not stop")
	}
}

func TestTreeRemoveAndWait(t *testing.T) {
	tree := New("test", testLogger(), DefaultTreeConfig())
	svc := NewMockService("svc-b")
	token := tree.Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree.ServeBackground(ctx)

	require.Eventually(t, func() bool {
		return svc.StartCount() >= 1
	}, time.Second, time.Millisecond)

	err := tree.RemoveAndWait(token, time.Second)
	assert.NoError(t, err)
	assert.Equal(t, int32(1), svc.StopCount())
}

func TestDefaultTreeConfigMatchesSutureDefaults(t *testing.T) {
	cfg := DefaultTreeConfig()
	assert.Equal(t, 5.0, cfg.FailureThreshold)
	assert.Equal(t, 30.0, cfg.FailureDecay)
	assert.Equal(t, 15*time.Second, cfg.FailureBackoff)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}
