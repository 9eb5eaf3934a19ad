// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"bufio"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcelibre/lunch/internal/protocol"
)

func TestMergedEnvOverridesInherited(t *testing.T) {
	t.Setenv("LUNCH_SLAVE_TEST_VAR", "inherited")
	s := newSlave("e", 10*time.Millisecond, 10*time.Millisecond)
	s.env["LUNCH_SLAVE_TEST_VAR"] = "overridden"
	s.env["LUNCH_SLAVE_EXTRA"] = "added"

	merged := s.mergedEnv()
	var sawOverride, sawExtra bool
	for _, kv := range merged {
		switch kv {
		case "LUNCH_SLAVE_TEST_VAR=overridden":
			sawOverride = true
		case "LUNCH_SLAVE_EXTRA=added":
			sawExtra = true
		case "LUNCH_SLAVE_TEST_VAR=inherited":
			t.Fatal("inherited value must be overridden")
		}
	}
	assert.True(t, sawOverride)
	assert.True(t, sawExtra)
}

func TestExitCodeOf(t *testing.T) {
	assert.Equal(t, 0, exitCodeOf(nil))
	assert.Equal(t, -1, exitCodeOf(errors.New("not an ExitError")))

	cmd := exec.Command("/bin/sh", "-c", "exit 7")
	err := cmd.Run()
	require.Error(t, err)
	assert.Equal(t, 7, exitCodeOf(err))
}

// TestStartChildRunToCompletion drives the slave's child lifecycle
// directly (not through stdin) and asserts the reported sequence:
// child_pid, state STARTING, state RUNNING (after warmup), then retval
// and state STOPPED once the child exits.
func TestStartChildRunToCompletion(t *testing.T) {
	dir := t.TempDir()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	s := newSlave("e", 20*time.Millisecond, 200*time.Millisecond)
	s.out = bufio.NewWriter(w)
	s.logDir = dir
	s.commandLine = "sleep 0.1"

	s.startChild()

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	want := []string{"child_pid", "state STARTING", "state RUNNING", "retval 0"}
	for _, prefix := range want {
		select {
		case line := <-lines:
			assert.True(t, strings.HasPrefix(line, prefix), "got %q, want prefix %q", line, prefix)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for line with prefix %q", prefix)
		}
	}
	select {
	case line := <-lines:
		assert.True(t, strings.HasPrefix(line, "state STOPPED"))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state STOPPED")
	}

	logPath := filepath.Join(dir, "lunch-child-e.log")
	_, statErr := os.Stat(logPath)
	assert.NoError(t, statErr)
}

func TestStartChildCommandNotFound(t *testing.T) {
	dir := t.TempDir()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	s := newSlave("e", 20*time.Millisecond, 200*time.Millisecond)
	s.out = bufio.NewWriter(w)
	s.logDir = dir
	s.commandLine = "this-binary-does-not-exist-anywhere"

	s.startChild()

	var sawNotFound bool
	sc := bufio.NewScanner(r)
	deadline := time.After(2 * time.Second)
	done := make(chan struct{})
	go func() {
		for sc.Scan() {
			line := sc.Text()
			if strings.HasPrefix(line, protocol.VerbNotFound) {
				sawNotFound = true
			}
			if strings.HasPrefix(line, "state STOPPED") {
				close(done)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-deadline:
		t.Fatal("timed out waiting for state STOPPED")
	}
	assert.True(t, sawNotFound, "expected not_found to be reported for a 127 exit")
}

func TestStopChildEscalatesToSigkill(t *testing.T) {
	dir := t.TempDir()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	s := newSlave("e", 10*time.Millisecond, 50*time.Millisecond)
	s.out = bufio.NewWriter(w)
	s.logDir = dir
	s.commandLine = "trap '' TERM; sleep 5"

	s.startChild()
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.stopChild()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stopChild did not escalate to SIGKILL in time")
	}
}
