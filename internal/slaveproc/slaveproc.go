// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package slaveproc implements command.Transport over a real slave
// process, spawned locally or via ssh, both under a PTY so that local and
// remote execution behave identically (a remote slave's ssh client needs a
// tty to forward signals the same way a locally exec'd slave does).
package slaveproc

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/sourcelibre/lunch/internal/command"
)

// SlaveBinary is the executable name or path of the slave runtime,
// launched locally or as the tail of an ssh argument vector.
var SlaveBinary = "lunch-slave"

// SSHBinary is the ssh client invoked for remote commands.
var SSHBinary = "ssh"

// Transport is the PTY-backed command.Transport implementation.
type Transport struct {
	spec command.Spec

	mu     sync.Mutex
	cmd    *exec.Cmd
	ptmx   *os.File
	lines  chan string
	waitCh chan error
}

// New returns a command.TransportFactory that builds a fresh Transport per
// spawn.
func New() command.TransportFactory {
	return func(spec command.Spec) command.Transport {
		return &Transport{spec: spec}
	}
}

func (t *Transport) argv() []string {
	slaveArgs := []string{SlaveBinary, "--id", t.spec.Identifier}
	if t.spec.Host == "" {
		return slaveArgs
	}

	args := []string{SSHBinary}
	if t.spec.SSHPort != 0 {
		args = append(args, "-p", fmt.Sprintf("%d", t.spec.SSHPort))
	}
	user := t.spec.User
	if user == "" {
		user = os.Getenv("USER")
	}
	if user != "" {
		args = append(args, "-l", user)
	}
	args = append(args, t.spec.Host)
	return append(args, slaveArgs...)
}

// Start spawns the slave under a PTY and begins pumping its combined
// stdio into Lines.
func (t *Transport) Start(ctx context.Context) error {
	argv := t.argv()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("slaveproc: starting %s: %w", argv[0], err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.ptmx = ptmx
	t.lines = make(chan string, 256)
	t.waitCh = make(chan error, 1)
	t.mu.Unlock()

	go t.pump()
	go func() {
		t.waitCh <- cmd.Wait()
	}()
	return nil
}

func (t *Transport) pump() {
	defer close(t.lines)
	scanner := bufio.NewScanner(t.ptmx)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		t.lines <- scanner.Text()
	}
}

// Send writes a pre-formatted protocol line to the slave's PTY.
func (t *Transport) Send(line string) error {
	t.mu.Lock()
	ptmx := t.ptmx
	t.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("slaveproc: slave %s not started", t.spec.Identifier)
	}
	_, err := ptmx.WriteString(line)
	return err
}

// Lines returns the channel of inbound lines, closed at slave stdio EOF.
func (t *Transport) Lines() <-chan string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lines
}

func (t *Transport) signal(sig os.Signal) error {
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("slaveproc: signaling slave %s: %w", t.spec.Identifier, err)
	}
	return nil
}

// SignalTerm sends SIGTERM to the slave process.
func (t *Transport) SignalTerm() error { return t.signal(syscall.SIGTERM) }

// SignalKill sends SIGKILL to the slave process.
func (t *Transport) SignalKill() error { return t.signal(syscall.SIGKILL) }

// Wait blocks until the slave process has been reaped.
func (t *Transport) Wait() error {
	t.mu.Lock()
	waitCh := t.waitCh
	ptmx := t.ptmx
	t.mu.Unlock()
	if waitCh == nil {
		return nil
	}
	err := <-waitCh
	if ptmx != nil {
		_ = ptmx.Close()
	}
	return err
}

var _ command.Transport = (*Transport)(nil)
