// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol implements the line-oriented text protocol spoken
// between the master and each slave over stdio, plus the SSH transport
// error sniffer applied to remote-spawned slaves.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Outbound verbs, master -> slave.
const (
	VerbDo     = "do"
	VerbEnv    = "env"
	VerbLogdir = "logdir"
	VerbRun    = "run"
	VerbStop   = "stop"
	VerbPing   = "ping"
)

// Inbound verbs, slave -> master.
const (
	VerbReady    = "ready"
	VerbChildPid = "child_pid"
	VerbState    = "state"
	VerbRetval   = "retval"
	VerbMsg      = "msg"
	VerbLog      = "log"
	VerbError    = "error"
	VerbPong     = "pong"
	VerbNotFound = "not_found"
	VerbBye      = "bye"
)

// outboundVerbs is used to detect and drop PTY echoes of what the master
// itself wrote.
var outboundVerbs = map[string]bool{
	VerbDo:     true,
	VerbEnv:    true,
	VerbRun:    true,
	VerbLogdir: true,
	VerbStop:   true,
}

// Message is a parsed inbound line: a key (the leading token) and payload
// (everything after the first space, or "" if there was none).
type Message struct {
	Key     string
	Payload string
}

// ParseLine splits a raw line into a Message. Empty lines and lines that
// echo an outbound verb (PTY tty echo of what the master wrote) are
// reported via ok=false so the caller silently ignores them.
func ParseLine(line string) (msg Message, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Message{}, false
	}
	key, payload, _ := strings.Cut(line, " ")
	if outboundVerbs[key] {
		return Message{}, false
	}
	return Message{Key: key, Payload: payload}, true
}

// FormatDo builds the "do <shell-command>" line.
func FormatDo(commandLine string) string {
	return VerbDo + " " + commandLine + "\n"
}

// FormatEnv builds the "env k1=v1 k2=v2 ..." line. Keys are emitted in the
// order given by order, so callers control determinism.
func FormatEnv(env map[string]string, order []string) string {
	var b strings.Builder
	b.WriteString(VerbEnv)
	for _, k := range order {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
	}
	b.WriteByte('\n')
	return b.String()
}

// FormatLogdir builds the "logdir <path>" line.
func FormatLogdir(path string) string {
	return VerbLogdir + " " + path + "\n"
}

// FormatRun builds the "run" line.
func FormatRun() string { return VerbRun + "\n" }

// FormatStop builds the "stop" line.
func FormatStop() string { return VerbStop + "\n" }

// FormatPing builds the "ping" line.
func FormatPing() string { return VerbPing + "\n" }

// ChildState names a child's lifecycle state as reported by "state <name>".
type ChildState string

const (
	ChildStarting ChildState = "STARTING"
	ChildRunning  ChildState = "RUNNING"
	ChildStopped  ChildState = "STOPPED"
)

// StateMessage is the parsed payload of a "state" inbound line.
type StateMessage struct {
	State   ChildState
	Runtime float64 // seconds; only meaningful when State == ChildStopped
}

// ParseState parses a state payload ("RUNNING" or "STOPPED 1.25").
func ParseState(payload string) (StateMessage, error) {
	name, rest, hasRest := strings.Cut(payload, " ")
	sm := StateMessage{State: ChildState(name)}
	if hasRest {
		runtime, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil {
			return StateMessage{}, fmt.Errorf("protocol: parsing state runtime %q: %w", rest, err)
		}
		sm.Runtime = runtime
	}
	return sm, nil
}

// FormatState builds the "state <name> [runtime]" line emitted by the slave.
func FormatState(state ChildState, runtime *float64) string {
	if runtime == nil {
		return VerbState + " " + string(state) + "\n"
	}
	return fmt.Sprintf("%s %s %g\n", VerbState, state, *runtime)
}

// ParseChildPid parses the payload of a "child_pid <pid>" line.
func ParseChildPid(payload string) (int, error) {
	pid, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return 0, fmt.Errorf("protocol: parsing child_pid %q: %w", payload, err)
	}
	return pid, nil
}

// FormatChildPid builds the "child_pid <pid>" line.
func FormatChildPid(pid int) string {
	return fmt.Sprintf("%s %d\n", VerbChildPid, pid)
}

// ParseRetval parses the payload of a "retval <n>" line.
func ParseRetval(payload string) (int, error) {
	code, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return 0, fmt.Errorf("protocol: parsing retval %q: %w", payload, err)
	}
	return code, nil
}

// FormatRetval builds the "retval <n>" line.
func FormatRetval(code int) string {
	return fmt.Sprintf("%s %d\n", VerbRetval, code)
}

// FormatReady builds the "ready" line the slave sends on startup.
func FormatReady() string { return VerbReady + "\n" }

// FormatBye builds the "bye" line the slave sends before exiting.
func FormatBye() string { return VerbBye + "\n" }

// FormatPong builds the "pong" line the slave sends in reply to a ping.
func FormatPong() string { return VerbPong + "\n" }

// FormatNotFound builds the "not_found" line the slave sends when the
// shell reports the command itself could not be found (exit code 127).
func FormatNotFound() string { return VerbNotFound + "\n" }

// FormatMsg builds a "msg <text>" informational line.
func FormatMsg(text string) string { return VerbMsg + " " + text + "\n" }

// FormatLog builds a "log <text>" informational line.
func FormatLog(text string) string { return VerbLog + " " + text + "\n" }

// FormatError builds an "error <text>" line.
func FormatError(text string) string { return VerbError + " " + text + "\n" }

// ParseEnv parses the payload of an "env k1=v1 k2=v2 ..." line into an
// ordered environment map, as accumulated by the slave before "run".
func ParseEnv(payload string) (env map[string]string, order []string) {
	env = make(map[string]string)
	for _, pair := range strings.Fields(payload) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if _, exists := env[k]; !exists {
			order = append(order, k)
		}
		env[k] = v
	}
	return env, order
}
