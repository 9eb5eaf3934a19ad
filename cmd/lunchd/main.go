// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command lunchd is the master daemon: it loads its configuration, builds
// the dependency graph and the suture-hosted supervisor tree, and runs the
// reconciler loop until told to shut down.
//
// # Application Architecture
//
// Startup proceeds in the following order:
//
//  1. Configuration: layered defaults / YAML file / environment (Koanf v2)
//  2. Logging: zerolog, console or JSON depending on whether stdout is a
//     terminal
//  3. PID file: refuse to start if a live master already holds it
//  4. Supervisor tree: one thejerf/suture/v4 tree hosting every command
//     supervisor plus the reconciler's own tick loop
//  5. Transport: PTY-backed local/ssh slave spawning, gated per-host by a
//     circuit breaker
//  6. Signal handling: SIGINT/SIGTERM trigger graceful shutdown
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/sourcelibre/lunch/internal/command"
	"github.com/sourcelibre/lunch/internal/config"
	"github.com/sourcelibre/lunch/internal/logging"
	"github.com/sourcelibre/lunch/internal/reconcile"
	"github.com/sourcelibre/lunch/internal/slaveproc"
	"github.com/sourcelibre/lunch/internal/sshtransport"
	"github.com/sourcelibre/lunch/internal/supervisor"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("lunchd", flag.ContinueOnError)
	configFile := fs.String("config-file", "", "path to the YAML configuration file")
	commandsFile := fs.String("commands-file", "", "path to the YAML file registering commands to run")
	loggingDirectory := fs.String("logging-directory", "", "override the configured logging directory")
	pidDirectory := fs.String("pid-directory", "", "override the configured PID directory")
	logToFile := fs.Bool("log-to-file", false, "write logs to <logging-directory>/lunch-master.log instead of stderr")
	graphical := fs.Bool("graphical", false, "accepted for compatibility; no graphical surface is implemented")
	verbose := fs.Bool("verbose", false, "raise the log level to debug")
	debug := fs.Bool("debug", false, "raise the log level to trace and include caller info")
	kill := fs.Bool("kill", false, "send SIGINT to the running master for this configuration and exit")
	showVersion := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *showVersion {
		fmt.Println("lunchd", version)
		return 0
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lunchd: loading configuration:", err)
		return 1
	}
	if *loggingDirectory != "" {
		cfg.LoggingDirectory = *loggingDirectory
	}
	if *pidDirectory != "" {
		cfg.PIDDirectory = *pidDirectory
	}
	cfg.Verbose = cfg.Verbose || *verbose
	cfg.Debug = cfg.Debug || *debug
	cfg.LogToFile = cfg.LogToFile || *logToFile

	initLogging(cfg)

	id := masterID(*configFile)
	pidPath := filepath.Join(cfg.PIDDirectory, fmt.Sprintf("lunch-pid-master-%s.pid", id))

	if *kill {
		return killRunningMaster(pidPath)
	}
	if *graphical {
		logging.Warn().Msg("graphical status surface requested but not implemented; continuing headless")
	}

	if err := os.MkdirAll(cfg.PIDDirectory, 0o755); err != nil {
		logging.Error().Err(err).Msg("creating pid directory")
		return 1
	}
	if err := os.MkdirAll(cfg.LoggingDirectory, 0o755); err != nil {
		logging.Error().Err(err).Msg("creating logging directory")
		return 1
	}

	if running, pid := liveMasterAt(pidPath); running {
		logging.Error().Int("pid", pid).Str("pid_file", pidPath).Msg("a master is already running for this configuration")
		return 1
	}
	if err := writePIDFile(pidPath); err != nil {
		logging.Error().Err(err).Msg("writing pid file")
		return 1
	}
	defer func() { _ = os.Remove(pidPath) }()

	if cfg.LogToFile {
		logPath := filepath.Join(cfg.LoggingDirectory, "lunch-master.log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logging.Warn().Err(err).Msg("failed to open master log file, continuing on stderr")
		} else {
			defer func() { _ = logFile.Close() }()
			logging.SetLogger(logging.Output(logFile))
		}
	}

	return serve(cfg, id, *commandsFile)
}

func initLogging(cfg config.Config) {
	level := "info"
	if cfg.Verbose {
		level = "debug"
	}
	if cfg.Debug {
		level = "trace"
	}
	format := "json"
	if term.IsTerminal(int(os.Stdout.Fd())) {
		format = "console"
	}
	logging.Init(logging.Config{Level: level, Format: format, Caller: cfg.Debug})
}

func serve(cfg config.Config, id, commandsFile string) int {
	// treeCtx governs the suture tree itself and is only canceled after
	// master.Shutdown's dependency-aware cascade has finished, so a
	// signal doesn't race every command supervisor's own Serve(ctx)
	// teardown against the reconciler's ordered stop.
	treeCtx, stopTree := context.WithCancel(context.Background())
	defer stopTree()
	shutdownRequested := make(chan os.Signal, 1)

	slogLogger := logging.NewSlogLogger()
	tree := supervisor.New("lunchd", slogLogger, supervisor.DefaultTreeConfig())

	gate := sshtransport.NewGate()
	factory := gate.Wrap(slaveproc.New())
	master := reconcile.New(tree, factory, logging.Logger())
	master.Subscribe(&breakerBridge{gate: gate, master: master})

	for _, addr := range cfg.LocalAddresses {
		master.AddLocalAddress(addr)
	}

	if commandsFile != "" {
		if err := registerCommands(master, cfg, commandsFile); err != nil {
			logging.Error().Err(err).Str("commands_file", commandsFile).Msg("loading commands file")
			return 1
		}
	}

	loop := reconcile.NewLoop(master, cfg.ReconcileInterval)
	tree.Add(loop)

	signal.Notify(shutdownRequested, syscall.SIGINT, syscall.SIGTERM)

	logging.Info().Str("master_id", id).Msg("starting lunchd")
	errCh := tree.ServeBackground(treeCtx)

	select {
	case sig := <-shutdownRequested:
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree error")
		}
	}

	// Drain the reconciler's own dependency-ordered stop cascade first,
	// while the tree (and every command supervisor it hosts) is still
	// alive to act on it.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownCeiling+time.Second)
	defer shutdownCancel()
	if err := master.Shutdown(shutdownCtx, cfg.ShutdownCeiling); err != nil {
		logging.Warn().Err(err).Msg("shutdown did not complete cleanly")
	}

	// Only now tear down the tree itself; any supervisor whose slave is
	// already stopped treats this as a no-op.
	stopTree()
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("service failed to stop within timeout")
	}

	logging.Info().Msg("lunchd stopped")
	return 0
}

// registerCommands loads the declarative command-registration file and
// hands each entry to the reconciler, filling in LogDir from the
// configured logging directory when an entry leaves it unset.
func registerCommands(master *reconcile.Master, cfg config.Config, path string) error {
	specs, err := config.LoadCommands(path)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if spec.LogDir == "" {
			spec.LogDir = cfg.LoggingDirectory
		}
		id, err := master.AddCommand(spec)
		if err != nil {
			return fmt.Errorf("registering %q: %w", spec.Identifier, err)
		}
		logging.Info().Str("identifier", id).Str("command_line", spec.CommandLine).Msg("registered command")
	}
	return nil
}

// breakerBridge feeds sniffer-detected SSH errors into the per-host
// circuit breaker, since command.EventSink's SSHError only carries the
// command identifier, not its host.
type breakerBridge struct {
	gate   *sshtransport.Gate
	master *reconcile.Master
}

func (b *breakerBridge) SSHError(id, _ string) {
	if spec, ok := b.master.Spec(id); ok && spec.Host != "" {
		b.gate.RecordFailure(spec.Host)
	}
}

func (b *breakerBridge) ChildStateChanged(string, command.StateInfo) {}
func (b *breakerBridge) CommandNotFound(string)                      {}
func (b *breakerBridge) CommandAdded(string)                         {}
func (b *breakerBridge) CommandRemoved(string)                       {}

var _ reconcile.Subscriber = (*breakerBridge)(nil)

// masterID derives the PID file's <id> suffix from the config file name,
// so multiple masters running distinct configurations on the same host
// don't collide. Absent a config file, "default" is used.
func masterID(configFile string) string {
	if configFile == "" {
		return "default"
	}
	base := filepath.Base(configFile)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" {
		return "default"
	}
	return base
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// liveMasterAt reports whether path names a PID file for a process that
// is both alive and, where /proc is available, looks like a lunchd
// master by its cmdline.
func liveMasterAt(path string) (bool, int) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, 0
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return false, 0
	}
	if !cmdlineLooksLikeMaster(pid) {
		return false, 0
	}
	return true, pid
}

// cmdlineLooksLikeMaster reads /proc/<pid>/cmdline on Linux. When /proc is
// unavailable (non-Linux), it falls back to assuming the live PID is a
// master, since signal 0 already confirmed it exists.
func cmdlineLooksLikeMaster(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return true
	}
	return strings.Contains(string(data), "lunchd")
}

func killRunningMaster(pidPath string) int {
	running, pid := liveMasterAt(pidPath)
	if !running {
		fmt.Fprintln(os.Stderr, "lunchd: no running master found at", pidPath)
		return 1
	}
	if err := syscall.Kill(pid, syscall.SIGINT); err != nil {
		fmt.Fprintln(os.Stderr, "lunchd: signaling master:", err)
		return 1
	}
	fmt.Println("lunchd: sent SIGINT to master pid", pid)
	return 0
}
