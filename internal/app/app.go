// Package app routes parsed CLI invocations to the viewer runtime: either
// forwarding to a running instance or becoming the instance that owns the
// listeners and the session loop.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/arandu-app/arandu/internal/cli"
	"github.com/arandu-app/arandu/internal/config"
	"github.com/arandu-app/arandu/internal/doctor"
	"github.com/arandu-app/arandu/internal/frontend"
	"github.com/arandu-app/arandu/internal/fsm"
	"github.com/arandu-app/arandu/internal/history"
	"github.com/arandu-app/arandu/internal/ipc"
	"github.com/arandu-app/arandu/internal/logging"
	"github.com/arandu-app/arandu/internal/session"
	"github.com/arandu-app/arandu/internal/singleinstance"
	"github.com/arandu-app/arandu/internal/version"
	"github.com/arandu-app/arandu/internal/watch"
)

// pingTimeout bounds the liveness probe performed by `arandu ping`.
const pingTimeout = time.Second

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("arandu"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("arandu"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	for _, w := range cfgLoaded.Warnings {
		fmt.Fprintf(r.Stderr, "warning: %s\n", w.Message)
		logger.Warn("config warning", "message", w.Message)
	}
	if err := logRuntime.SetLevel(cfgLoaded.Config.LogLevel); err != nil {
		logger.Warn("apply log level failed", "error", err.Error())
	}

	logger.Info("command start",
		"command", parsed.Command,
		"files", len(parsed.Files),
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(ctx, cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandPing:
		return r.commandPing(ctx, cfgLoaded.Config, logger)
	case cli.CommandRecent:
		return r.commandRecent(ctx, cfgLoaded.Config)
	case cli.CommandRun:
		return r.commandRun(ctx, cfgLoaded.Config, parsed.Files, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

// commandRun resolves the singleton race and, on winning it, runs the
// session loop until the context is cancelled. Losing the race means the
// arguments were delivered to the running instance and this process is done.
func (r Runner) commandRun(ctx context.Context, cfg config.Config, files []string, logger *slog.Logger) int {
	socketPath := resolveSocketPath(cfg, logger)

	// Paths travel absolute: the server may run in a different working
	// directory than the invocation forwarding them.
	absFiles := make([]string, 0, len(files))
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			logger.Warn("cannot absolutize path, forwarding as given", "path", file, "error", err.Error())
			abs = file
		}
		absFiles = append(absFiles, abs)
	}

	outcome, err := singleinstance.Resolve(ctx, singleinstance.Options{
		SocketPath: socketPath,
		TCPPort:    cfg.TCPPort,
		Files:      absFiles,
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("instance resolution failed", "error", err.Error())
		return 1
	}

	if outcome.Role == singleinstance.RoleClient {
		logger.Info("forwarded to running instance", "commands", outcome.Forwarded)
		return 0
	}
	defer func() { _ = outcome.Close() }()

	return r.serve(ctx, cfg, &outcome, absFiles, logger)
}

// serve is the server role: wire the session collaborators, put both
// listeners behind one dispatcher, seed this invocation's own files, and
// drain until shutdown.
func (r Runner) serve(ctx context.Context, cfg config.Config, outcome *singleinstance.Outcome, files []string, logger *slog.Logger) int {
	var recorder session.Recorder
	store := openHistory(cfg, logger)
	if store != nil {
		defer func() { _ = store.Close() }()
		recorder = store
	}

	var tracker session.Tracker
	watcher, err := watch.New(logger, time.Duration(cfg.WatchDebounceMS)*time.Millisecond)
	if err != nil {
		logger.Warn("file watcher unavailable, live reload disabled", "error", err.Error())
	} else {
		defer func() { _ = watcher.Close() }()
		tracker = watcher
	}

	controller := session.NewController(logger, frontend.NewLog(logger), recorder, tracker)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	srv := &ipc.Server{Handler: controller, Logger: logger}
	listeners := 0
	serverErrs := make(chan error, 2)
	for name, listener := range map[string]net.Listener{
		"unix": outcome.Socket,
		"tcp":  outcome.TCP,
	} {
		if listener == nil {
			continue
		}
		listeners++
		logger.Info("listener up", "transport", name, "addr", listener.Addr().String())
		go func(l net.Listener) {
			serverErrs <- srv.Serve(serverCtx, l)
		}(listener)
	}
	if listeners == 0 {
		logger.Warn("no IPC transport available, later invocations will relaunch")
	}

	// The invocation's own files go through the same dispatch path as
	// forwarded commands. Seeding runs alongside the loop below: the
	// signal queue is bounded, and Run is what drains it, so enqueueing
	// a long argument list first would never return.
	go func() {
		for _, file := range files {
			if resp := controller.Handle(ctx, ipc.Command{Cmd: ipc.CmdOpen, Path: file}); !resp.OK() {
				logger.Warn("startup open rejected", "path", file, "message", resp.Message)
			}
		}
	}()

	result := controller.Run(ctx)

	state := advance(logger, outcome.State, fsm.EventShutdown)
	serverCancel()
	for i := 0; i < listeners; i++ {
		if err := <-serverErrs; err != nil {
			logger.Error("ipc server failed", "error", err.Error())
		}
	}
	state = advance(logger, state, fsm.EventDrained)

	logger.Info("session complete",
		"state", string(state),
		"files_opened", result.FilesOpened,
		"reloads", result.Reloads,
		"last_path", result.LastPath,
		"duration_ms", result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
	)
	return 0
}

// commandPing answers whether a live instance is reachable over either
// transport: exit 0 when one answers, 1 when nothing does.
func (r Runner) commandPing(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	if socketPath := resolveSocketPath(cfg, logger); socketPath != "" {
		if alive, _ := ipc.Probe(ctx, "unix", socketPath, pingTimeout); alive {
			fmt.Fprintln(r.Stdout, "ok")
			return 0
		}
	}
	if cfg.TCPPort > 0 {
		if alive, _ := ipc.Probe(ctx, "tcp", ipc.LoopbackAddr(cfg.TCPPort), pingTimeout); alive {
			fmt.Fprintln(r.Stdout, "ok")
			return 0
		}
	}

	fmt.Fprintln(r.Stdout, "no running instance")
	return 1
}

func (r Runner) commandRecent(ctx context.Context, cfg config.Config) int {
	store, err := history.Open(historyPath(cfg), cfg.HistoryLimit)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	entries, err := store.Recent(ctx, 0)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Fprintln(r.Stdout, "no recent files")
		return 0
	}

	for _, entry := range entries {
		fmt.Fprintf(r.Stdout, "%s  %s\n", entry.LastOpened.Format("2006-01-02 15:04"), entry.Path)
	}
	return 0
}

// openHistory builds the recent-files store, degrading to no history when
// the database is unavailable.
func openHistory(cfg config.Config, logger *slog.Logger) *history.Store {
	store, err := history.Open(historyPath(cfg), cfg.HistoryLimit)
	if err != nil {
		logger.Warn("history unavailable", "error", err.Error())
		return nil
	}
	return store
}

func historyPath(cfg config.Config) string {
	if cfg.HistoryPath != "" {
		return cfg.HistoryPath
	}
	path, err := history.DefaultPath()
	if err != nil {
		return ":memory:"
	}
	return path
}

// resolveSocketPath returns the configured or default unix socket path, or
// empty when no location can be resolved (that transport is then skipped).
func resolveSocketPath(cfg config.Config, logger *slog.Logger) string {
	if cfg.SocketPath != "" {
		return cfg.SocketPath
	}
	path, err := ipc.SocketPath()
	if err != nil {
		logger.Warn("cannot resolve socket path, unix transport disabled", "error", err.Error())
		return ""
	}
	return path
}

func advance(logger *slog.Logger, state fsm.State, event fsm.Event) fsm.State {
	next, err := fsm.Transition(state, event)
	if err != nil {
		logger.Warn("lifecycle transition rejected",
			"state", string(state), "event", string(event), "error", err.Error())
		return state
	}
	return next
}
