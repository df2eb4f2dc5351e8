// Package doctor runs readiness diagnostics for config, the IPC
// transports, and the state directories.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arandu-app/arandu/internal/config"
	"github.com/arandu-app/arandu/internal/history"
	"github.com/arandu-app/arandu/internal/ipc"
	"github.com/arandu-app/arandu/internal/logging"
)

// probeTimeout bounds each liveness probe the doctor performs.
const probeTimeout = time.Second

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment/config/transport checks for a loaded config.
func Run(ctx context.Context, cfg config.Loaded) Report {
	checks := []Check{checkConfig(cfg)}

	socketPath, err := resolveSocketPath(cfg.Config)
	if err != nil {
		checks = append(checks, Check{Name: "socket", Pass: false, Message: err.Error()})
	} else {
		checks = append(checks, checkRuntimeDir(socketPath))
		checks = append(checks, checkSocket(ctx, socketPath))
	}

	checks = append(checks, checkLoopback(ctx, cfg.Config.TCPPort))
	checks = append(checks, checkHistory(ctx, cfg.Config))
	checks = append(checks, checkLog())

	return Report{Checks: checks}
}

func checkConfig(cfg config.Loaded) Check {
	if !cfg.Exists {
		return Check{Name: "config", Pass: true, Message: fmt.Sprintf("%s missing, defaults in effect", cfg.Path)}
	}
	return Check{Name: "config", Pass: true, Message: fmt.Sprintf("loaded %q", cfg.Path)}
}

func resolveSocketPath(cfg config.Config) (string, error) {
	if cfg.SocketPath != "" {
		return cfg.SocketPath, nil
	}
	return ipc.SocketPath()
}

// checkRuntimeDir verifies the socket directory exists and accepts writes.
func checkRuntimeDir(socketPath string) Check {
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Check{Name: "socket.dir", Pass: false, Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}

	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return Check{Name: "socket.dir", Pass: false, Message: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	_ = os.Remove(probe)
	return Check{Name: "socket.dir", Pass: true, Message: fmt.Sprintf("%s is writable", dir)}
}

// checkSocket classifies the socket path: absent, live, stale, or held by
// something that never answers.
func checkSocket(ctx context.Context, path string) Check {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Check{Name: "socket", Pass: true, Message: fmt.Sprintf("no socket at %s (no instance running)", path)}
	}

	alive, err := ipc.Probe(ctx, "unix", path, probeTimeout)
	switch {
	case alive:
		return Check{Name: "socket", Pass: true, Message: fmt.Sprintf("live instance answering ping at %s", path)}
	case err == nil:
		return Check{Name: "socket", Pass: true, Message: fmt.Sprintf("stale socket at %s, reclaimed at next launch", path)}
	default:
		return Check{Name: "socket", Pass: false, Message: fmt.Sprintf("socket at %s is held but not answering: %v", path, err)}
	}
}

// checkLoopback classifies the fallback port: disabled, answered by a live
// instance, free, or held by a foreign process.
func checkLoopback(ctx context.Context, port int) Check {
	if port == 0 {
		return Check{Name: "tcp.port", Pass: true, Message: "loopback listener disabled"}
	}

	addr := ipc.LoopbackAddr(port)
	alive, err := ipc.Probe(ctx, "tcp", addr, probeTimeout)
	switch {
	case alive:
		return Check{Name: "tcp.port", Pass: true, Message: fmt.Sprintf("live instance answering ping on %s", addr)}
	case err == nil:
		return Check{Name: "tcp.port", Pass: true, Message: fmt.Sprintf("%s is free", addr)}
	default:
		return Check{Name: "tcp.port", Pass: false, Message: fmt.Sprintf("%s is held by a process that does not speak the command protocol: %v", addr, err)}
	}
}

func checkHistory(ctx context.Context, cfg config.Config) Check {
	path := cfg.HistoryPath
	if path == "" {
		resolved, err := history.DefaultPath()
		if err != nil {
			return Check{Name: "history", Pass: false, Message: err.Error()}
		}
		path = resolved
	}

	store, err := history.Open(path, cfg.HistoryLimit)
	if err != nil {
		return Check{Name: "history", Pass: false, Message: fmt.Sprintf("cannot open %s: %v", path, err)}
	}
	defer store.Close()

	n, err := store.Len(ctx)
	if err != nil {
		return Check{Name: "history", Pass: false, Message: fmt.Sprintf("cannot read %s: %v", path, err)}
	}
	return Check{Name: "history", Pass: true, Message: fmt.Sprintf("%d entries at %s", n, path)}
}

func checkLog() Check {
	runtime, err := logging.New()
	if err != nil {
		return Check{Name: "log", Pass: false, Message: fmt.Sprintf("cannot open log: %v", err)}
	}
	defer runtime.Close()
	return Check{Name: "log", Pass: true, Message: fmt.Sprintf("writing to %s", runtime.Path)}
}
