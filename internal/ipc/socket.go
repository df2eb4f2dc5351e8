package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrAlreadyRunning is returned by Acquire when a live instance answered
// the probe on the target socket.
var ErrAlreadyRunning = errors.New("another instance is already running")

// ErrSocketHeld is returned by Acquire when something holds the socket but
// never answers a probe. The path is left untouched in that case.
var ErrSocketHeld = errors.New("socket held by an unresponsive process")

// SocketPath resolves the default location of the instance socket:
// $XDG_RUNTIME_DIR/arandu/arandu.sock, or ~/.arandu/arandu.sock when the
// runtime directory is not set.
func SocketPath() (string, error) {
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "arandu", "arandu.sock"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve socket path: %w", err)
	}
	return filepath.Join(home, ".arandu", "arandu.sock"), nil
}

// Acquire binds the unix socket at path, reclaiming stale socket files left
// behind by crashed instances. Binding is the arbiter: whoever holds the
// bind is the running instance. A socket that is connectable and answers
// ping yields ErrAlreadyRunning; one that refuses connections is unlinked
// and the bind retried with a short backoff.
func Acquire(ctx context.Context, path string, probeTimeout time.Duration, retries int) (net.Listener, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir %s: %w", dir, err)
	}
	_ = os.Chmod(dir, 0o700)

	var lastProbeErr error
	for attempt := 0; attempt <= retries; attempt++ {
		listener, err := net.Listen("unix", path)
		if err == nil {
			_ = os.Chmod(path, 0o600)
			return listener, nil
		}
		if !isAddrInUse(err) {
			return nil, fmt.Errorf("listen unix %s: %w", path, err)
		}

		alive, probeErr := Probe(ctx, "unix", path, probeTimeout)
		if alive {
			return nil, ErrAlreadyRunning
		}
		if probeErr != nil {
			// Someone holds the path but did not answer. Never unlink a
			// live bind; wait and look again.
			lastProbeErr = probeErr
		} else {
			lastProbeErr = nil
			if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				return nil, fmt.Errorf("remove stale socket %s: %w", path, removeErr)
			}
		}

		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
			}
		}
	}

	if lastProbeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrSocketHeld, lastProbeErr)
	}
	return nil, fmt.Errorf("acquire socket %s: still contended after %d retries", path, retries)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
