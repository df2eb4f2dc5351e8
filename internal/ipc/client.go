package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// Send performs one command round trip over the given transport: dial,
// write one frame, read one frame, close. The timeout covers the whole
// exchange.
func Send(ctx context.Context, network, addr string, cmd Command, timeout time.Duration) (Response, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return Response{}, fmt.Errorf("dial %s %s: %w", network, addr, err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return Response{}, fmt.Errorf("set deadline: %w", err)
	}
	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return Response{}, fmt.Errorf("write request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	resp, err := DecodeResponse(line)
	if err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// Probe reports whether a responsive instance answers ping on the given
// transport. A missing socket or a refused connection means no instance;
// any other failure is surfaced so callers never mistake a wedged peer
// for a dead one.
func Probe(ctx context.Context, network, addr string, timeout time.Duration) (bool, error) {
	_, err := Send(ctx, network, addr, Command{Cmd: CmdPing}, timeout)
	if err == nil {
		return true, nil
	}
	if IsNotRunning(err) {
		return false, nil
	}
	return false, fmt.Errorf("probe %s: %w", addr, err)
}

// IsNotRunning reports whether err indicates that nothing is listening at
// the target address.
func IsNotRunning(err error) bool {
	return isSocketMissing(err) || isConnectionRefused(err)
}

func isSocketMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
