package singleinstance

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arandu-app/arandu/internal/fsm"
	"github.com/arandu-app/arandu/internal/ipc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingHandler struct {
	mu   sync.Mutex
	cmds []ipc.Command
}

func (h *recordingHandler) Handle(_ context.Context, cmd ipc.Command) ipc.Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmds = append(h.cmds, cmd)
	return ipc.OKResponse()
}

// opens returns the paths of recorded open commands, ignoring probe pings.
func (h *recordingHandler) opens() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var paths []string
	for _, cmd := range h.cmds {
		if cmd.Cmd == ipc.CmdOpen {
			paths = append(paths, cmd.Path)
		}
	}
	return paths
}

func (h *recordingHandler) shows() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, cmd := range h.cmds {
		if cmd.Cmd == ipc.CmdShow {
			n++
		}
	}
	return n
}

func serveOn(t *testing.T, listener net.Listener, handler ipc.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	srv := &ipc.Server{Handler: handler}
	go func() { done <- srv.Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestResolveBecomesServerWhenAlone(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "arandu.sock")

	outcome, err := Resolve(context.Background(), Options{
		SocketPath: socketPath,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	require.Equal(t, RoleServer, outcome.Role)
	require.Equal(t, fsm.StateServing, outcome.State)
	require.NotNil(t, outcome.Socket)
	require.Nil(t, outcome.TCP)
	require.Equal(t, socketPath, outcome.SocketPath)

	_, err = os.Stat(socketPath)
	require.NoError(t, err)

	require.NoError(t, outcome.Close())
	_, err = os.Stat(socketPath)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolveBindsLoopbackListener(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	require.NoError(t, probe.Close())

	outcome, err := Resolve(context.Background(), Options{
		SocketPath: filepath.Join(t.TempDir(), "arandu.sock"),
		TCPPort:    port,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	defer outcome.Close()

	require.Equal(t, RoleServer, outcome.Role)
	require.NotNil(t, outcome.Socket)
	require.NotNil(t, outcome.TCP)
	require.Equal(t, port, outcome.TCP.Addr().(*net.TCPAddr).Port)
}

func TestResolveForwardsOpensToLiveInstance(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "arandu.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	handler := &recordingHandler{}
	serveOn(t, listener, handler)

	outcome, err := Resolve(context.Background(), Options{
		SocketPath: socketPath,
		Files:      []string{"/docs/a.md", "/docs/b.md"},
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	require.Equal(t, RoleClient, outcome.Role)
	require.Equal(t, fsm.StateStopped, outcome.State)
	require.Equal(t, 2, outcome.Forwarded)
	require.Nil(t, outcome.Socket)

	require.Equal(t, []string{"/docs/a.md", "/docs/b.md"}, handler.opens())
}

func TestResolveForwardsShowWhenNoFiles(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "arandu.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	handler := &recordingHandler{}
	serveOn(t, listener, handler)

	outcome, err := Resolve(context.Background(), Options{
		SocketPath: socketPath,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	require.Equal(t, RoleClient, outcome.Role)
	require.Equal(t, 1, outcome.Forwarded)
	require.Equal(t, 1, handler.shows())
}

func TestResolveForwardsOverLoopbackWhenSocketAbsent(t *testing.T) {
	listener, err := ipc.ListenLoopback(0)
	require.NoError(t, err)
	handler := &recordingHandler{}
	serveOn(t, listener, handler)
	port := listener.Addr().(*net.TCPAddr).Port

	outcome, err := Resolve(context.Background(), Options{
		SocketPath: filepath.Join(t.TempDir(), "absent.sock"),
		TCPPort:    port,
		Files:      []string{"/docs/a.md"},
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	require.Equal(t, RoleClient, outcome.Role)
	require.Equal(t, 1, outcome.Forwarded)
	require.Equal(t, []string{"/docs/a.md"}, handler.opens())
}

func TestResolveTCPBindRaceWithoutSocketForwardsToWinner(t *testing.T) {
	listener, err := ipc.ListenLoopback(0)
	require.NoError(t, err)
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	handler := &recordingHandler{}

	// The winner's listener: it drops the very first connection, so the
	// initial forward fails and the loser walks into the bind race, then
	// answers the protocol for the probe and the retried forward.
	go func() {
		first := true
		for {
			conn, acceptErr := listener.Accept()
			if acceptErr != nil {
				return
			}
			if first {
				first = false
				_ = conn.Close()
				continue
			}
			go func(c net.Conn) {
				defer c.Close()
				line, readErr := bufio.NewReader(c).ReadBytes('\n')
				if readErr != nil && len(line) == 0 {
					return
				}
				cmd, decodeErr := ipc.DecodeCommand(line)
				if decodeErr != nil {
					return
				}
				_ = json.NewEncoder(c).Encode(handler.Handle(context.Background(), cmd))
			}(conn)
		}
	}()

	outcome, err := Resolve(context.Background(), Options{
		TCPPort:        port,
		Files:          []string{"/docs/a.md"},
		ForwardTimeout: time.Second,
		ProbeTimeout:   time.Second,
		Logger:         testLogger(),
	})
	require.NoError(t, err)
	require.Equal(t, RoleClient, outcome.Role)
	require.Equal(t, fsm.StateStopped, outcome.State)
	require.Equal(t, 1, outcome.Forwarded)
	require.Equal(t, []string{"/docs/a.md"}, handler.opens())
}

func TestResolveTCPOnlyForeignHolderDegradesToNoTransport(t *testing.T) {
	// A TCP listener that accepts nothing and answers nothing: the port is
	// contended but no ping ever round-trips, so it is not an instance.
	foreign, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer foreign.Close()
	port := foreign.Addr().(*net.TCPAddr).Port

	outcome, err := Resolve(context.Background(), Options{
		TCPPort:        port,
		Files:          []string{"/docs/a.md"},
		ForwardTimeout: 50 * time.Millisecond,
		ProbeTimeout:   50 * time.Millisecond,
		Logger:         testLogger(),
	})
	require.NoError(t, err)
	require.Equal(t, RoleServer, outcome.Role)
	require.Nil(t, outcome.Socket)
	require.Nil(t, outcome.TCP)
}

func TestResolveReclaimsStaleSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "arandu.sock")
	stale, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())

	outcome, err := Resolve(context.Background(), Options{
		SocketPath: socketPath,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	defer outcome.Close()

	require.Equal(t, RoleServer, outcome.Role)
	require.NotNil(t, outcome.Socket)

	handler := &recordingHandler{}
	serveOn(t, outcome.Socket, handler)
	resp, err := ipc.Send(context.Background(), "unix", socketPath, ipc.Command{Cmd: ipc.CmdPing}, time.Second)
	require.NoError(t, err)
	require.True(t, resp.OK())
}

func TestResolveContinuesWhenSocketHeldUnresponsive(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "arandu.sock")

	// A bound listener that never accepts: probes connect but time out.
	holder, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer holder.Close()

	outcome, err := Resolve(context.Background(), Options{
		SocketPath:     socketPath,
		Files:          []string{"/docs/a.md"},
		ForwardTimeout: 50 * time.Millisecond,
		ProbeTimeout:   50 * time.Millisecond,
		BindRetries:    1,
		Logger:         testLogger(),
	})
	require.NoError(t, err)
	require.Equal(t, RoleServer, outcome.Role)
	require.Nil(t, outcome.Socket)
	require.Nil(t, outcome.TCP)
	require.Empty(t, outcome.SocketPath)

	// The holder's socket file must survive.
	_, err = os.Stat(socketPath)
	require.NoError(t, err)
}

func TestResolveRejectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Resolve(ctx, Options{
		SocketPath: filepath.Join(t.TempDir(), "arandu.sock"),
		Logger:     testLogger(),
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestResolveRaceYieldsOneServer(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "arandu.sock")
	handler := &recordingHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const launchers = 8
	type launch struct {
		outcome Outcome
		err     error
	}
	results := make(chan launch, launchers)
	serveDone := make(chan error, 1)
	gate := make(chan struct{})

	for i := 0; i < launchers; i++ {
		go func(i int) {
			<-gate
			outcome, err := Resolve(ctx, Options{
				SocketPath:     socketPath,
				Files:          []string{fmt.Sprintf("/docs/%d.md", i)},
				ForwardTimeout: 2 * time.Second,
				ProbeTimeout:   2 * time.Second,
				Logger:         testLogger(),
			})
			if err == nil && outcome.Role == RoleServer && outcome.Socket != nil {
				// The winner serves immediately, as the application does.
				srv := &ipc.Server{Handler: handler}
				go func() { serveDone <- srv.Serve(ctx, outcome.Socket) }()
			}
			results <- launch{outcome: outcome, err: err}
		}(i)
	}
	close(gate)

	var (
		servers       int
		clients       int
		forwarded     int
		serverOutcome Outcome
	)
	for i := 0; i < launchers; i++ {
		select {
		case l := <-results:
			require.NoError(t, l.err)
			switch l.outcome.Role {
			case RoleServer:
				servers++
				serverOutcome = l.outcome
			case RoleClient:
				clients++
				forwarded += l.outcome.Forwarded
			}
		case <-time.After(15 * time.Second):
			t.Fatal("timed out waiting for launchers")
		}
	}

	require.Equal(t, 1, servers, "exactly one launcher may own the instance")
	require.Equal(t, launchers-1, clients)
	require.Equal(t, launchers-1, forwarded)
	require.Len(t, handler.opens(), launchers-1)

	cancel()
	require.NoError(t, <-serveDone)
	require.NoError(t, serverOutcome.Close())
	_, err := os.Stat(socketPath)
	require.ErrorIs(t, err, os.ErrNotExist)
}
