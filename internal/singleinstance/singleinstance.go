// Package singleinstance decides whether this process becomes the running
// arandu instance or hands its arguments to one that already exists.
//
// The unix socket bind is the arbiter: whoever holds it is the instance.
// Everything else (probing, forwarding, stale reclaim) exists to route
// around the bind without ever producing two presumed owners.
package singleinstance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/arandu-app/arandu/internal/fsm"
	"github.com/arandu-app/arandu/internal/ipc"
)

type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

const (
	DefaultForwardTimeout = 220 * time.Millisecond
	DefaultProbeTimeout   = 180 * time.Millisecond
	DefaultBindRetries    = 8
)

// Options configure one resolution attempt.
type Options struct {
	// SocketPath is the unix socket location. Empty disables the local
	// socket transport.
	SocketPath string

	// TCPPort is the loopback fallback port. Zero disables the loopback
	// transport.
	TCPPort int

	// Files are the documents this invocation wants opened. Empty means
	// surface the existing window instead.
	Files []string

	ForwardTimeout time.Duration
	ProbeTimeout   time.Duration
	BindRetries    int

	Logger *slog.Logger
}

// Outcome is the resolved role plus, for a server, its bound listeners.
type Outcome struct {
	Role       Role
	State      fsm.State
	Socket     net.Listener
	TCP        net.Listener
	SocketPath string
	Forwarded  int
}

// Close releases everything the outcome acquired: both listeners and the
// socket file on disk.
func (o *Outcome) Close() error {
	var first error
	if o.Socket != nil {
		if err := o.Socket.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			first = err
		}
		o.Socket = nil
	}
	if o.TCP != nil {
		if err := o.TCP.Close(); err != nil && !errors.Is(err, net.ErrClosed) && first == nil {
			first = err
		}
		o.TCP = nil
	}
	if o.SocketPath != "" {
		if err := os.Remove(o.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) && first == nil {
			first = err
		}
		o.SocketPath = ""
	}
	return first
}

// Resolve arbitrates instance ownership. It forwards to a live instance
// when one answers; otherwise it binds the socket, reclaiming stale paths,
// and falls back to forwarding once more if another launcher wins the bind
// race in between.
func Resolve(ctx context.Context, opts Options) (Outcome, error) {
	opts = withDefaults(opts)
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	state := fsm.StateStarting
	cmds := commands(opts.Files)

	if delivered := forward(ctx, opts, cmds); delivered == len(cmds) {
		state = advance(opts.Logger, state, fsm.EventServerFound)
		state = advance(opts.Logger, state, fsm.EventForwarded)
		return Outcome{Role: RoleClient, State: state, Forwarded: delivered}, nil
	}

	var (
		socket     net.Listener
		socketPath string
	)
	if opts.SocketPath != "" {
		listener, err := ipc.Acquire(ctx, opts.SocketPath, opts.ProbeTimeout, opts.BindRetries)
		switch {
		case err == nil:
			socket = listener
			socketPath = opts.SocketPath
		case errors.Is(err, ipc.ErrAlreadyRunning):
			// Another launcher won the bind while we were checking. Hand
			// the arguments to the winner and exit.
			delivered := forward(ctx, opts, cmds)
			if delivered < len(cmds) {
				opts.Logger.Warn("instance that won the bind race is not answering",
					"delivered", delivered, "commands", len(cmds))
			}
			state = advance(opts.Logger, state, fsm.EventServerFound)
			state = advance(opts.Logger, state, fsm.EventForwarded)
			return Outcome{Role: RoleClient, State: state, Forwarded: delivered}, nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return Outcome{}, err
		default:
			// Includes ErrSocketHeld. The viewer still has to come up, so
			// run without the local socket rather than refuse to start.
			opts.Logger.Warn("local socket unavailable, continuing without it",
				"path", opts.SocketPath, "error", err.Error())
		}
	}

	var tcp net.Listener
	if opts.TCPPort > 0 {
		listener, err := ipc.ListenLoopback(opts.TCPPort)
		switch {
		case err == nil:
			tcp = listener
		case socket == nil && errors.Is(err, syscall.EADDRINUSE):
			// With no unix listener bound, a contended port may be another
			// launcher that just won. Only a ping round trip counts as
			// proof; a foreign holder on the port degrades as usual.
			if alive, _ := ipc.Probe(ctx, "tcp", ipc.LoopbackAddr(opts.TCPPort), opts.ProbeTimeout); alive {
				delivered := forward(ctx, opts, cmds)
				if delivered < len(cmds) {
					opts.Logger.Warn("instance that won the loopback bind race is not answering",
						"delivered", delivered, "commands", len(cmds))
				}
				state = advance(opts.Logger, state, fsm.EventServerFound)
				state = advance(opts.Logger, state, fsm.EventForwarded)
				return Outcome{Role: RoleClient, State: state, Forwarded: delivered}, nil
			}
			opts.Logger.Warn("loopback listener unavailable, continuing without it",
				"port", opts.TCPPort, "error", err.Error())
		default:
			opts.Logger.Warn("loopback listener unavailable, continuing without it",
				"port", opts.TCPPort, "error", err.Error())
		}
	}

	state = advance(opts.Logger, state, fsm.EventBound)
	return Outcome{
		Role:       RoleServer,
		State:      state,
		Socket:     socket,
		TCP:        tcp,
		SocketPath: socketPath,
	}, nil
}

// commands maps the invocation arguments to the frames a live instance
// should receive: one open per file, or a bare show.
func commands(files []string) []ipc.Command {
	if len(files) == 0 {
		return []ipc.Command{{Cmd: ipc.CmdShow}}
	}
	cmds := make([]ipc.Command, 0, len(files))
	for _, file := range files {
		cmds = append(cmds, ipc.Command{Cmd: ipc.CmdOpen, Path: file})
	}
	return cmds
}

// forward delivers commands one connection at a time and stops at the
// first command that completes no exchange. Only a full batch makes this
// process a client; anything less falls through to the bind path so the
// user is never left without a window.
func forward(ctx context.Context, opts Options, cmds []ipc.Command) int {
	delivered := 0
	for _, cmd := range cmds {
		resp, ok := sendOnce(ctx, opts, cmd)
		if !ok {
			return delivered
		}
		delivered++
		if !resp.OK() {
			opts.Logger.Warn("running instance rejected forwarded command",
				"cmd", cmd.Cmd, "message", resp.Message)
		}
	}
	return delivered
}

// sendOnce tries the unix socket, then the loopback port. It reports true
// only for a completed exchange.
func sendOnce(ctx context.Context, opts Options, cmd ipc.Command) (ipc.Response, bool) {
	if opts.SocketPath != "" {
		resp, err := ipc.Send(ctx, "unix", opts.SocketPath, cmd, opts.ForwardTimeout)
		if err == nil {
			return resp, true
		}
		if !ipc.IsNotRunning(err) {
			opts.Logger.Warn("unix forward failed", "path", opts.SocketPath, "error", err.Error())
		}
	}
	if opts.TCPPort > 0 {
		addr := ipc.LoopbackAddr(opts.TCPPort)
		resp, err := ipc.Send(ctx, "tcp", addr, cmd, opts.ForwardTimeout)
		if err == nil {
			return resp, true
		}
		if !ipc.IsNotRunning(err) {
			opts.Logger.Warn("loopback forward failed", "addr", addr, "error", err.Error())
		}
	}
	return ipc.Response{}, false
}

// advance applies one lifecycle event, logging rather than failing when a
// transition is off-script.
func advance(logger *slog.Logger, state fsm.State, event fsm.Event) fsm.State {
	next, err := fsm.Transition(state, event)
	if err != nil {
		logger.Warn("lifecycle transition rejected",
			"state", string(state), "event", string(event), "error", err.Error())
		return state
	}
	return next
}

func withDefaults(opts Options) Options {
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = DefaultForwardTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.BindRetries <= 0 {
		opts.BindRetries = DefaultBindRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return opts
}
