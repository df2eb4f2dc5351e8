// Package session coordinates the viewer session: dispatching commands
// from the IPC listeners, serializing UI signals, and tracking the open
// document.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arandu-app/arandu/internal/ipc"
)

// signalQueueDepth bounds how many accepted-but-undelivered UI signals may
// pile up while the session loop is busy.
const signalQueueDepth = 16

type signalKind int

const (
	signalOpen signalKind = iota + 1
	signalFocus
)

type signal struct {
	kind signalKind
	path string
}

// Result is the lifecycle summary returned by one Run invocation.
type Result struct {
	FilesOpened int
	Reloads     int
	LastPath    string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Controller owns the session loop. Command handlers running on listener
// goroutines talk to it through Handle; the loop itself is single-threaded
// so frontend signals arrive in acceptance order.
type Controller struct {
	logger   *slog.Logger
	frontend Frontend
	history  Recorder
	tracker  Tracker

	signals chan signal

	done      chan struct{}
	closeOnce sync.Once
}

// NewController constructs a session controller with safe default
// fallbacks for any collaborator left nil.
func NewController(
	logger *slog.Logger,
	frontend Frontend,
	history Recorder,
	tracker Tracker,
) *Controller {
	if frontend == nil {
		frontend = noopFrontend{}
	}
	if history == nil {
		history = RecordFunc(func(context.Context, string, time.Time) error { return nil })
	}
	if tracker == nil {
		tracker = noopTracker{}
	}

	return &Controller{
		logger:   logger,
		frontend: frontend,
		history:  history,
		tracker:  tracker,
		signals:  make(chan signal, signalQueueDepth),
		done:     make(chan struct{}),
	}
}

// Handle serves one decoded IPC command. Ping never touches the session
// loop and stays answerable through shutdown; open and show enqueue a
// signal and report receipt, not completion.
func (c *Controller) Handle(ctx context.Context, cmd ipc.Command) ipc.Response {
	switch cmd.Cmd {
	case ipc.CmdPing:
		return ipc.OKResponse()
	case ipc.CmdShow:
		return c.enqueue(ctx, signal{kind: signalFocus})
	case ipc.CmdOpen:
		if cmd.Path == "" {
			return ipc.ErrorResponse(`open: missing "path" field`)
		}
		return c.enqueue(ctx, signal{kind: signalOpen, path: cmd.Path})
	default:
		return ipc.ErrorResponse("unknown command: %s", cmd.Cmd)
	}
}

func (c *Controller) enqueue(ctx context.Context, s signal) ipc.Response {
	select {
	case <-c.done:
		return ipc.ErrorResponse("session closed")
	default:
	}

	select {
	case c.signals <- s:
		return ipc.OKResponse()
	case <-c.done:
		return ipc.ErrorResponse("session closed")
	case <-ctx.Done():
		return ipc.ErrorResponse("session shutting down")
	}
}

// Run drains signals and change notifications until ctx is cancelled,
// then marks the session closed so late commands fail cleanly.
func (c *Controller) Run(ctx context.Context) Result {
	result := Result{StartedAt: time.Now()}
	changes := c.tracker.Events()

	for {
		select {
		case <-ctx.Done():
			c.close()
			result.FinishedAt = time.Now()
			return result

		case s := <-c.signals:
			switch s.kind {
			case signalOpen:
				c.openFile(ctx, s.path, &result)
			case signalFocus:
				c.frontend.FocusWindow(ctx)
			}

		case path, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			result.Reloads++
			c.frontend.ReloadFile(ctx, path)
		}
	}
}

// openFile pushes the document at the frontend and records the visit.
// History and watch failures degrade to log lines; the open itself landed.
func (c *Controller) openFile(ctx context.Context, path string, result *Result) {
	c.frontend.OpenFile(ctx, path)
	result.FilesOpened++
	result.LastPath = path

	if err := c.history.Record(ctx, path, time.Now()); err != nil {
		c.logger.Warn("history update failed", "path", path, "error", err.Error())
	}
	if err := c.tracker.Watch(path); err != nil {
		c.logger.Warn("watch retarget failed", "path", path, "error", err.Error())
	}
}

func (c *Controller) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
