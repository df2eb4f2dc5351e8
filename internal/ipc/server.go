package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultDrainGrace bounds how long Serve waits for in-flight connections
// after its context is cancelled.
const DefaultDrainGrace = 2 * time.Second

// Handler processes one decoded command and produces the reply frame.
type Handler interface {
	Handle(ctx context.Context, cmd Command) Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, cmd Command) Response

func (f HandlerFunc) Handle(ctx context.Context, cmd Command) Response {
	return f(ctx, cmd)
}

// Server accepts one-shot command connections on any stream listener.
// Every connection carries exactly one request frame and one reply frame;
// the server closes the connection after writing the reply.
type Server struct {
	Handler Handler
	Logger  *slog.Logger  // nil discards
	Grace   time.Duration // zero means DefaultDrainGrace
}

// Serve accepts connections until ctx is cancelled, then waits up to the
// drain grace for in-flight connections before returning. The listener is
// closed before Serve returns.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.Handler == nil {
		return errors.New("ipc: server has no handler")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	grace := s.Grace
	if grace <= 0 {
		grace = DefaultDrainGrace
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return drain(&wg, grace, logger)
			}
			return fmt.Errorf("accept connection: %w", err)
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer func() { _ = c.Close() }()
			s.handle(ctx, c, logger)
		}(conn)
	}
}

// handle performs the one-shot exchange on a single connection. A broken
// frame still gets an error reply; a connection that closes before sending
// anything is dropped without one.
func (s *Server) handle(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if len(line) == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			logger.Debug("dropped connection before request", "error", err.Error())
		}
		return
	}

	var resp Response
	cmd, decodeErr := DecodeCommand(line)
	if decodeErr != nil {
		logger.Warn("malformed request", "error", decodeErr.Error())
		resp = ErrorResponse("%v", decodeErr)
	} else {
		resp = s.Handler.Handle(ctx, cmd)
	}

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		logger.Debug("write response failed", "error", err.Error())
	}
}

func drain(wg *sync.WaitGroup, grace time.Duration, logger *slog.Logger) error {
	idle := make(chan struct{})
	go func() {
		wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-time.After(grace):
		logger.Warn("drain grace elapsed with connections still open", "grace", grace.String())
		return nil
	}
}
