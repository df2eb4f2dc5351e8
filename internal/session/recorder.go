package session

import (
	"context"
	"time"
)

// Recorder is the session-facing subset of history behavior.
type Recorder interface {
	Record(ctx context.Context, path string, openedAt time.Time) error
}

// RecordFunc adapts a function to the Recorder interface.
type RecordFunc func(ctx context.Context, path string, openedAt time.Time) error

func (f RecordFunc) Record(ctx context.Context, path string, openedAt time.Time) error {
	return f(ctx, path, openedAt)
}
