// Package frontend hosts consumers for the session's UI signals. The
// windowing layer itself lives outside this module and supplies its own
// implementation when it embeds the core; Log is the headless stand-in
// that makes every signal visible in the structured log.
package frontend

import (
	"context"
	"log/slog"
)

// Log records each UI signal as a structured log line.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) OpenFile(_ context.Context, path string) {
	l.logger.Info("frontend open file", "path", path)
}

func (l *Log) FocusWindow(context.Context) {
	l.logger.Info("frontend focus window")
}

func (l *Log) ReloadFile(_ context.Context, path string) {
	l.logger.Info("frontend reload file", "path", path)
}
