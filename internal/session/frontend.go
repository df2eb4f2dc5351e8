package session

import "context"

// Frontend receives fire-and-forget UI signals from the session loop. The
// windowing layer embedding this core supplies the real implementation.
type Frontend interface {
	OpenFile(ctx context.Context, path string)
	FocusWindow(ctx context.Context)
	ReloadFile(ctx context.Context, path string)
}

// noopFrontend preserves session flow when no frontend is wired.
type noopFrontend struct{}

func (noopFrontend) OpenFile(context.Context, string)   {}
func (noopFrontend) FocusWindow(context.Context)        {}
func (noopFrontend) ReloadFile(context.Context, string) {}
