package session

// Tracker is the session-facing subset of file watcher behavior. Watch
// retargets the tracker at the most recently opened document; Events
// delivers settled change notifications.
type Tracker interface {
	Watch(path string) error
	Events() <-chan string
}

// noopTracker never reports changes. Its nil events channel simply blocks
// in the session select.
type noopTracker struct{}

func (noopTracker) Watch(string) error    { return nil }
func (noopTracker) Events() <-chan string { return nil }
