package fsm

import "fmt"

type State string

type Event string

const (
	StateStarting   State = "starting"
	StateForwarding State = "forwarding"
	StateServing    State = "serving"
	StateDraining   State = "draining"
	StateStopped    State = "stopped"
)

const (
	EventServerFound Event = "server-found"
	EventBound       Event = "bound"
	EventForwarded   Event = "forwarded"
	EventShutdown    Event = "shutdown"
	EventDrained     Event = "drained"
	EventAbort       Event = "abort"
)

func Transition(current State, event Event) (State, error) {
	if event == EventAbort {
		return StateStopped, nil
	}

	switch current {
	case StateStarting:
		switch event {
		case EventServerFound:
			return StateForwarding, nil
		case EventBound:
			return StateServing, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateForwarding:
		switch event {
		case EventForwarded:
			return StateStopped, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateServing:
		switch event {
		case EventShutdown:
			return StateDraining, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateDraining:
		switch event {
		case EventDrained:
			return StateStopped, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateStopped:
		return current, invalidTransition(current, event)
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
