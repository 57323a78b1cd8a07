package inbound

import "fmt"

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateReconnecting
)

func (state State) String() string {
	switch state {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "InvalidState"
	}
}

func (state State) MarshalText() ([]byte, error) {
	return []byte(state.String()), nil
}

func (s State) validateTransitionTo(newState State) error {
	switch s {
	case StateStopped:
		if newState == StateStarting {
			return nil
		}
	case StateStarting:
		switch newState {
		case StateRunning, StateStopped:
			return nil
		}
	case StateRunning:
		// Running to Reconnecting happens when the stream breaks.
		switch newState {
		case StateReconnecting, StateStopped:
			return nil
		}
	case StateReconnecting:
		switch newState {
		case StateRunning, StateStopped:
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", s, newState)
}

func (state *State) UnmarshalText(text []byte) error {
	for s := StateStopped; s <= StateReconnecting; s++ {
		if s.String() == string(text) {
			*state = s
			return nil
		}
	}
	return fmt.Errorf("unknown listener state %q", text)
}
