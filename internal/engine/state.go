package engine

import "fmt"

type State int

const (
	StatePending State = iota
	StateDownloading
	StateRetrying
	StateDone
	StateError
	StateStop
)

var stateNames = map[State]string{
	StatePending:     "pending",
	StateDownloading: "downloading",
	StateRetrying:    "retrying",
	StateDone:        "done",
	StateError:       "error",
	StateStop:        "stop",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the state ends an attempt.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError || s == StateStop
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown download state %q", text)
}
