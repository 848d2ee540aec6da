package cursor

// State is a position in the engine's lifecycle.
type State int

const (
	StateInitializing State = iota
	StateFetching
	StateMutating
	StateCheckpointing
	StateReconnecting
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateInitializing:  "Initializing",
	StateFetching:      "Fetching",
	StateMutating:      "Mutating",
	StateCheckpointing: "Checkpointing",
	StateReconnecting:  "Reconnecting",
	StateCompleted:     "Completed",
	StateFailed:        "Failed",
}

// String returns the state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// IsTerminal reports whether no further transitions follow s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}
