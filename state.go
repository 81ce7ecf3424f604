package jobwatch

// State is the position of a polling session in its lifecycle.
//
//	Initializing -> Polling -> {Polling, Backoff, Terminal, Error}
//	Backoff -> Polling (once the backoff deadline tick fires)
//
// Terminal and Error stop automatic ticks. A manual refetch can move an
// Error session back to Polling; Terminal is never left.
type State int

const (
	// StateInitializing is the state before the first fetch completes.
	StateInitializing State = iota

	// StatePolling means the next tick is scheduled one interval after the
	// last fetch completed.
	StatePolling

	// StateBackoff means the server rate-limited the session and fetches are
	// suppressed until the backoff deadline.
	StateBackoff

	// StateTerminal means the resource reached a terminal status.
	StateTerminal

	// StateError means the last fetch failed and automatic polling halted.
	StateError
)

var stateNames = [...]string{
	StateInitializing: "initializing",
	StatePolling:      "polling",
	StateBackoff:      "backoff",
	StateTerminal:     "terminal",
	StateError:        "error",
}

// String returns the lowercase name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler so states encode as names.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settled reports whether automatic polling has stopped in this state.
func (s State) Settled() bool {
	return s == StateTerminal || s == StateError
}
