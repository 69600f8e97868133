package pipeline

// SessionState tracks the lifecycle of one per-source backend session.
//
// The happy path is Idle → Connecting → Streaming → Closing → Closed.
// StateError is reachable from Connecting or Streaming and is terminal for
// that session instance: the backend never auto-reconnects, recovery is an
// explicit Stop+Start on the orchestrator.
type SessionState int

const (
	// StateIdle means no session has been opened.
	StateIdle SessionState = iota

	// StateConnecting means the session handshake is in progress.
	StateConnecting

	// StateStreaming means the session is open and accepting audio.
	StateStreaming

	// StateClosing means an orderly shutdown is in progress.
	StateClosing

	// StateClosed means the session ended cleanly.
	StateClosed

	// StateError means the session failed to open or errored mid-stream.
	// Terminal for this session instance.
	StateError
)

// String returns the human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Active reports whether the session is usable for audio input.
func (s SessionState) Active() bool {
	return s == StateStreaming
}
