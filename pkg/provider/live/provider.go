// Package live defines the Provider interface for persistent bidirectional
// audio-in / text-out streaming sessions.
//
// A live provider wraps a real-time, audio-capable text-generation service
// (e.g., the Gemini Live API). Unlike a speech-to-text session, the model
// itself decides what the text output is — the qsift direct-audio backend
// configures it with an extraction-only instruction so the session emits
// candidate question text rather than answers.
//
// The central abstraction is SessionHandle: a long-lived session that
// accepts raw PCM audio chunks and emits a single ordered stream of Events —
// incremental text deltas plus the externally-imposed turn boundaries
// (turn complete, interrupted) that the backend uses to delimit utterances.
//
// All implementations must be safe for concurrent use.
package live

import "context"

// SessionConfig is the initial configuration for a new live session.
type SessionConfig struct {
	// Instructions is the system-level prompt sent at session setup. For the
	// question pipeline this is the strict "extract questions only, never
	// answer" instruction.
	Instructions string

	// SampleRate is the PCM sample rate in Hz of audio sent via SendAudio.
	SampleRate int

	// Temperature controls output randomness. The pipeline uses a low value
	// for deterministic extraction.
	Temperature float64

	// MaxOutputTokens bounds the length of each generated turn. Zero uses
	// the provider default.
	MaxOutputTokens int
}

// EventType enumerates the kinds of events a live session emits.
type EventType int

const (
	// EventTextDelta carries an incremental text fragment for the current turn.
	EventTextDelta EventType = iota

	// EventTurnComplete signals that the model finished the current turn.
	// The accumulated deltas form one complete candidate utterance.
	EventTurnComplete

	// EventInterrupted signals that the model detected the speaker resuming
	// mid-generation. The in-progress turn must be treated as a false start.
	EventInterrupted
)

// String returns the human-readable event type name.
func (t EventType) String() string {
	switch t {
	case EventTextDelta:
		return "text_delta"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Event is a single item in a live session's output stream. Per-session
// event order matches the order the provider produced them.
type Event struct {
	// Type discriminates the event.
	Type EventType

	// Text is the incremental fragment for EventTextDelta; empty otherwise.
	Text string
}

// SessionHandle represents an open live session. It is an interface so that
// test code can supply mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a raw PCM audio chunk to the model. The chunk must
	// match the sample rate negotiated at Connect. Returns an error if the
	// session is closed or the transport rejects the write.
	SendAudio(chunk []byte) error

	// Events returns a read-only channel of session events in arrival order.
	// The channel is closed when the session ends; call [SessionHandle.Err]
	// afterwards to distinguish a clean close from a mid-stream failure.
	Events() <-chan Event

	// Err returns the error that caused the Events channel to close
	// prematurely, or nil if the session ended cleanly.
	Err() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any live audio-in / text-out backend.
//
// Implementations must be safe for concurrent use. The orchestrator opens
// one session per audio source.
type Provider interface {
	// Connect establishes a new live session with the given configuration.
	// The returned SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, setup rejection, or ctx already cancelled). The caller owns
	// the SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
