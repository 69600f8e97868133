// Package pipeline contains the question-extraction pipeline core: the
// backend contract shared by the two extraction strategies, the per-source
// session state machine, and the orchestrator that owns both audio sources
// and aggregates detected questions.
package pipeline

import (
	"context"
	"fmt"

	"github.com/qsift/qsift/internal/question"
	"github.com/qsift/qsift/pkg/audio"
)

// Mode selects which extraction strategy is active. Exactly one backend is
// active per orchestrator at any time.
type Mode string

const (
	// ModeDirectAudio streams raw audio into an audio-capable text-generation
	// endpoint and reads extracted questions from its turns.
	ModeDirectAudio Mode = "direct-audio"

	// ModeTranscribe transcribes speech to text, buffers it into utterances,
	// and classifies each utterance with a text model.
	ModeTranscribe Mode = "transcribe-then-detect"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDirectAudio:
		return ModeDirectAudio, nil
	case ModeTranscribe:
		return ModeTranscribe, nil
	default:
		return "", fmt.Errorf("unknown pipeline mode %q", s)
	}
}

// Candidate is question text surfaced by a backend before deduplication.
// The orchestrator owns the dedup window and the final emission decision.
type Candidate struct {
	// Text is the candidate question text.
	Text string

	// Source is the audio channel the text was spoken on.
	Source audio.Source

	// Confidence is the backend's extraction confidence in [0, 1].
	Confidence float64

	// Provenance records which strategy produced the candidate.
	Provenance question.Provenance
}

// SessionError reports a mid-stream or open failure on one source. Backends
// deliver these on their Errors channel; the orchestrator logs and absorbs
// them without touching the other source.
type SessionError struct {
	Source audio.Source
	Err    error
}

// Error implements the error interface.
func (e SessionError) Error() string {
	return fmt.Sprintf("%s session: %v", e.Source, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e SessionError) Unwrap() error { return e.Err }

// Backend is one of the two interchangeable strategies for turning per-source
// audio into candidate questions. A backend instance is long-lived and can be
// opened and closed repeatedly by the orchestrator.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Mode identifies the strategy.
	Mode() Mode

	// Prerequisites reports whether the backend is able to open sessions
	// (configured provider, credential present). A non-nil error makes the
	// orchestrator reject a switch to this backend.
	Prerequisites() error

	// OpenSource opens the streaming session for one source. It blocks until
	// the session handshake completes or ctx expires. A failure affects only
	// this source.
	OpenSource(ctx context.Context, src audio.Source) error

	// Feed delivers one normalised audio frame to the source's session.
	// It never blocks on network I/O and never returns transport errors;
	// frames for sources without a streaming session are dropped.
	Feed(frame audio.AudioFrame)

	// Close shuts down all open sessions and discards in-progress buffers.
	// The backend remains reusable: a later OpenSource starts fresh sessions.
	Close() error

	// State reports the session state for one source.
	State(src audio.Source) SessionState

	// Candidates returns the backend's output stream. The channel is
	// persistent across open/close cycles and is never closed by the backend.
	Candidates() <-chan Candidate

	// Errors returns the stream of absorbed session failures, persistent
	// like Candidates.
	Errors() <-chan SessionError
}
