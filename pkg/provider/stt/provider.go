// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram)
// and exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM audio frames and
// emits two streams of Transcript values — low-latency partials for
// responsiveness and authoritative finals that feed the sentence
// accumulator. Sessions additionally surface the provider's silence-based
// end-of-utterance marker so the pipeline can flush a pending utterance
// even when no terminal punctuation was recognised.
//
// Implementations must be safe for concurrent use. Audio input and
// transcript output channels are goroutine-safe by construction.
package stt

import "context"

// StreamConfig describes the audio format and recognition settings for a new
// STT session. All fields must be compatible with what the underlying
// provider supports.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The pipeline feeds 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "ja",
	// "en-US"). An empty string lets the provider auto-detect, if supported.
	Language string

	// InterimResults requests low-latency partial transcripts in addition to
	// finals.
	InterimResults bool

	// Punctuate requests punctuation in recognition output. The sentence
	// accumulator's boundary patterns depend on it.
	Punctuate bool

	// EndpointingMs is the server-side silence threshold in milliseconds
	// after which the provider finalises the current utterance. Zero uses
	// the provider default.
	EndpointingMs int
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to
// do so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the format agreed in StreamConfig.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits interim Transcript
	// values as the provider makes preliminary guesses. Suitable for driving
	// activity indicators; never fed into the sentence accumulator.
	// The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. These
	// are the fragments appended to the per-source utterance buffer.
	// The channel is closed when the session ends.
	Finals() <-chan Transcript

	// UtteranceEnds returns a read-only channel that fires once per detected
	// end of utterance (the provider's silence-based endpointing marker).
	// The channel is closed when the session ends.
	UtteranceEnds() <-chan struct{}

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the output channels will
	// be closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per audio source).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
