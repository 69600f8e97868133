// Package audio defines the audio frame contract between capture adapters
// and the qsift question pipeline.
//
// Capture adapters (microphone tap, system-audio tap) are external
// collaborators: they own device acquisition and platform permission
// handling, and deliver raw PCM frames tagged with their [Source]. The
// pipeline consumes frames immediately and never persists them.
package audio

import "time"

// Pipeline audio contract. Adapters should deliver frames in this format;
// [FormatConverter] normalises frames that arrive in a different one.
const (
	// SampleRate is the pipeline-native sample rate in Hz.
	SampleRate = 16000

	// Channels is the pipeline-native channel count (mono).
	Channels = 1

	// ChunkDuration is the nominal duration of one captured frame.
	ChunkDuration = 200 * time.Millisecond
)

// Source identifies which of the two audio channels a frame belongs to.
type Source int

const (
	// SourceUser is the local microphone channel.
	SourceUser Source = iota

	// SourceOpponent is the ambient / system-playback channel.
	SourceOpponent
)

// Sources lists all valid sources in a stable order. Useful for iterating
// per-source state.
var Sources = [...]Source{SourceUser, SourceOpponent}

// String returns the human-readable source name.
func (s Source) String() string {
	switch s {
	case SourceUser:
		return "user"
	case SourceOpponent:
		return "opponent"
	default:
		return "unknown"
	}
}

// IsValid reports whether s is one of the two recognised sources.
func (s Source) IsValid() bool {
	return s == SourceUser || s == SourceOpponent
}

// AudioFrame is a single chunk of captured audio flowing into the pipeline.
// Frames are the atomic transport unit: roughly 200 ms of 16-bit signed
// little-endian PCM, tagged with the source that captured them.
type AudioFrame struct {
	// Data is the raw PCM payload (s16le).
	Data []byte

	// Source tags which capture channel produced this frame.
	Source Source

	// SampleRate in Hz. Zero is treated as the pipeline-native rate.
	SampleRate int

	// Channels is the channel count. Zero is treated as mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	// Capture adapters must supply monotonically increasing values per source.
	Timestamp time.Duration
}
