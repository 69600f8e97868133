// Package question holds the detected-question domain: the emitted question
// value, the shape validator and lexical pre-filter for candidate utterances,
// and the rolling deduplication window that suppresses near-duplicate
// detections.
package question

import (
	"time"

	"github.com/google/uuid"

	"github.com/qsift/qsift/pkg/audio"
)

// Provenance records which extraction path produced a question.
type Provenance string

const (
	// ProvenanceDirectAudio marks questions extracted by the single-hop
	// audio-to-text backend.
	ProvenanceDirectAudio Provenance = "direct-audio"

	// ProvenanceDetector marks questions extracted by the
	// transcribe-then-detect backend.
	ProvenanceDetector Provenance = "transcribe-then-detect"
)

// Detected is one surfaced question. Instances accumulate in the orchestrator
// until the caller clears them.
type Detected struct {
	// ID is globally unique.
	ID string

	// Text is the question text as extracted.
	Text string

	// Source identifies which audio channel the question was spoken on.
	Source audio.Source

	// Timestamp is when the question was surfaced.
	Timestamp time.Time

	// Confidence is the extraction confidence in [0, 1]. The direct-audio
	// path reports 1.0; the detector path reports the classifier's value
	// when available.
	Confidence float64

	// Provenance records the extraction path.
	Provenance Provenance
}

// NewDetected builds a Detected with a fresh unique ID and the current time.
func NewDetected(text string, source audio.Source, confidence float64, prov Provenance) Detected {
	return Detected{
		ID:         uuid.NewString(),
		Text:       text,
		Source:     source,
		Timestamp:  time.Now(),
		Confidence: confidence,
		Provenance: prov,
	}
}
