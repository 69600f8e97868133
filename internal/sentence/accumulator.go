// Package sentence buffers streaming transcript fragments into complete
// utterances.
//
// Speech-to-text finals arrive as arbitrary fragments; the Accumulator
// concatenates them per source and flushes the buffer as one Utterance when
// a language-specific boundary pattern matches (low-latency path), when the
// provider signals end of utterance, or when a bounded timeout expires with
// no further input (stale-but-usable fallback). The buffer only ever grows
// between flushes.
package sentence

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// FlushReason records what triggered an utterance flush.
type FlushReason int

const (
	// FlushBoundary means a boundary pattern matched after an append.
	FlushBoundary FlushReason = iota

	// FlushTimeout means the accumulator timeout expired with a usable buffer.
	FlushTimeout

	// FlushEndOfUtterance means the transcription session signalled end of
	// utterance.
	FlushEndOfUtterance
)

// String returns the human-readable reason name.
func (r FlushReason) String() string {
	switch r {
	case FlushBoundary:
		return "boundary"
	case FlushTimeout:
		return "timeout"
	case FlushEndOfUtterance:
		return "end_of_utterance"
	default:
		return "unknown"
	}
}

// Utterance is one flushed buffer: the accumulated text for a source between
// flush boundaries.
type Utterance struct {
	// Text is the concatenated fragment text.
	Text string

	// StartedAt is when the first fragment after the previous flush arrived.
	StartedAt time.Time

	// Reason records what triggered the flush.
	Reason FlushReason
}

const (
	// DefaultTimeout is the fallback flush timeout when none is configured.
	DefaultTimeout = 1000 * time.Millisecond

	// DefaultMinFlushRunes is the minimum buffer length (in runes) for a
	// timeout-triggered flush. Shorter buffers wait for more input.
	DefaultMinFlushRunes = 4
)

// Accumulator buffers fragments for a single source. The flush callback runs
// on whichever goroutine triggered the flush (appender or timer); it must not
// call back into the Accumulator.
//
// All methods are safe for concurrent use.
type Accumulator struct {
	mu sync.Mutex

	patterns      PatternTable
	timeout       time.Duration
	minFlushRunes int
	onFlush       func(Utterance)

	buf       strings.Builder
	startedAt time.Time
	timer     *time.Timer
	closed    bool
}

// Option is a functional option for configuring an Accumulator.
type Option func(*Accumulator)

// WithTimeout sets the fallback flush timeout. Default is [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(a *Accumulator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithMinFlushRunes sets the minimum buffer length for a timeout flush.
// Default is [DefaultMinFlushRunes].
func WithMinFlushRunes(n int) Option {
	return func(a *Accumulator) {
		if n > 0 {
			a.minFlushRunes = n
		}
	}
}

// New creates an Accumulator that flushes according to patterns and delivers
// each flushed Utterance to onFlush.
func New(patterns PatternTable, onFlush func(Utterance), opts ...Option) *Accumulator {
	a := &Accumulator{
		patterns:      patterns,
		timeout:       DefaultTimeout,
		minFlushRunes: DefaultMinFlushRunes,
		onFlush:       onFlush,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Append adds a final transcript fragment to the buffer. If the buffer then
// matches a boundary pattern it is flushed immediately; otherwise the
// fallback timeout is (re)armed.
func (a *Accumulator) Append(fragment string) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}

	if a.buf.Len() == 0 {
		a.startedAt = time.Now()
	} else if a.patterns.Joiner != "" {
		a.buf.WriteString(a.patterns.Joiner)
	}
	a.buf.WriteString(fragment)

	if a.patterns.Matches(a.buf.String()) {
		utt := a.takeLocked(FlushBoundary)
		a.mu.Unlock()
		a.deliver(utt)
		return
	}

	a.armTimerLocked()
	a.mu.Unlock()
}

// FlushNow flushes the current buffer unconditionally (used for the
// provider's end-of-utterance marker). A no-op when the buffer is empty.
func (a *Accumulator) FlushNow() {
	a.mu.Lock()
	if a.closed || a.buf.Len() == 0 {
		a.mu.Unlock()
		return
	}
	utt := a.takeLocked(FlushEndOfUtterance)
	a.mu.Unlock()
	a.deliver(utt)
}

// Discard drops any buffered text without emitting. Used on pipeline stop so
// no partial utterance ever surfaces.
func (a *Accumulator) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

// Close discards the buffer and stops the timer permanently.
func (a *Accumulator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.resetLocked()
}

// Pending returns the current buffer content. Intended for tests.
func (a *Accumulator) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

// onTimeout is the timer callback for the fallback flush.
func (a *Accumulator) onTimeout() {
	a.mu.Lock()
	if a.closed || a.buf.Len() == 0 {
		a.mu.Unlock()
		return
	}
	// Too short to be usable on its own; hold the buffer and wait for the
	// next append to re-arm the timer.
	if utf8.RuneCountInString(a.buf.String()) < a.minFlushRunes {
		a.mu.Unlock()
		return
	}
	utt := a.takeLocked(FlushTimeout)
	a.mu.Unlock()
	a.deliver(utt)
}

// takeLocked extracts the buffer as an Utterance and resets state.
// Must be called with a.mu held.
func (a *Accumulator) takeLocked(reason FlushReason) Utterance {
	utt := Utterance{
		Text:      a.buf.String(),
		StartedAt: a.startedAt,
		Reason:    reason,
	}
	a.resetLocked()
	return utt
}

// resetLocked clears the buffer and stops any pending timer.
// Must be called with a.mu held.
func (a *Accumulator) resetLocked() {
	a.buf.Reset()
	a.startedAt = time.Time{}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// armTimerLocked (re)arms the fallback timeout.
// Must be called with a.mu held.
func (a *Accumulator) armTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.timeout, a.onTimeout)
}

func (a *Accumulator) deliver(utt Utterance) {
	if a.onFlush != nil {
		a.onFlush(utt)
	}
}
