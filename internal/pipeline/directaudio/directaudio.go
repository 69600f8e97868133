// Package directaudio implements the single-hop extraction backend: raw
// per-source audio is streamed into a persistent audio-capable
// text-generation session whose only instruction is to surface spoken
// questions as text. Turn boundaries imposed by the endpoint delimit
// candidate utterances; an interrupted turn is a false start and is
// discarded unconditionally.
package directaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/qsift/qsift/internal/observe"
	"github.com/qsift/qsift/internal/pipeline"
	"github.com/qsift/qsift/internal/question"
	"github.com/qsift/qsift/pkg/audio"
	"github.com/qsift/qsift/pkg/provider/live"
)

const (
	defaultTemperature = 0.1
	defaultMaxTokens   = 256
)

// extractionInstructions is the system-level session prompt. The endpoint is
// a generation model, so the instruction is strict: extract, never answer.
const extractionInstructions = `You are a silent question extractor listening to one side of a live conversation.

Rules:
- When the speaker asks a question, output that question verbatim, exactly as spoken, and nothing else.
- NEVER answer, acknowledge, translate, or comment. Your output is the extracted question text only.
- If the speech contains no question, output nothing at all.
- Statements, greetings, and filler produce no output.`

// sourceSession tracks one open live session and its consumer goroutine.
type sourceSession struct {
	handle live.SessionHandle
	done   chan struct{}
}

// Backend implements [pipeline.Backend] over a [live.Provider].
type Backend struct {
	provider    live.Provider
	validator   *question.Validator
	log         *slog.Logger
	metrics     *observe.Metrics
	temperature float64
	maxTokens   int

	candidates chan pipeline.Candidate
	errs       chan pipeline.SessionError

	mu       sync.Mutex
	sessions map[audio.Source]*sourceSession
	states   map[audio.Source]pipeline.SessionState
}

// Ensure Backend satisfies the pipeline contract at compile time.
var _ pipeline.Backend = (*Backend)(nil)

// Option is a functional option for configuring a [Backend].
type Option func(*Backend)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(b *Backend) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Backend) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithTemperature sets the generation temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(b *Backend) {
		b.temperature = temp
	}
}

// WithMaxTokens bounds each generated turn. Default: 256.
func WithMaxTokens(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.maxTokens = n
		}
	}
}

// New constructs a direct-audio backend over provider. A nil provider is
// allowed; Prerequisites then fails and the orchestrator refuses to activate
// the backend.
func New(provider live.Provider, validator *question.Validator, opts ...Option) *Backend {
	b := &Backend{
		provider:    provider,
		validator:   validator,
		log:         slog.Default(),
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		candidates:  make(chan pipeline.Candidate, 32),
		errs:        make(chan pipeline.SessionError, 8),
		sessions:    make(map[audio.Source]*sourceSession, len(audio.Sources)),
		states:      make(map[audio.Source]pipeline.SessionState, len(audio.Sources)),
	}
	if b.validator == nil {
		b.validator = question.NewValidator()
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Mode identifies the strategy.
func (b *Backend) Mode() pipeline.Mode { return pipeline.ModeDirectAudio }

// Prerequisites reports whether a live provider is configured.
func (b *Backend) Prerequisites() error {
	if b.provider == nil {
		return errors.New("direct-audio backend: no live provider configured")
	}
	return nil
}

// Candidates returns the backend output stream.
func (b *Backend) Candidates() <-chan pipeline.Candidate { return b.candidates }

// Errors returns the absorbed session failure stream.
func (b *Backend) Errors() <-chan pipeline.SessionError { return b.errs }

// State reports the session state for one source.
func (b *Backend) State(src audio.Source) pipeline.SessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[src]
}

// OpenSource opens the live session for one source and starts its event
// consumer.
func (b *Backend) OpenSource(ctx context.Context, src audio.Source) error {
	if err := b.Prerequisites(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.sessions[src] != nil {
		b.mu.Unlock()
		return fmt.Errorf("direct-audio backend: %s session already open", src)
	}
	b.states[src] = pipeline.StateConnecting
	b.mu.Unlock()

	handle, err := b.provider.Connect(ctx, live.SessionConfig{
		Instructions:    extractionInstructions,
		SampleRate:      audio.SampleRate,
		Temperature:     b.temperature,
		MaxOutputTokens: b.maxTokens,
	})
	if err != nil {
		b.setState(src, pipeline.StateError)
		return fmt.Errorf("direct-audio backend: connect %s: %w", src, err)
	}

	sess := &sourceSession{handle: handle, done: make(chan struct{})}

	b.mu.Lock()
	b.sessions[src] = sess
	b.states[src] = pipeline.StateStreaming
	b.mu.Unlock()

	go b.consume(src, sess)

	b.log.Info("direct-audio session open", "source", src)
	return nil
}

// Feed sends one frame to the source's session. Send failures are logged and
// absorbed, never propagated.
func (b *Backend) Feed(frame audio.AudioFrame) {
	b.mu.Lock()
	sess := b.sessions[frame.Source]
	streaming := b.states[frame.Source] == pipeline.StateStreaming
	b.mu.Unlock()

	if sess == nil || !streaming {
		b.metrics.RecordFrameDropped(context.Background(), frame.Source.String(), "not_streaming")
		return
	}
	if err := sess.handle.SendAudio(frame.Data); err != nil {
		b.log.Warn("direct-audio send failed", "source", frame.Source, "error", err)
	}
}

// Close shuts down all open sessions and waits for their consumers to exit,
// so everything a session produced is already on the output channels when
// Close returns. The backend can be reopened afterwards.
func (b *Backend) Close() error {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[audio.Source]*sourceSession, len(audio.Sources))
	for src := range sessions {
		if b.states[src] == pipeline.StateStreaming {
			b.states[src] = pipeline.StateClosing
		}
	}
	b.mu.Unlock()

	var errs []error
	for src, sess := range sessions {
		if err := sess.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s session: %w", src, err))
		}
		<-sess.done
	}
	return errors.Join(errs...)
}

// consume reads the session event stream for one source, maintaining the
// per-source turn buffer.
func (b *Backend) consume(src audio.Source, sess *sourceSession) {
	defer close(sess.done)

	var buf strings.Builder
	var turnStart time.Time

	for ev := range sess.handle.Events() {
		switch ev.Type {
		case live.EventTextDelta:
			if buf.Len() == 0 {
				turnStart = time.Now()
			}
			buf.WriteString(ev.Text)

		case live.EventInterrupted:
			// The speaker resumed mid-generation: false start.
			if buf.Len() > 0 {
				b.log.Debug("turn interrupted, discarding buffer",
					"source", src, "runes", buf.Len())
				b.metrics.RecordQuestionSuppressed(context.Background(), src.String(), "interrupted")
			}
			buf.Reset()

		case live.EventTurnComplete:
			text := strings.TrimSpace(buf.String())
			buf.Reset()
			if text == "" {
				continue
			}
			b.metrics.TurnDuration.Record(context.Background(), time.Since(turnStart).Seconds())
			if !b.validator.Validate(text) {
				b.log.Debug("turn rejected by validator", "source", src, "text", text)
				b.metrics.RecordQuestionSuppressed(context.Background(), src.String(), "validation")
				continue
			}
			b.deliver(pipeline.Candidate{
				Text:       text,
				Source:     src,
				Confidence: 1.0,
				Provenance: question.ProvenanceDirectAudio,
			})
		}
	}

	// Event stream closed: clean close or mid-stream failure.
	if err := sess.handle.Err(); err != nil {
		b.setState(src, pipeline.StateError)
		select {
		case b.errs <- pipeline.SessionError{Source: src, Err: err}:
		default:
			b.log.Warn("session error dropped, error channel full",
				"source", src, "error", err)
		}
		return
	}
	b.setState(src, pipeline.StateClosed)
}

// deliver hands a candidate to the orchestrator without ever blocking the
// event consumer.
func (b *Backend) deliver(c pipeline.Candidate) {
	select {
	case b.candidates <- c:
	default:
		b.log.Warn("candidate dropped, output channel full",
			"source", c.Source, "text", c.Text)
	}
}

func (b *Backend) setState(src audio.Source, s pipeline.SessionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[src] = s
}
