// Package transcribe implements the two-hop extraction backend: per-source
// streaming speech-to-text feeds a sentence accumulator, and every completed
// utterance that passes the lexical pre-filter goes to the stateless
// question classifier.
//
// Classifier calls run on a single goroutine, so utterances from one source
// are classified in flush order.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qsift/qsift/internal/detect"
	"github.com/qsift/qsift/internal/observe"
	"github.com/qsift/qsift/internal/pipeline"
	"github.com/qsift/qsift/internal/question"
	"github.com/qsift/qsift/internal/sentence"
	"github.com/qsift/qsift/pkg/audio"
	"github.com/qsift/qsift/pkg/provider/stt"
)

const (
	// defaultEndpointingMs is the server-side silence threshold requested
	// from the STT provider.
	defaultEndpointingMs = 1000

	// defaultDetectTimeout bounds one classifier call.
	defaultDetectTimeout = 10 * time.Second
)

// flushItem is one completed utterance queued for classification.
type flushItem struct {
	text string
	src  audio.Source
}

// sourceSession is the per-source streaming state.
type sourceSession struct {
	handle stt.SessionHandle
	acc    *sentence.Accumulator
	done   chan struct{}
}

// Backend implements [pipeline.Backend] over an [stt.Provider] and a
// [detect.Detector].
type Backend struct {
	stt           stt.Provider
	detector      *detect.Detector
	patterns      sentence.PatternTable
	language      string
	log           *slog.Logger
	metrics       *observe.Metrics
	accTimeout    time.Duration
	endpointingMs int
	detectTimeout time.Duration

	candidates chan pipeline.Candidate
	errs       chan pipeline.SessionError

	mu           sync.Mutex
	sessions     map[audio.Source]*sourceSession
	states       map[audio.Source]pipeline.SessionState
	classifyCh   chan flushItem
	classifyDone chan struct{}
	cycleCancel  context.CancelFunc
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

// WithLanguage sets the recognition language tag and selects the matching
// sentence-boundary table. Default: "ja".
func WithLanguage(lang string) Option {
	return func(b *Backend) {
		if lang != "" {
			b.language = lang
			b.patterns = sentence.ForLanguage(lang)
		}
	}
}

// WithPatternTable overrides the sentence-boundary table independently of
// the language tag.
func WithPatternTable(table sentence.PatternTable) Option {
	return func(b *Backend) {
		b.patterns = table
	}
}

// WithAccumulatorTimeout sets the sentence-buffer fallback flush timeout.
// Default: [sentence.DefaultTimeout].
func WithAccumulatorTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.accTimeout = d
		}
	}
}

// WithEndpointing sets the server-side silence threshold in milliseconds.
// Default: 1000.
func WithEndpointing(ms int) Option {
	return func(b *Backend) {
		if ms > 0 {
			b.endpointingMs = ms
		}
	}
}

// WithDetectTimeout bounds one classifier call. Default: 10s.
func WithDetectTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.detectTimeout = d
		}
	}
}

// New constructs a transcribe-then-detect backend. Either dependency may be
// nil; Prerequisites then fails and the orchestrator refuses to activate the
// backend.
func New(provider stt.Provider, detector *detect.Detector, opts ...Option) *Backend {
	b := &Backend{
		stt:           provider,
		detector:      detector,
		patterns:      sentence.Japanese(),
		language:      "ja",
		log:           slog.Default(),
		accTimeout:    sentence.DefaultTimeout,
		endpointingMs: defaultEndpointingMs,
		detectTimeout: defaultDetectTimeout,
		candidates:    make(chan pipeline.Candidate, 32),
		errs:          make(chan pipeline.SessionError, 8),
		sessions:      make(map[audio.Source]*sourceSession, len(audio.Sources)),
		states:        make(map[audio.Source]pipeline.SessionState, len(audio.Sources)),
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
func (b *Backend) Mode() pipeline.Mode { return pipeline.ModeTranscribe }

// Prerequisites reports whether both the STT provider and the classifier are
// configured.
func (b *Backend) Prerequisites() error {
	if b.stt == nil {
		return errors.New("transcribe backend: no STT provider configured")
	}
	if b.detector == nil {
		return errors.New("transcribe backend: no question detector configured")
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

// OpenSource opens the STT session for one source, wires its accumulator,
// and starts the shared classifier worker on the first open of a cycle.
func (b *Backend) OpenSource(ctx context.Context, src audio.Source) error {
	if err := b.Prerequisites(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.sessions[src] != nil {
		b.mu.Unlock()
		return fmt.Errorf("transcribe backend: %s session already open", src)
	}
	b.states[src] = pipeline.StateConnecting
	b.mu.Unlock()

	handle, err := b.stt.StartStream(ctx, stt.StreamConfig{
		SampleRate:     audio.SampleRate,
		Channels:       audio.Channels,
		Language:       b.language,
		InterimResults: true,
		Punctuate:      true,
		EndpointingMs:  b.endpointingMs,
	})
	if err != nil {
		b.setState(src, pipeline.StateError)
		return fmt.Errorf("transcribe backend: start %s stream: %w", src, err)
	}

	sess := &sourceSession{
		handle: handle,
		done:   make(chan struct{}),
	}
	sess.acc = sentence.New(b.patterns, func(utt sentence.Utterance) {
		b.onFlush(src, utt)
	}, sentence.WithTimeout(b.accTimeout))

	b.mu.Lock()
	b.sessions[src] = sess
	b.states[src] = pipeline.StateStreaming
	if b.classifyCh == nil {
		b.classifyCh = make(chan flushItem, 32)
		b.classifyDone = make(chan struct{})
		cycleCtx, cancel := context.WithCancel(context.Background())
		b.cycleCancel = cancel
		go b.classify(cycleCtx, b.classifyCh, b.classifyDone)
	}
	b.mu.Unlock()

	go b.consume(src, sess)

	b.log.Info("transcription session open", "source", src, "language", b.language)
	return nil
}

// Feed sends one frame to the source's STT session. Send failures are logged
// and absorbed, never propagated.
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
		b.log.Warn("transcription send failed", "source", frame.Source, "error", err)
	}
}

// Close shuts down all sessions, discards buffered text, and stops the
// classifier worker. The backend can be reopened afterwards.
func (b *Backend) Close() error {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[audio.Source]*sourceSession, len(audio.Sources))
	for src := range sessions {
		if b.states[src] == pipeline.StateStreaming {
			b.states[src] = pipeline.StateClosing
		}
	}
	classifyDone := b.classifyDone
	cancel := b.cycleCancel
	b.classifyCh = nil
	b.classifyDone = nil
	b.cycleCancel = nil
	b.mu.Unlock()

	var errs []error
	for src, sess := range sessions {
		// Unflushed text never surfaces after a stop.
		sess.acc.Discard()
		sess.acc.Close()
		if err := sess.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s session: %w", src, err))
		}
		<-sess.done
	}

	if classifyDone != nil {
		cancel()
		<-classifyDone
	}
	return errors.Join(errs...)
}

// consume reads one source's transcript streams and drives the accumulator.
func (b *Backend) consume(src audio.Source, sess *sourceSession) {
	defer close(sess.done)

	finals := sess.handle.Finals()
	partials := sess.handle.Partials()
	utteranceEnds := sess.handle.UtteranceEnds()

	for {
		select {
		case tr, ok := <-finals:
			if !ok {
				b.sessionEnded(src)
				return
			}
			sess.acc.Append(tr.Text)

		case _, ok := <-partials:
			// Partials never feed the buffer; drain so the provider's
			// read loop cannot stall.
			if !ok {
				partials = nil
			}

		case _, ok := <-utteranceEnds:
			if !ok {
				utteranceEnds = nil
				continue
			}
			sess.acc.FlushNow()
		}
	}
}

// sessionEnded records the terminal state once a source's streams close.
func (b *Backend) sessionEnded(src audio.Source) {
	b.mu.Lock()
	state := b.states[src]
	b.mu.Unlock()

	if state == pipeline.StateClosing {
		b.setState(src, pipeline.StateClosed)
		return
	}
	// The provider closed the stream without Close being called.
	b.setState(src, pipeline.StateError)
	select {
	case b.errs <- pipeline.SessionError{Source: src, Err: errors.New("transcription stream ended unexpectedly")}:
	default:
		b.log.Warn("session error dropped, error channel full", "source", src)
	}
}

// onFlush is the accumulator callback: queue the utterance for
// classification without blocking the appender or timer goroutine.
func (b *Backend) onFlush(src audio.Source, utt sentence.Utterance) {
	b.metrics.RecordUtteranceFlush(context.Background(), src.String(), utt.Reason.String())
	b.log.Debug("utterance flushed",
		"source", src, "reason", utt.Reason, "text", utt.Text)

	b.mu.Lock()
	ch := b.classifyCh
	b.mu.Unlock()
	if ch == nil {
		return
	}

	select {
	case ch <- flushItem{text: utt.Text, src: src}:
	default:
		b.log.Warn("utterance dropped, classifier queue full",
			"source", src, "text", utt.Text)
	}
}

// classify is the single worker that runs detector calls in flush order.
// It exits on cycle cancellation; the items channel itself is never closed,
// so a straggling flush callback can never panic on send.
func (b *Backend) classify(ctx context.Context, items <-chan flushItem, done chan<- struct{}) {
	defer close(done)

	for {
		var item flushItem
		select {
		case <-ctx.Done():
			return
		case item = <-items:
		}

		if !question.Prefilter(item.text) {
			b.metrics.RecordQuestionSuppressed(ctx, item.src.String(), "prefilter")
			continue
		}

		detectCtx, cancel := context.WithTimeout(ctx, b.detectTimeout)
		start := time.Now()
		res, err := b.detector.Detect(detectCtx, item.text)
		cancel()
		b.metrics.DetectorDuration.Record(ctx, time.Since(start).Seconds())

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("classifier call failed", "source", item.src, "error", err)
			continue
		}
		if !res.Found() {
			b.metrics.RecordQuestionSuppressed(ctx, item.src.String(), "classifier")
			continue
		}

		select {
		case b.candidates <- pipeline.Candidate{
			Text:       res.Question,
			Source:     item.src,
			Confidence: res.Confidence,
			Provenance: question.ProvenanceDetector,
		}:
		default:
			b.log.Warn("candidate dropped, output channel full",
				"source", item.src, "text", res.Question)
		}
	}
}

func (b *Backend) setState(src audio.Source, s pipeline.SessionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[src] = s
}
