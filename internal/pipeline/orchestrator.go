package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qsift/qsift/internal/observe"
	"github.com/qsift/qsift/internal/question"
	"github.com/qsift/qsift/pkg/audio"
)

// DefaultOpenTimeout bounds the per-source session handshake during Start.
const DefaultOpenTimeout = 10 * time.Second

// Orchestrator owns both audio sources, selects the active backend, routes
// frames, and aggregates emitted questions. The per-source converters, dedup
// window, and question list are instance state: construct one Orchestrator
// per capture pair, never share across instances.
//
// All methods are safe for concurrent use.
type Orchestrator struct {
	log         *slog.Logger
	metrics     *observe.Metrics
	backends    map[Mode]Backend
	openTimeout time.Duration
	dedup       *question.DedupWindow
	converters  map[audio.Source]*audio.FormatConverter

	// lifecycle serialises Start, Stop, and SetMode.
	lifecycle sync.Mutex

	mu            sync.Mutex
	mode          Mode
	running       bool
	active        Backend
	openSessions  int64
	stopCh        chan struct{}
	collectorDone chan struct{}
	questions     []question.Detected
	subs          []chan question.Detected
}

// Option is a functional option for configuring an [Orchestrator].
type Option func(*Orchestrator)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithOpenTimeout bounds the session handshake during Start.
// Default: [DefaultOpenTimeout].
func WithOpenTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.openTimeout = d
		}
	}
}

// WithDedupWindow replaces the default dedup window, e.g. to tune the
// suppression interval or similarity threshold.
func WithDedupWindow(w *question.DedupWindow) Option {
	return func(o *Orchestrator) {
		if w != nil {
			o.dedup = w
		}
	}
}

// New constructs an Orchestrator over the given backends, starting in
// initial mode. At least the initial mode must have a registered backend.
func New(backends map[Mode]Backend, initial Mode, opts ...Option) (*Orchestrator, error) {
	if backends[initial] == nil {
		return nil, fmt.Errorf("no backend registered for initial mode %q", initial)
	}

	o := &Orchestrator{
		log:         slog.Default(),
		backends:    backends,
		openTimeout: DefaultOpenTimeout,
		dedup:       question.NewDedupWindow(),
		mode:        initial,
		converters:  make(map[audio.Source]*audio.FormatConverter, len(audio.Sources)),
	}
	for _, src := range audio.Sources {
		o.converters[src] = &audio.FormatConverter{Target: audio.PipelineFormat}
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// Mode returns the currently selected pipeline mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// Running reports whether the pipeline is started.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Start opens both per-source sessions on the active backend. An opponent
// session failure is degraded to a warning: the pipeline runs on the user
// source alone. A user session failure aborts startup entirely. Calling
// Start while already running is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	return o.startLocked(ctx)
}

// Stop closes all sessions and discards unflushed buffers. After Stop
// returns, no further questions are emitted. Stop when not started is a
// no-op.
func (o *Orchestrator) Stop() error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	return o.stopLocked()
}

// SetMode switches the extraction strategy. The switch is rejected, keeping
// the current mode, when the target backend is missing or its prerequisites
// (e.g. credential) are unmet. When the pipeline is running, the switch
// restarts it on the new backend.
func (o *Orchestrator) SetMode(ctx context.Context, mode Mode) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	backend := o.backends[mode]
	if backend == nil {
		o.log.Warn("mode switch rejected, no backend registered", "mode", mode)
		return fmt.Errorf("no backend registered for mode %q", mode)
	}
	if err := backend.Prerequisites(); err != nil {
		o.log.Warn("mode switch rejected, prerequisites unmet",
			"mode", mode, "error", err)
		return fmt.Errorf("mode %q prerequisites: %w", mode, err)
	}

	o.mu.Lock()
	running := o.running
	current := o.mode
	o.mu.Unlock()

	if mode == current {
		return nil
	}

	if !running {
		o.mu.Lock()
		o.mode = mode
		o.mu.Unlock()
		o.log.Info("pipeline mode changed", "mode", mode)
		return nil
	}

	// Live switch: stop the current backend, then start the new one.
	if err := o.stopLocked(); err != nil {
		o.log.Warn("error closing previous backend during mode switch", "error", err)
	}
	o.mu.Lock()
	o.mode = mode
	o.mu.Unlock()
	o.log.Info("pipeline mode changed", "mode", mode)
	return o.startLocked(ctx)
}

// startLocked implements Start. Caller holds o.lifecycle.
func (o *Orchestrator) startLocked(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		o.log.Debug("start ignored, pipeline already running")
		return nil
	}
	mode := o.mode
	o.mu.Unlock()

	backend := o.backends[mode]
	if backend == nil {
		return fmt.Errorf("no backend registered for mode %q", mode)
	}
	if err := backend.Prerequisites(); err != nil {
		return fmt.Errorf("mode %q prerequisites: %w", mode, err)
	}

	openCtx, cancel := context.WithTimeout(ctx, o.openTimeout)
	defer cancel()

	// Open both sources in parallel. The user source is mandatory; the
	// opponent source degrades to a warning so the pipeline still serves
	// the microphone side when system-audio capture is unavailable.
	var g errgroup.Group
	for _, src := range audio.Sources {
		g.Go(func() error {
			err := backend.OpenSource(openCtx, src)
			if err == nil {
				return nil
			}
			if src == audio.SourceUser {
				return fmt.Errorf("open %s session: %w", src, err)
			}
			o.log.Warn("opponent session unavailable, continuing with user source only",
				"mode", mode, "error", err)
			o.metrics.RecordSessionError(ctx, src.String(), string(mode))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = backend.Close()
		o.drain(backend)
		return err
	}

	var open int64
	for _, src := range audio.Sources {
		if backend.State(src).Active() {
			open++
		}
	}
	o.metrics.ActiveSessions.Add(ctx, open)

	stopCh := make(chan struct{})
	done := make(chan struct{})

	o.mu.Lock()
	o.running = true
	o.active = backend
	o.openSessions = open
	o.stopCh = stopCh
	o.collectorDone = done
	o.mu.Unlock()

	go o.collect(backend, stopCh, done)

	o.log.Info("pipeline started", "mode", mode, "sessions", open)
	return nil
}

// stopLocked implements Stop. Caller holds o.lifecycle.
func (o *Orchestrator) stopLocked() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		o.log.Debug("stop ignored, pipeline not running")
		return nil
	}
	o.running = false
	backend := o.active
	o.active = nil
	open := o.openSessions
	o.openSessions = 0
	stopCh := o.stopCh
	done := o.collectorDone
	o.mu.Unlock()

	close(stopCh)
	<-done

	err := backend.Close()

	// The candidate and error channels persist across open/close cycles;
	// drain anything produced during shutdown so it cannot surface after a
	// restart.
	o.drain(backend)

	o.metrics.ActiveSessions.Add(context.Background(), -open)
	o.log.Info("pipeline stopped")
	return err
}

// drain empties the backend's output channels without emitting.
func (o *Orchestrator) drain(backend Backend) {
	for {
		select {
		case <-backend.Candidates():
		case <-backend.Errors():
		default:
			return
		}
	}
}

// Feed routes one audio frame to the active backend, normalising its format
// first. Frames arriving while the pipeline is stopped are dropped. Feed
// never blocks on network I/O and never returns an error to the caller.
func (o *Orchestrator) Feed(frame audio.AudioFrame) {
	ctx := context.Background()

	if !frame.Source.IsValid() {
		o.metrics.RecordFrameDropped(ctx, frame.Source.String(), "invalid_source")
		return
	}

	o.mu.Lock()
	running := o.running
	backend := o.active
	mode := o.mode
	o.mu.Unlock()

	if !running {
		o.metrics.RecordFrameDropped(ctx, frame.Source.String(), "stopped")
		return
	}

	frame = o.converters[frame.Source].Convert(frame)
	if len(frame.Data) == 0 {
		o.metrics.RecordFrameDropped(ctx, frame.Source.String(), "corrupt")
		return
	}

	backend.Feed(frame)
	o.metrics.RecordFrameRouted(ctx, frame.Source.String(), string(mode))
}

// Questions returns a copy of the accumulated detected questions in
// emission order.
func (o *Orchestrator) Questions() []question.Detected {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]question.Detected, len(o.questions))
	copy(out, o.questions)
	return out
}

// ClearQuestions resets the accumulated question list. The dedup window is
// left intact so a cleared question does not immediately resurface.
func (o *Orchestrator) ClearQuestions() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.questions = nil
}

// Subscribe registers a listener for detected questions. Events are
// delivered best-effort: a subscriber that falls behind misses events rather
// than stalling the pipeline. The returned cancel function unregisters the
// subscriber and closes the channel, so range loops over it terminate; events
// still buffered at cancel time are discarded with it. Call cancel exactly
// once.
func (o *Orchestrator) Subscribe() (<-chan question.Detected, func()) {
	ch := make(chan question.Detected, 16)
	o.mu.Lock()
	o.subs = append(o.subs, ch)
	o.mu.Unlock()

	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, sub := range o.subs {
			if sub == ch {
				o.subs = slices.Delete(o.subs, i, i+1)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// States reports the per-source session state of the active backend, or
// StateIdle for both sources when the pipeline is stopped. Intended for
// coarse connectivity display.
func (o *Orchestrator) States() map[audio.Source]SessionState {
	o.mu.Lock()
	backend := o.active
	o.mu.Unlock()

	states := make(map[audio.Source]SessionState, len(audio.Sources))
	for _, src := range audio.Sources {
		if backend != nil {
			states[src] = backend.State(src)
		} else {
			states[src] = StateIdle
		}
	}
	return states
}

// collect consumes backend output until stopCh closes.
func (o *Orchestrator) collect(backend Backend, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stopCh:
			return
		case c := <-backend.Candidates():
			o.emit(c)
		case e := <-backend.Errors():
			o.log.Warn("session error absorbed",
				"source", e.Source, "mode", backend.Mode(), "error", e.Err)
			o.metrics.RecordSessionError(context.Background(), e.Source.String(), string(backend.Mode()))
		}
	}
}

// emit runs a candidate through the dedup window and surfaces it. A candidate
// racing a Stop is dropped before it can touch the dedup window, so a question
// swallowed during shutdown stays eligible after a restart.
func (o *Orchestrator) emit(c Candidate) {
	ctx := context.Background()

	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	if !o.dedup.Admit(c.Text) {
		o.mu.Unlock()
		o.log.Debug("duplicate question suppressed", "source", c.Source, "text", c.Text)
		o.metrics.RecordQuestionSuppressed(ctx, c.Source.String(), "dedup")
		return
	}
	q := question.NewDetected(c.Text, c.Source, c.Confidence, c.Provenance)
	o.questions = append(o.questions, q)
	// Fan out under the lock so a concurrent unsubscribe cannot close a
	// channel mid-send. Sends never block.
	for _, ch := range o.subs {
		select {
		case ch <- q:
		default:
		}
	}
	o.mu.Unlock()

	o.metrics.RecordQuestionDetected(ctx, q.Source.String(), string(q.Provenance))
	o.log.Info("question detected",
		"source", q.Source, "provenance", q.Provenance,
		"confidence", q.Confidence, "text", q.Text)
}
