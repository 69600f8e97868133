package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qsift/qsift/internal/question"
	"github.com/qsift/qsift/pkg/audio"
)

// fakeBackend is a scriptable Backend implementation for orchestrator tests.
type fakeBackend struct {
	mode      Mode
	prereqErr error

	mu         sync.Mutex
	openErr    map[audio.Source]error
	states     map[audio.Source]SessionState
	openCalls  int
	closeCalls int
	fed        []audio.AudioFrame

	candidates chan Candidate
	errs       chan SessionError
}

func newFakeBackend(mode Mode) *fakeBackend {
	return &fakeBackend{
		mode:       mode,
		openErr:    make(map[audio.Source]error),
		states:     make(map[audio.Source]SessionState),
		candidates: make(chan Candidate, 32),
		errs:       make(chan SessionError, 8),
	}
}

func (f *fakeBackend) Mode() Mode           { return f.mode }
func (f *fakeBackend) Prerequisites() error { return f.prereqErr }

func (f *fakeBackend) OpenSource(_ context.Context, src audio.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	if err := f.openErr[src]; err != nil {
		f.states[src] = StateError
		return err
	}
	f.states[src] = StateStreaming
	return nil
}

func (f *fakeBackend) Feed(frame audio.AudioFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fed = append(f.fed, frame)
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	for src, s := range f.states {
		if s == StateStreaming {
			f.states[src] = StateClosed
		}
	}
	return nil
}

func (f *fakeBackend) State(src audio.Source) SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[src]
}

func (f *fakeBackend) Candidates() <-chan Candidate { return f.candidates }
func (f *fakeBackend) Errors() <-chan SessionError  { return f.errs }

func (f *fakeBackend) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCalls
}

func (f *fakeBackend) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *fakeBackend) frames() []audio.AudioFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]audio.AudioFrame, len(f.fed))
	copy(out, f.fed)
	return out
}

func newOrchestrator(t *testing.T, backends map[Mode]Backend, initial Mode) *Orchestrator {
	t.Helper()
	o, err := New(backends, initial)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func waitQuestions(t *testing.T, o *Orchestrator, n int) []question.Detected {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if qs := o.Questions(); len(qs) >= n {
			return qs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("questions = %d, want %d", len(o.Questions()), n)
	return nil
}

func TestNewRequiresInitialBackend(t *testing.T) {
	t.Parallel()

	if _, err := New(map[Mode]Backend{}, ModeTranscribe); err == nil {
		t.Error("expected error for missing initial backend")
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	if m, err := ParseMode("direct-audio"); err != nil || m != ModeDirectAudio {
		t.Errorf("ParseMode(direct-audio) = %v, %v", m, err)
	}
	if m, err := ParseMode("transcribe-then-detect"); err != nil || m != ModeTranscribe {
		t.Errorf("ParseMode(transcribe-then-detect) = %v, %v", m, err)
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestStartOpensBothSourcesIdempotently(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb}, ModeTranscribe)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = o.Stop() })

	if got := fb.opens(); got != 2 {
		t.Errorf("open calls = %d, want 2", got)
	}
	if !o.Running() {
		t.Error("orchestrator should report running")
	}

	// A second Start must not open duplicate sessions.
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := fb.opens(); got != 2 {
		t.Errorf("open calls after repeat Start = %d, want 2", got)
	}
}

func TestStopWhenNotStartedIsNoop(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb}, ModeTranscribe)

	if err := o.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := fb.closes(); got != 0 {
		t.Errorf("close calls = %d, want 0", got)
	}
}

func TestUserSessionFailureAbortsStart(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	fb.openErr[audio.SourceUser] = errors.New("microphone session rejected")
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb}, ModeTranscribe)

	if err := o.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
	if o.Running() {
		t.Error("orchestrator should not be running")
	}
	if got := fb.closes(); got != 1 {
		t.Errorf("close calls = %d, want 1 (cleanup after abort)", got)
	}
}

func TestOpponentSessionFailureDegrades(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeDirectAudio)
	fb.openErr[audio.SourceOpponent] = errors.New("system audio capture unavailable")
	o := newOrchestrator(t, map[Mode]Backend{ModeDirectAudio: fb}, ModeDirectAudio)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start should degrade, got: %v", err)
	}
	t.Cleanup(func() { _ = o.Stop() })

	if !o.Running() {
		t.Fatal("orchestrator should be running on the user source alone")
	}
	states := o.States()
	if states[audio.SourceUser] != StateStreaming {
		t.Errorf("user state = %v", states[audio.SourceUser])
	}
	if states[audio.SourceOpponent] != StateError {
		t.Errorf("opponent state = %v", states[audio.SourceOpponent])
	}
}

func TestFeedRoutesInOrder(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb}, ModeTranscribe)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = o.Stop() })

	for i := range 5 {
		o.Feed(audio.AudioFrame{
			Data:      []byte{byte(i), 0},
			Source:    audio.SourceUser,
			Timestamp: time.Duration(i) * audio.ChunkDuration,
		})
	}
	o.Feed(audio.AudioFrame{Data: []byte{9, 0}, Source: audio.SourceOpponent})

	frames := fb.frames()
	if len(frames) != 6 {
		t.Fatalf("routed frames = %d, want 6", len(frames))
	}
	for i := range 5 {
		if frames[i].Source != audio.SourceUser || frames[i].Data[0] != byte(i) {
			t.Fatalf("frame %d out of order: %+v", i, frames[i])
		}
	}
}

func TestFeedDroppedWhenStopped(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb}, ModeTranscribe)

	o.Feed(audio.AudioFrame{Data: []byte{1, 2}, Source: audio.SourceUser})
	if got := len(fb.frames()); got != 0 {
		t.Errorf("frames routed while stopped = %d, want 0", got)
	}
}

func TestFeedDropsCorruptFrames(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb}, ModeTranscribe)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = o.Stop() })

	// Odd byte count cannot be 16-bit PCM.
	o.Feed(audio.AudioFrame{Data: []byte{1, 2, 3}, Source: audio.SourceUser})
	if got := len(fb.frames()); got != 0 {
		t.Errorf("corrupt frame routed, frames = %d", got)
	}
}

func TestCandidateEmissionAndDedup(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb}, ModeTranscribe)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = o.Stop() })

	fb.candidates <- Candidate{
		Text:       "このAPIの認証はどうやって設定するんですか？",
		Source:     audio.SourceOpponent,
		Confidence: 0.9,
		Provenance: question.ProvenanceDetector,
	}
	// Near-duplicate within the window, even from the other source.
	fb.candidates <- Candidate{
		Text:       "このAPIの認証はどうやって設定するんですか",
		Source:     audio.SourceUser,
		Confidence: 0.8,
		Provenance: question.ProvenanceDetector,
	}
	// A distinct question passes.
	fb.candidates <- Candidate{
		Text:       "納期はいつになりますか",
		Source:     audio.SourceOpponent,
		Confidence: 0.9,
		Provenance: question.ProvenanceDetector,
	}

	qs := waitQuestions(t, o, 2)
	time.Sleep(50 * time.Millisecond)
	qs = o.Questions()
	if len(qs) != 2 {
		t.Fatalf("questions = %d, want 2 (duplicate suppressed)", len(qs))
	}
	if qs[0].Text != "このAPIの認証はどうやって設定するんですか？" {
		t.Errorf("first question = %q", qs[0].Text)
	}
	if qs[1].Text != "納期はいつになりますか" {
		t.Errorf("second question = %q", qs[1].Text)
	}
	if qs[0].ID == qs[1].ID {
		t.Error("question IDs must be unique")
	}
}

func TestNoEmissionAfterStop(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb}, ModeTranscribe)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	fb.candidates <- Candidate{Text: "お名前は何ですか", Source: audio.SourceUser}
	time.Sleep(100 * time.Millisecond)
	if qs := o.Questions(); len(qs) != 0 {
		t.Errorf("questions after stop = %d, want 0", len(qs))
	}
}

func TestStoppedCandidateDoesNotPoisonDedup(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb}, ModeTranscribe)

	// A candidate arriving while stopped must be dropped before it touches
	// the dedup window, not recorded and then discarded.
	o.emit(Candidate{
		Text:       "お名前は何ですか",
		Source:     audio.SourceUser,
		Confidence: 0.9,
		Provenance: question.ProvenanceDetector,
	})
	if qs := o.Questions(); len(qs) != 0 {
		t.Fatalf("questions while stopped = %d, want 0", len(qs))
	}

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = o.Stop() })

	// The same question asked after a restart must surface.
	fb.candidates <- Candidate{
		Text:       "お名前は何ですか",
		Source:     audio.SourceUser,
		Confidence: 0.9,
		Provenance: question.ProvenanceDetector,
	}
	qs := waitQuestions(t, o, 1)
	if qs[0].Text != "お名前は何ですか" {
		t.Errorf("question = %q", qs[0].Text)
	}
}

func TestClearQuestions(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb}, ModeTranscribe)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = o.Stop() })

	fb.candidates <- Candidate{Text: "お名前は何ですか", Source: audio.SourceUser}
	waitQuestions(t, o, 1)

	o.ClearQuestions()
	if qs := o.Questions(); len(qs) != 0 {
		t.Errorf("questions after clear = %d, want 0", len(qs))
	}

	// The dedup window survives a clear: the same question stays suppressed.
	fb.candidates <- Candidate{Text: "お名前は何ですか", Source: audio.SourceUser}
	time.Sleep(100 * time.Millisecond)
	if qs := o.Questions(); len(qs) != 0 {
		t.Errorf("cleared question resurfaced, questions = %d", len(qs))
	}
}

func TestSessionErrorsAbsorbed(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb}, ModeTranscribe)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = o.Stop() })

	fb.errs <- SessionError{Source: audio.SourceOpponent, Err: errors.New("stream reset")}
	time.Sleep(50 * time.Millisecond)

	// The pipeline keeps running; the error surfaces nowhere as a panic or stop.
	if !o.Running() {
		t.Error("orchestrator stopped on an absorbed session error")
	}
}

func TestSetModeRejectedOnUnmetPrerequisites(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	da := newFakeBackend(ModeDirectAudio)
	da.prereqErr = errors.New("missing credential")
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb, ModeDirectAudio: da}, ModeTranscribe)

	if err := o.SetMode(context.Background(), ModeDirectAudio); err == nil {
		t.Fatal("expected rejection")
	}
	if got := o.Mode(); got != ModeTranscribe {
		t.Errorf("mode = %v, want unchanged transcribe-then-detect", got)
	}
}

func TestSetModeRejectedWithoutBackend(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb}, ModeTranscribe)

	if err := o.SetMode(context.Background(), ModeDirectAudio); err == nil {
		t.Fatal("expected rejection")
	}
}

func TestSetModeWhileStopped(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	da := newFakeBackend(ModeDirectAudio)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb, ModeDirectAudio: da}, ModeTranscribe)

	if err := o.SetMode(context.Background(), ModeDirectAudio); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if got := o.Mode(); got != ModeDirectAudio {
		t.Errorf("mode = %v", got)
	}
	if o.Running() {
		t.Error("mode switch while stopped must not start the pipeline")
	}
}

func TestSetModeLiveSwitch(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	da := newFakeBackend(ModeDirectAudio)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb, ModeDirectAudio: da}, ModeTranscribe)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = o.Stop() })

	if err := o.SetMode(context.Background(), ModeDirectAudio); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	if got := fb.closes(); got != 1 {
		t.Errorf("old backend closes = %d, want 1", got)
	}
	if got := da.opens(); got != 2 {
		t.Errorf("new backend opens = %d, want 2", got)
	}
	if !o.Running() {
		t.Error("pipeline should keep running across a live switch")
	}

	// Frames now reach the new backend.
	o.Feed(audio.AudioFrame{Data: []byte{1, 2}, Source: audio.SourceUser})
	if got := len(da.frames()); got != 1 {
		t.Errorf("frames to new backend = %d, want 1", got)
	}
	if got := len(fb.frames()); got != 0 {
		t.Errorf("frames to old backend = %d, want 0", got)
	}
}

func TestSubscribeDeliversQuestions(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb}, ModeTranscribe)

	ch, cancel := o.Subscribe()
	defer cancel()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = o.Stop() })

	fb.candidates <- Candidate{
		Text:       "お名前は何ですか",
		Source:     audio.SourceOpponent,
		Confidence: 1.0,
		Provenance: question.ProvenanceDirectAudio,
	}

	select {
	case q := <-ch:
		if q.Text != "お名前は何ですか" {
			t.Errorf("text = %q", q.Text)
		}
		if q.Provenance != question.ProvenanceDirectAudio {
			t.Errorf("provenance = %v", q.Provenance)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribed question")
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb}, ModeTranscribe)

	ch, cancel := o.Subscribe()
	cancel()

	// A range loop over the channel must terminate once the subscription is
	// cancelled.
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("received an event from a cancelled subscription")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed by cancel")
	}
}

func TestStatesIdleWhenStopped(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend(ModeTranscribe)
	o := newOrchestrator(t, map[Mode]Backend{ModeTranscribe: fb}, ModeTranscribe)

	states := o.States()
	for _, src := range audio.Sources {
		if states[src] != StateIdle {
			t.Errorf("%s state = %v, want idle", src, states[src])
		}
	}
}
