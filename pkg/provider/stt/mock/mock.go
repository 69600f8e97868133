// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
package mock

import (
	"context"
	"sync"

	"github.com/qsift/qsift/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions are returned by successive StartStream calls in order. When
	// exhausted (or empty), StartStream returns a fresh default Session.
	Sessions []stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamErrFor maps a call index (0-based) to an error returned for
	// just that call. Used to simulate one source failing while the other
	// session opens fine.
	StartStreamErrFor map[int]error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns the next configured session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := len(p.StartStreamCalls)
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})

	if err, ok := p.StartStreamErrFor[idx]; ok {
		return nil, err
	}
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if idx < len(p.Sessions) {
		return p.Sessions[idx], nil
	}
	return NewSession(), nil
}

// Session is a mock implementation of stt.SessionHandle. Feed transcripts by
// sending on PartialsCh / FinalsCh; signal end of utterance on UtteranceEndCh.
type Session struct {
	mu sync.Mutex

	PartialsCh     chan stt.Transcript
	FinalsCh       chan stt.Transcript
	UtteranceEndCh chan struct{}

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// Sent records copies of every chunk passed to SendAudio.
	Sent [][]byte

	closed    bool
	closeOnce sync.Once
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)

// NewSession creates a Session with buffered channels ready for use.
func NewSession() *Session {
	return &Session{
		PartialsCh:     make(chan stt.Transcript, 16),
		FinalsCh:       make(chan stt.Transcript, 16),
		UtteranceEndCh: make(chan struct{}, 4),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Sent = append(s.Sent, cp)
	return nil
}

// Partials returns the partial transcript channel.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// Finals returns the final transcript channel.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// UtteranceEnds returns the end-of-utterance marker channel.
func (s *Session) UtteranceEnds() <-chan struct{} { return s.UtteranceEndCh }

// Close closes all output channels. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.PartialsCh)
		close(s.FinalsCh)
		close(s.UtteranceEndCh)
	})
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
