// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify that the caller connects with the expected
// SessionConfig. Use Session to script event sequences (deltas, turn
// boundaries, interruptions) and inspect which audio chunks were delivered.
package mock

import (
	"context"
	"sync"

	"github.com/qsift/qsift/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions are returned by successive Connect calls in order. When
	// exhausted (or empty), Connect returns a fresh default Session.
	Sessions []live.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectErrFor maps a call index (0-based) to an error returned for just
	// that call.
	ConnectErrFor map[int]error

	// ConnectCalls records every call to Connect.
	ConnectCalls []ConnectCall
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Connect records the call and returns the next configured session.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := len(p.ConnectCalls)
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})

	if err, ok := p.ConnectErrFor[idx]; ok {
		return nil, err
	}
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if idx < len(p.Sessions) {
		return p.Sessions[idx], nil
	}
	return NewSession(), nil
}

// Session is a mock implementation of live.SessionHandle. Script events by
// sending on EventsCh; close it via Close or CloseEvents.
type Session struct {
	mu sync.Mutex

	EventsCh chan live.Event

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// ErrVal is returned from Err.
	ErrVal error

	// Sent records copies of every chunk passed to SendAudio.
	Sent [][]byte

	closed    bool
	closeOnce sync.Once
}

// Ensure Session implements live.SessionHandle at compile time.
var _ live.SessionHandle = (*Session)(nil)

// NewSession creates a Session with a buffered events channel ready for use.
func NewSession() *Session {
	return &Session{
		EventsCh: make(chan live.Event, 32),
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

// Events returns the scripted events channel.
func (s *Session) Events() <-chan live.Event { return s.EventsCh }

// Err returns the configured terminal error.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close closes the events channel. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.EventsCh)
	})
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit sends an event, for use in test scripts.
func (s *Session) Emit(ev live.Event) { s.EventsCh <- ev }
