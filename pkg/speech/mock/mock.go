// Package mock provides test doubles for the speech package interfaces.
//
// Use Engine to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
package mock

import (
	"context"
	"sync"

	"github.com/parlo-app/parlo/pkg/speech"
)

// StartStreamCall records a single invocation of Engine.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg speech.StreamConfig
}

// Engine is a mock implementation of speech.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the handle returned by StartStream. If nil, StartStream
	// returns a new default Session with buffered channels.
	Session speech.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

var _ speech.Engine = (*Engine)(nil)

// StartStream records the call and returns Session, StartStreamErr.
func (e *Engine) StartStream(ctx context.Context, cfg speech.StreamConfig) (speech.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StartStreamCalls = append(e.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if e.StartStreamErr != nil {
		return nil, e.StartStreamErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return NewSession(), nil
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (e *Engine) StartStreamCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.StartStreamCalls)
}

// Session is a mock implementation of speech.SessionHandle. Callers send the
// Transcript values they want the consumer to receive on PartialsCh and
// FinalsCh, then close them when done.
type Session struct {
	mu sync.Mutex

	// PartialsCh is the channel returned by Partials(). Callers own this
	// channel and are responsible for sending to and closing it in tests.
	PartialsCh chan speech.Transcript

	// FinalsCh is the channel returned by Finals(). Callers own this channel.
	FinalsCh chan speech.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls records the chunks passed to SendAudio, in order.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

var _ speech.SessionHandle = (*Session)(nil)

// NewSession returns a Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan speech.Transcript, 16),
		FinalsCh:   make(chan speech.Transcript, 16),
	}
}

// SendAudio records a copy of the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

func (s *Session) Partials() <-chan speech.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PartialsCh
}

func (s *Session) Finals() <-chan speech.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalsCh
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}
