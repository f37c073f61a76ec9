// Package mock provides an in-memory [sink.Store] that records every write
// for test assertions.
package mock

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/MrWong99/amdstream/pkg/sink"
)

// VerdictCall records one SetVerdict invocation.
type VerdictCall struct {
	SessionID string
	Update    sink.Update
}

// StatusCall records one SetStatus invocation.
type StatusCall struct {
	SessionID string
	Status    string
	Duration  time.Duration
}

// Sink is a recording sink. Set Err to make every write fail and Delay to
// slow writes down. All methods are safe for concurrent use.
type Sink struct {
	mu       sync.Mutex
	verdicts []VerdictCall
	statuses []StatusCall

	// Err is returned from every write when non-nil.
	Err error

	// Delay is slept before each write, honouring ctx.
	Delay time.Duration

	// PingErr is returned from Ping.
	PingErr error

	// Written, if non-nil, receives the session id after each SetVerdict.
	Written chan string
}

var (
	_ sink.Store  = (*Sink)(nil)
	_ sink.Pinger = (*Sink)(nil)
)

// SetVerdict implements [sink.ResultSink].
func (s *Sink) SetVerdict(ctx context.Context, sessionID string, u sink.Update) error {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	u.Metadata = maps.Clone(u.Metadata)

	s.mu.Lock()
	s.verdicts = append(s.verdicts, VerdictCall{SessionID: sessionID, Update: u})
	err := s.Err
	written := s.Written
	s.mu.Unlock()

	if written != nil {
		select {
		case written <- sessionID:
		default:
		}
	}
	return err
}

// SetStatus implements [sink.StatusRecorder].
func (s *Sink) SetStatus(_ context.Context, sessionID, status string, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, StatusCall{SessionID: sessionID, Status: status, Duration: duration})
	return s.Err
}

// Ping implements [sink.Pinger].
func (s *Sink) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Verdicts returns a copy of all recorded SetVerdict calls.
func (s *Sink) Verdicts() []VerdictCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VerdictCall, len(s.verdicts))
	copy(out, s.verdicts)
	return out
}

// VerdictsFor returns the recorded SetVerdict calls for one session.
func (s *Sink) VerdictsFor(sessionID string) []VerdictCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []VerdictCall
	for _, c := range s.verdicts {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out
}

// Statuses returns a copy of all recorded SetStatus calls.
func (s *Sink) Statuses() []StatusCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StatusCall, len(s.statuses))
	copy(out, s.statuses)
	return out
}

// Reset clears all recorded calls.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts = nil
	s.statuses = nil
}
