// Package sink defines the contract for persisting detection outcomes onto the
// durable call record.
//
// The stream pipeline only ever issues "set verdict for session" updates
// through [ResultSink]. Telephony status callbacks use the narrower
// [StatusRecorder]. Implementations must be safe for concurrent use: many
// sessions write at once.
//
// Writes are last-writer-wins per field and idempotent: replaying the same
// [Update] leaves the record unchanged.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/amdstream/pkg/classifier"
)

// ErrPersistence wraps every failure to write to the durable store.
var ErrPersistence = errors.New("sink: persistence failure")

// Status hints written alongside a verdict.
const (
	StatusAnswered     = "answered"
	StatusTerminated   = "terminated"
	StatusInProgress   = "in-progress"
	StatusInconclusive = "inconclusive"
)

// StatusHintFor returns the lifecycle status that accompanies label.
func StatusHintFor(label classifier.Label) string {
	switch label {
	case classifier.LabelHuman:
		return StatusAnswered
	case classifier.LabelMachine:
		return StatusTerminated
	default:
		return StatusInProgress
	}
}

// Update is one verdict write for a call record.
type Update struct {
	Label      classifier.Label
	Confidence float64
	StatusHint string

	// Metadata is stored as a JSON object. Values must be JSON-encodable.
	Metadata map[string]any
}

// ResultSink persists verdicts for a session (call) id.
type ResultSink interface {
	SetVerdict(ctx context.Context, sessionID string, u Update) error
}

// StatusRecorder persists telephony lifecycle statuses. duration is zero when
// the provider did not report one.
type StatusRecorder interface {
	SetStatus(ctx context.Context, sessionID, status string, duration time.Duration) error
}

// Store is a sink that serves both writes.
type Store interface {
	ResultSink
	StatusRecorder
}

// Pinger is implemented by sinks that can report backend reachability for
// readiness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}
