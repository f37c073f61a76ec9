// Package classifier defines the contract shared by every answering-machine
// detection strategy.
//
// A strategy receives one [Window] of telephone audio and returns a [Verdict].
// Implementations live in sub-packages (gemini, openai, huggingface,
// transcript, heuristic, noop) and are selected by name through the
// config registry. All implementations must be safe for concurrent use: the
// same Classifier value serves every session bound to its strategy.
package classifier

import (
	"context"
	"fmt"
	"math"
)

// Label is the classification outcome for one window.
type Label string

const (
	// LabelHuman means a person answered the call.
	LabelHuman Label = "human"

	// LabelMachine means an answering machine or voicemail system answered.
	LabelMachine Label = "machine"

	// LabelUndecided means the window did not contain enough evidence.
	LabelUndecided Label = "undecided"
)

// IsValid reports whether l is one of the three known labels.
func (l Label) IsValid() bool {
	switch l {
	case LabelHuman, LabelMachine, LabelUndecided:
		return true
	}
	return false
}

// UndecidedConfidence is the highest confidence an undecided verdict may carry.
// Inconclusive results must never look more certain than a coin flip.
const UndecidedConfidence = 0.5

// FailureConfidence is attached to verdicts synthesised after a timeout or a
// backend error.
const FailureConfidence = 0.0

// Encoding identifies the sample format of a [Window].
type Encoding string

const (
	// EncodingMulaw is 8-bit G.711 mu-law, the Twilio media stream format.
	EncodingMulaw Encoding = "mulaw"
)

// DefaultSampleRate is the sample rate of telephone media streams in Hz.
const DefaultSampleRate = 8000

// Window is a contiguous span of buffered call audio submitted as one
// classification unit.
type Window struct {
	// SessionID is the call the audio belongs to.
	SessionID string

	// Seq is the 1-based position of this window within its session.
	Seq int

	// Audio holds the raw encoded samples in arrival order.
	Audio []byte

	// Encoding is the sample format of Audio.
	Encoding Encoding

	// SampleRate is the number of samples per second in Audio.
	SampleRate int
}

// MimeHint returns a MIME type describing the raw window audio.
func (w Window) MimeHint() string {
	rate := w.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	switch w.Encoding {
	case EncodingMulaw, "":
		return fmt.Sprintf("audio/x-mulaw;rate=%d", rate)
	default:
		return "application/octet-stream"
	}
}

// Verdict is the output of a classification strategy for one window.
type Verdict struct {
	Label      Label
	Confidence float64

	// Rationale is an optional free-text explanation from the strategy.
	Rationale string
}

// Undecided returns an inconclusive verdict with the given confidence and
// rationale. The confidence is normalised like any other verdict.
func Undecided(confidence float64, rationale string) Verdict {
	return Verdict{Label: LabelUndecided, Confidence: confidence, Rationale: rationale}.Normalize()
}

// Normalize returns v with its invariants enforced: unknown labels become
// undecided, confidence is clamped to [0, 1] (NaN becomes 0), and undecided
// verdicts are capped at [UndecidedConfidence].
func (v Verdict) Normalize() Verdict {
	if !v.Label.IsValid() {
		v.Label = LabelUndecided
	}
	switch {
	case math.IsNaN(v.Confidence):
		v.Confidence = 0
	case v.Confidence < 0:
		v.Confidence = 0
	case v.Confidence > 1:
		v.Confidence = 1
	}
	if v.Label == LabelUndecided && v.Confidence > UndecidedConfidence {
		v.Confidence = UndecidedConfidence
	}
	return v
}

// Classifier is implemented by every detection strategy.
type Classifier interface {
	// Classify inspects w and returns a verdict. Implementations must honour
	// ctx cancellation and must not retain w.Audio after returning.
	Classify(ctx context.Context, w Window) (Verdict, error)
}

// Func adapts an ordinary function to the [Classifier] interface.
type Func func(ctx context.Context, w Window) (Verdict, error)

// Classify implements [Classifier].
func (f Func) Classify(ctx context.Context, w Window) (Verdict, error) {
	return f(ctx, w)
}
