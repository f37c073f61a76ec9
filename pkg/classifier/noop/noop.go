// Package noop provides a classification strategy that never reaches a
// conclusion. It is useful for calls whose answer is detected natively by the
// telephony provider and for exercising the streaming path without a backend.
package noop

import (
	"context"

	"github.com/MrWong99/amdstream/pkg/classifier"
)

// Classifier always answers undecided.
type Classifier struct {
	confidence float64
}

var _ classifier.Classifier = (*Classifier)(nil)

// New returns a noop classifier reporting confidence (capped at
// classifier.UndecidedConfidence). A negative value selects the cap.
func New(confidence float64) *Classifier {
	if confidence < 0 {
		confidence = classifier.UndecidedConfidence
	}
	return &Classifier{confidence: confidence}
}

// Classify implements [classifier.Classifier].
func (c *Classifier) Classify(ctx context.Context, _ classifier.Window) (classifier.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return classifier.Verdict{}, err
	}
	return classifier.Undecided(c.confidence, "no-op strategy"), nil
}
