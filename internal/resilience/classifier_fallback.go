package resilience

import (
	"context"

	"github.com/MrWong99/amdstream/pkg/classifier"
)

// ClassifierFallback implements [classifier.Classifier] with failover across
// several strategies. Each strategy has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried
// within the same deadline.
type ClassifierFallback struct {
	group *FallbackGroup[classifier.Classifier]
}

var _ classifier.Classifier = (*ClassifierFallback)(nil)

// NewClassifierFallback creates a [ClassifierFallback] with primary as the
// preferred strategy. With no fallbacks added it still guards the primary
// with a circuit breaker.
func NewClassifierFallback(primary classifier.Classifier, primaryName string, cfg FallbackConfig) *ClassifierFallback {
	return &ClassifierFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional strategy as a fallback.
func (f *ClassifierFallback) AddFallback(name string, c classifier.Classifier) {
	f.group.AddFallback(name, c)
}

// Names returns the strategy names in failover order.
func (f *ClassifierFallback) Names() []string {
	return f.group.Names()
}

// Classify sends the window to the first healthy strategy.
func (f *ClassifierFallback) Classify(ctx context.Context, w classifier.Window) (classifier.Verdict, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, c classifier.Classifier) (classifier.Verdict, error) {
		return c.Classify(ctx, w)
	})
}
