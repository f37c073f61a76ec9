package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/amdstream/internal/observe"
	"github.com/MrWong99/amdstream/pkg/classifier"
)

// StrategySet is the registry of classification strategies sessions can
// select by name. It is fixed at startup; changing strategies needs a
// restart. Safe for concurrent use.
type StrategySet struct {
	strategies map[string]classifier.Classifier
}

// NewStrategySet returns a set holding a copy of strategies.
func NewStrategySet(strategies map[string]classifier.Classifier) *StrategySet {
	return &StrategySet{strategies: maps.Clone(strategies)}
}

// Lookup returns the strategy registered under name, or an error wrapping
// [ErrUnknownStrategy].
func (s *StrategySet) Lookup(name string) (classifier.Classifier, error) {
	c, ok := s.strategies[name]
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return c, nil
}

// Names returns the registered strategy names, sorted.
func (s *StrategySet) Names() []string {
	return slices.Sorted(maps.Keys(s.strategies))
}

// Result is the resolved outcome of one dispatched window. Verdict is always
// usable: failures are downgraded to an undecided verdict and reported in
// Err.
type Result struct {
	Seq      int
	Bytes    int
	Verdict  classifier.Verdict
	Duration time.Duration

	// Err wraps [ErrClassificationTimeout] or [ErrClassificationFailure]
	// when the verdict was synthesised.
	Err error
}

// Dispatcher sends windows to one strategy under a deadline.
type Dispatcher struct {
	strategy string
	c        classifier.Classifier
	timeout  time.Duration
	metrics  *observe.Metrics
	logger   *slog.Logger
}

// NewDispatcher returns a dispatcher for the named strategy. A timeout of
// zero or less disables the deadline, leaving cancellation to the caller.
func NewDispatcher(strategy string, c classifier.Classifier, timeout time.Duration, metrics *observe.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{strategy: strategy, c: c, timeout: timeout, metrics: metrics, logger: logger}
}

// Strategy returns the strategy name.
func (d *Dispatcher) Strategy() string { return d.strategy }

type classifyOutcome struct {
	v   classifier.Verdict
	err error
}

// Dispatch classifies w and always returns. A strategy that errors, panics,
// or outlives the deadline yields an undecided verdict at
// [classifier.FailureConfidence]. The strategy runs in its own goroutine so a
// backend that ignores cancellation cannot hold the caller past the deadline.
func (d *Dispatcher) Dispatch(ctx context.Context, w classifier.Window) Result {
	ctx, span := observe.StartSpan(ctx, "stream.classify",
		trace.WithAttributes(
			attribute.String("amd.strategy", d.strategy),
			attribute.String("amd.session_id", w.SessionID),
			attribute.Int("amd.window.seq", w.Seq),
			attribute.Int("amd.window.bytes", len(w.Audio)),
		),
	)
	defer span.End()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan classifyOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- classifyOutcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		v, err := d.c.Classify(ctx, w)
		done <- classifyOutcome{v: v, err: err}
	}()

	var out classifyOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = classifyOutcome{err: ctx.Err()}
	}

	res := Result{Seq: w.Seq, Bytes: len(w.Audio), Duration: time.Since(start)}
	outcome := ""
	switch {
	case out.err == nil:
		res.Verdict = out.v.Normalize()
		outcome = string(res.Verdict.Label)
	case errors.Is(out.err, context.DeadlineExceeded):
		res.Err = fmt.Errorf("%w: %s after %v", ErrClassificationTimeout, d.strategy, res.Duration.Round(time.Millisecond))
		res.Verdict = classifier.Undecided(classifier.FailureConfidence, "classification timed out")
		outcome = "timeout"
	case errors.Is(out.err, context.Canceled) && ctx.Err() != nil:
		// The session went away; the result is discarded by the caller.
		res.Err = fmt.Errorf("%w: %s: %w", ErrClassificationFailure, d.strategy, out.err)
		res.Verdict = classifier.Undecided(classifier.FailureConfidence, "classification canceled")
		outcome = "canceled"
	default:
		res.Err = fmt.Errorf("%w: %s: %w", ErrClassificationFailure, d.strategy, out.err)
		res.Verdict = classifier.Undecided(classifier.FailureConfidence, "classification failed")
		outcome = "error"
	}

	if res.Err != nil && outcome != "canceled" {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, outcome)
		d.logger.Warn("classification downgraded to undecided",
			"strategy", d.strategy,
			"window", w.Seq,
			"duration", res.Duration,
			"err", res.Err,
		)
	}
	span.SetAttributes(
		attribute.String("amd.label", string(res.Verdict.Label)),
		attribute.Float64("amd.confidence", res.Verdict.Confidence),
	)
	if d.metrics != nil {
		// Context may already be done; metrics only need its values.
		d.metrics.RecordClassification(context.WithoutCancel(ctx), d.strategy, outcome, res.Duration)
	}
	return res
}
