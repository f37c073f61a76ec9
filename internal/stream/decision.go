package stream

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/amdstream/internal/observe"
	"github.com/MrWong99/amdstream/pkg/classifier"
	"github.com/MrWong99/amdstream/pkg/sink"
)

// sinkTimeout bounds one verdict write. Writes outlive the session context
// so a verdict reached just before disconnect is still persisted.
const sinkTimeout = 5 * time.Second

// Action is what the session does after a verdict has been applied.
type Action int

const (
	// ActionContinue keeps the stream open.
	ActionContinue Action = iota

	// ActionTerminate sends the stop instruction and closes the stream.
	ActionTerminate
)

// String returns "continue" or "terminate".
func (a Action) String() string {
	if a == ActionTerminate {
		return "terminate"
	}
	return "continue"
}

// DecisionPolicy tunes the handling of inconclusive evidence.
type DecisionPolicy struct {
	// UndecidedLimit is the number of consecutive undecided verdicts after
	// which the call is concluded as inconclusive. 0 disables the limit.
	UndecidedLimit int

	// TerminateInconclusive ends the call when the limit forces a
	// conclusion. Otherwise the call is left up and classification stops.
	TerminateInconclusive bool
}

// Decision is the outcome of [Engine.Decide].
type Decision struct {
	Action Action

	// Update is what was sent to the sink. Zero when Skipped.
	Update sink.Update

	// Forced is set when the undecided limit concluded the call.
	Forced bool

	// Skipped is set when the engine had already decided; nothing was
	// written.
	Skipped bool

	// SinkErr is the persistence failure, if any. The decision stands
	// regardless.
	SinkErr error
}

// Engine applies verdicts for one session. It writes exactly one sink update
// per applied verdict and none after the session has been decided. Owned by
// a single session goroutine.
type Engine struct {
	sessionID string
	strategy  string
	sink      sink.ResultSink
	policy    DecisionPolicy
	metrics   *observe.Metrics
	logger    *slog.Logger

	decided      bool
	final        Action
	undecidedRun int
	applied      int
	baseMetadata map[string]any
}

// NewEngine returns an engine for sessionID. baseMetadata is merged into
// every update's metadata.
func NewEngine(sessionID, strategy string, rs sink.ResultSink, policy DecisionPolicy, metrics *observe.Metrics, logger *slog.Logger, baseMetadata map[string]any) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sessionID:    sessionID,
		strategy:     strategy,
		sink:         rs,
		policy:       policy,
		metrics:      metrics,
		logger:       logger,
		baseMetadata: baseMetadata,
	}
}

// Decided reports whether a terminal decision has been reached.
func (e *Engine) Decided() bool { return e.decided }

// Applied returns the number of verdicts written to the sink.
func (e *Engine) Applied() int { return e.applied }

// Decide maps v to an action, persists it, and returns the action. human and
// undecided continue; machine terminates. Once decided, further calls are
// no-ops that repeat the terminal action.
func (e *Engine) Decide(ctx context.Context, seq int, v classifier.Verdict, extra map[string]any) Decision {
	if e.decided {
		return Decision{Action: e.final, Skipped: true}
	}
	v = v.Normalize()

	d := Decision{Action: ActionContinue}
	status := sink.StatusHintFor(v.Label)
	switch v.Label {
	case classifier.LabelMachine:
		e.undecidedRun = 0
		d.Action = ActionTerminate
		e.decided = true
	case classifier.LabelHuman:
		e.undecidedRun = 0
	default:
		e.undecidedRun++
		if e.policy.UndecidedLimit > 0 && e.undecidedRun >= e.policy.UndecidedLimit {
			d.Forced = true
			status = sink.StatusInconclusive
			e.decided = true
			if e.policy.TerminateInconclusive {
				d.Action = ActionTerminate
			}
		}
	}
	e.final = d.Action

	meta := make(map[string]any, len(e.baseMetadata)+len(extra)+6)
	maps.Copy(meta, e.baseMetadata)
	maps.Copy(meta, extra)
	meta["strategy"] = e.strategy
	meta["window"] = seq
	meta["processed"] = true
	if v.Rationale != "" {
		meta["rationale"] = v.Rationale
	}
	if v.Label == classifier.LabelUndecided {
		meta["undecided_streak"] = e.undecidedRun
	}
	if d.Forced {
		meta["forced"] = true
	}

	d.Update = sink.Update{
		Label:      v.Label,
		Confidence: v.Confidence,
		StatusHint: status,
		Metadata:   meta,
	}
	d.SinkErr = e.persist(ctx, d.Update)
	e.applied++

	if e.metrics != nil {
		e.metrics.RecordVerdict(ctx, e.strategy, string(v.Label), status)
	}
	e.logger.Info("verdict applied",
		"window", seq,
		"label", v.Label,
		"confidence", v.Confidence,
		"status", status,
		"action", d.Action,
		"forced", d.Forced,
	)
	return d
}

func (e *Engine) persist(ctx context.Context, u sink.Update) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	wctx, span := observe.StartSpan(wctx, "stream.sink.set_verdict",
		trace.WithAttributes(
			attribute.String("amd.session_id", e.sessionID),
			attribute.String("amd.label", string(u.Label)),
			attribute.String("amd.status", u.StatusHint),
		),
	)
	defer span.End()

	err := e.sink.SetVerdict(wctx, e.sessionID, u)
	if e.metrics != nil {
		e.metrics.RecordSinkWrite(wctx, err)
	}
	if err == nil {
		return nil
	}
	if !errors.Is(err, sink.ErrPersistence) {
		err = errors.Join(sink.ErrPersistence, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "sink write failed")
	e.logger.Error("persist verdict", "label", u.Label, "status", u.StatusHint, "err", err)
	return err
}
