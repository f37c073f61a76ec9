// Package stream implements the real-time answering-machine-detection
// pipeline for telephony media streams.
//
// A [Supervisor] accepts one WebSocket per call on the media-stream
// endpoint, validates the callId and strategy query parameters and runs a
// [Session] for it. The session decodes inbound messages ([Decode]), buffers
// audio into fixed-size windows ([Accumulator]), classifies one window at a
// time ([Dispatcher]) and applies each verdict through an [Engine], which
// persists it to a [sink.ResultSink] and decides whether the call continues
// or is terminated.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/amdstream/internal/observe"
	"github.com/MrWong99/amdstream/pkg/sink"
)

// readLimit bounds a single inbound message. Media frames are a few hundred
// bytes of base64.
const readLimit = 64 << 10

// validID matches acceptable call ids.
var validID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Supervisor owns every media-stream session of the process. It implements
// [http.Handler] for the media-stream endpoint.
type Supervisor struct {
	strategies *StrategySet
	sink       sink.ResultSink
	registry   *Registry
	metrics    *observe.Metrics
	logger     *slog.Logger
	acceptOpts *websocket.AcceptOptions

	cfgMu sync.RWMutex
	cfg   SessionConfig

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

var _ http.Handler = (*Supervisor)(nil)

// Option configures a [Supervisor].
type Option func(*Supervisor)

// WithSessionConfig sets the settings for new sessions.
func WithSessionConfig(cfg SessionConfig) Option {
	return func(s *Supervisor) { s.cfg = cfg }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the base logger for sessions.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAcceptOptions sets the WebSocket accept options (origin patterns,
// compression).
func WithAcceptOptions(o *websocket.AcceptOptions) Option {
	return func(s *Supervisor) { s.acceptOpts = o }
}

// NewSupervisor returns a supervisor dispatching to strategies and writing
// verdicts to rs.
func NewSupervisor(strategies *StrategySet, rs sink.ResultSink, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		strategies: strategies,
		sink:       rs,
		registry:   NewRegistry(),
		logger:     slog.Default(),
		cfg:        DefaultSessionConfig(),
		baseCtx:    ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Registry returns the active-session registry.
func (s *Supervisor) Registry() *Registry { return s.registry }

// Strategies returns the strategy set sessions select from.
func (s *Supervisor) Strategies() *StrategySet { return s.strategies }

// SessionConfig returns the settings new sessions are created with.
func (s *Supervisor) SessionConfig() SessionConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// SetSessionConfig replaces the settings for sessions accepted from now on.
// Running sessions keep theirs.
func (s *Supervisor) SetSessionConfig(cfg SessionConfig) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = cfg
}

// ServeHTTP upgrades the request and runs its session to completion.
// Missing, malformed or duplicate identifiers and unknown strategies close
// the socket with 1008 (policy violation) before any session exists.
func (s *Supervisor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.metrics.RecordRejected(r.Context(), "shutting_down")
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := websocket.Accept(w, r, s.acceptOpts)
	if err != nil {
		s.logger.Warn("media stream upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	q := r.URL.Query()
	callID, strategy := q.Get("callId"), q.Get("strategy")
	log := observe.LoggerFrom(r.Context(), s.logger).With("session_id", callID, "strategy", strategy)

	if callID == "" || strategy == "" {
		s.refuse(r.Context(), conn, log, "missing_params", "missing callId or strategy")
		return
	}
	if !validID.MatchString(callID) {
		s.refuse(r.Context(), conn, log, "invalid_call_id", "malformed callId")
		return
	}
	c, err := s.strategies.Lookup(strategy)
	if err != nil {
		s.refuse(r.Context(), conn, log, "unknown_strategy", "unknown strategy")
		return
	}

	sess, err := s.registry.Claim(callID, func() *Session {
		return newSession(sessionParams{
			id:       callID,
			runID:    uuid.NewString(),
			strategy: strategy,
			c:        c,
			conn:     conn,
			sink:     s.sink,
			cfg:      s.SessionConfig(),
			metrics:  s.metrics,
			logger:   s.logger,
		})
	})
	if err != nil {
		s.refuse(r.Context(), conn, log, "duplicate", "call already streaming")
		return
	}
	defer s.registry.Remove(callID, sess)

	// Sessions live under the supervisor's context so shutdown reaches them,
	// but keep the request span as parent.
	ctx := trace.ContextWithSpan(s.baseCtx, trace.SpanFromContext(r.Context()))

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	if err := sess.Serve(ctx); err != nil && !errors.Is(err, ErrShuttingDown) {
		log.Warn("media stream session ended with error", "err", err)
	}
}

func (s *Supervisor) refuse(ctx context.Context, conn *websocket.Conn, log *slog.Logger, reason, msg string) {
	s.metrics.RecordRejected(ctx, reason)
	log.Warn("media stream refused", "reason", reason)
	_ = conn.Close(websocket.StatusPolicyViolation, msg)
}

// Shutdown stops accepting sessions, closes the running ones with 1001
// (going away) and waits for them to finish or ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	start := time.Now()
	select {
	case <-done:
		s.logger.Info("media stream sessions drained", "duration", time.Since(start))
		return nil
	case <-ctx.Done():
		s.logger.Warn("media stream drain interrupted", "remaining", s.registry.Len())
		return ctx.Err()
	}
}
