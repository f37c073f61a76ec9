package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/amdstream/internal/observe"
	"github.com/MrWong99/amdstream/pkg/classifier"
	"github.com/MrWong99/amdstream/pkg/sink"
)

const (
	// inboundBuffer is how many decoded-but-unhandled messages the reader may
	// queue while the loop is busy persisting a verdict.
	inboundBuffer = 256

	// writeTimeout bounds the outbound stop message.
	writeTimeout = 5 * time.Second
)

// Close causes internal to the session loop.
var (
	errStreamStopped = errors.New("stream: stream stopped")
	errTerminated    = errors.New("stream: call terminated")
	errPeerGone      = errors.New("stream: peer disconnected")
)

// State is a session lifecycle state. Transitions only move forward.
type State int32

const (
	StateOpening State = iota
	StateConnected
	StateStreaming
	StateDecided
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateDecided:
		return "decided"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SessionConfig holds the settings a session is created with. They do not
// change for the session's lifetime.
type SessionConfig struct {
	// ThresholdBytes is the window size in bytes.
	ThresholdBytes int

	// SampleRate of the inbound mu-law audio in Hz.
	SampleRate int

	// MalformedTolerance is how many rejected messages the session survives.
	MalformedTolerance int

	// MaxPendingWindows bounds the queue behind the in-flight window.
	MaxPendingWindows int

	// ClassificationTimeout bounds each dispatch. Zero disables it.
	ClassificationTimeout time.Duration

	Decision DecisionPolicy
}

// DefaultSessionConfig returns the settings used when none are configured.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ThresholdBytes:        24000,
		SampleRate:            classifier.DefaultSampleRate,
		MalformedTolerance:    10,
		MaxPendingWindows:     4,
		ClassificationTimeout: 10 * time.Second,
		Decision:              DecisionPolicy{UndecidedLimit: 5},
	}
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	Strategy      string    `json:"strategy"`
	State         string    `json:"state"`
	StreamSID     string    `json:"stream_sid,omitempty"`
	Windows       int       `json:"windows"`
	Verdicts      int       `json:"verdicts"`
	Pending       int       `json:"pending"`
	BufferedBytes int       `json:"buffered_bytes"`
	BytesReceived int64     `json:"bytes_received"`
	LastLabel     string    `json:"last_label,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// Session is one media stream bound to one call. It owns its buffer,
// dispatcher and decision engine; nothing in it is shared with other
// sessions.
type Session struct {
	id        string
	runID     string
	strategy  string
	cfg       SessionConfig
	conn      *websocket.Conn
	startedAt time.Time

	acc        *Accumulator
	dispatcher *Dispatcher
	engine     *Engine
	metrics    *observe.Metrics
	logger     *slog.Logger

	// Owned by the loop goroutine.
	nextSeq   int
	inflight  bool
	malformed int

	// Dispatch goroutines.
	wg sync.WaitGroup

	// mu guards the fields below; the loop writes them, Info reads them.
	mu        sync.Mutex
	pending   []classifier.Window
	state     State
	streamSID string
	windows   int
	verdicts  int
	buffered  int
	received  int64
	lastLabel classifier.Label
}

type sessionParams struct {
	id       string
	runID    string
	strategy string
	c        classifier.Classifier
	conn     *websocket.Conn
	sink     sink.ResultSink
	cfg      SessionConfig
	metrics  *observe.Metrics
	logger   *slog.Logger
}

func newSession(p sessionParams) *Session {
	if p.cfg.MaxPendingWindows < 1 {
		p.cfg.MaxPendingWindows = 1
	}
	if p.cfg.SampleRate <= 0 {
		p.cfg.SampleRate = classifier.DefaultSampleRate
	}
	logger := p.logger.With("session_id", p.id, "strategy", p.strategy, "run_id", p.runID)
	return &Session{
		id:         p.id,
		runID:      p.runID,
		strategy:   p.strategy,
		cfg:        p.cfg,
		conn:       p.conn,
		startedAt:  time.Now().UTC(),
		acc:        NewAccumulator(p.cfg.ThresholdBytes),
		dispatcher: NewDispatcher(p.strategy, p.c, p.cfg.ClassificationTimeout, p.metrics, logger),
		engine: NewEngine(p.id, p.strategy, p.sink, p.cfg.Decision, p.metrics, logger, map[string]any{
			"run_id": p.runID,
		}),
		metrics: p.metrics,
		logger:  logger,
		state:   StateConnected,
	}
}

// ID returns the call id the session is bound to.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:            s.id,
		RunID:         s.runID,
		Strategy:      s.strategy,
		State:         s.state.String(),
		StreamSID:     s.streamSID,
		Windows:       s.windows,
		Verdicts:      s.verdicts,
		Pending:       len(s.pending),
		BufferedBytes: s.buffered,
		BytesReceived: s.received,
		LastLabel:     string(s.lastLabel),
		StartedAt:     s.startedAt,
	}
}

func (s *Session) advance(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to > s.state {
		s.state = to
	}
}

// Serve runs the session until the stream stops, a terminal decision is
// reached, the peer disconnects, too many malformed messages arrive or ctx
// is cancelled. It closes the connection with a matching close code before
// returning. Orderly endings return nil.
func (s *Session) Serve(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "stream.session",
		trace.WithAttributes(
			attribute.String("amd.session_id", s.id),
			attribute.String("amd.strategy", s.strategy),
			attribute.String("amd.run_id", s.runID),
		),
	)
	defer span.End()

	loopCtx, cancel := context.WithCancel(ctx)
	// Cancelling a read makes the websocket library close the connection
	// with its own status, so reads get a context that only ends after the
	// session has closed the connection itself.
	readCtx, stopRead := context.WithCancel(context.WithoutCancel(ctx))

	msgs := make(chan []byte, inboundBuffer)
	readErr := make(chan error, 1)
	go s.readLoop(readCtx, msgs, readErr)

	s.logger.Info("media stream session started", "threshold_bytes", s.acc.Threshold())
	cause := s.loop(loopCtx, msgs, readErr)
	s.finish(ctx, cause)

	cancel()
	stopRead()
	s.wg.Wait()
	s.advance(StateClosed)

	switch {
	case errors.Is(cause, errStreamStopped), errors.Is(cause, errTerminated), errors.Is(cause, errPeerGone):
		return nil
	default:
		span.RecordError(cause)
		return cause
	}
}

func (s *Session) readLoop(ctx context.Context, msgs chan<- []byte, errc chan<- error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			errc <- err
			return
		}
		select {
		case msgs <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) loop(ctx context.Context, msgs <-chan []byte, readErr <-chan error) error {
	results := make(chan Result, 1)
	for {
		select {
		case <-ctx.Done():
			return ErrShuttingDown

		case err := <-readErr:
			// Messages read before the failure are still handled in order.
			for {
				select {
				case raw := <-msgs:
					if cause := s.handle(ctx, raw, results); cause != nil {
						return cause
					}
				default:
					return fmt.Errorf("%w: %w", errPeerGone, err)
				}
			}

		case raw := <-msgs:
			if cause := s.handle(ctx, raw, results); cause != nil {
				return cause
			}

		case res := <-results:
			s.inflight = false
			if s.apply(ctx, res) == ActionTerminate {
				return errTerminated
			}
			s.dispatchNext(ctx, results)
		}
	}
}

// handle processes one inbound message. A non-nil return ends the session.
func (s *Session) handle(ctx context.Context, raw []byte, results chan<- Result) error {
	ev, err := Decode(raw)
	if err != nil {
		return s.reject(ctx, err)
	}

	switch ev.Kind {
	case EventConnected:
		s.logger.Debug("media stream connected event")

	case EventStreamStarted:
		if s.State() != StateConnected {
			return s.reject(ctx, fmt.Errorf("%w: duplicate start event", ErrProtocol))
		}
		s.mu.Lock()
		s.streamSID = ev.StreamSID
		s.mu.Unlock()
		s.advance(StateStreaming)
		s.logger.Info("media stream started", "stream_sid", ev.StreamSID)

	case EventAudio:
		switch s.State() {
		case StateConnected:
			return s.reject(ctx, fmt.Errorf("%w: media before start", ErrProtocol))
		case StateDecided:
			return nil
		}
		window, full := s.acc.Add(ev.Audio)
		s.mu.Lock()
		s.received += int64(len(ev.Audio))
		s.buffered = s.acc.Buffered()
		s.mu.Unlock()
		if full {
			s.enqueue(ctx, window, results)
		}

	case EventStreamStopped:
		return errStreamStopped
	}
	return nil
}

func (s *Session) reject(ctx context.Context, err error) error {
	s.malformed++
	reason := "out_of_order"
	var de *DecodeError
	if errors.As(err, &de) {
		reason = de.Reason
	}
	if s.metrics != nil {
		s.metrics.RecordMalformed(ctx, reason)
	}
	s.logger.Warn("rejected inbound message", "reason", reason, "count", s.malformed, "err", err)
	if s.malformed > s.cfg.MalformedTolerance {
		return fmt.Errorf("%w: %d rejected", ErrTooManyMalformed, s.malformed)
	}
	return nil
}

func (s *Session) newWindow(audio []byte) classifier.Window {
	s.nextSeq++
	s.mu.Lock()
	s.windows++
	s.mu.Unlock()
	return classifier.Window{
		SessionID:  s.id,
		Seq:        s.nextSeq,
		Audio:      audio,
		Encoding:   classifier.EncodingMulaw,
		SampleRate: s.cfg.SampleRate,
	}
}

// enqueue dispatches a full window or queues it behind the one in flight.
// When the queue is full the audio is appended to the newest queued window.
func (s *Session) enqueue(ctx context.Context, audio []byte, results chan<- Result) {
	if s.metrics != nil {
		s.metrics.WindowsEmitted.Add(ctx, 1)
	}
	if !s.inflight {
		s.dispatch(ctx, s.newWindow(audio), results)
		return
	}
	if len(s.pending) < s.cfg.MaxPendingWindows {
		w := s.newWindow(audio)
		s.mu.Lock()
		s.pending = append(s.pending, w)
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	last := &s.pending[len(s.pending)-1]
	last.Audio = append(last.Audio, audio...)
	seq, size := last.Seq, len(last.Audio)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.WindowsCoalesced.Add(ctx, 1)
	}
	s.logger.Debug("window backlog full, coalesced", "into_window", seq, "bytes", size)
}

func (s *Session) dispatch(ctx context.Context, w classifier.Window, results chan<- Result) {
	s.inflight = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.dispatcher.Dispatch(ctx, w)
		select {
		case results <- res:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) dispatchNext(ctx context.Context, results chan<- Result) {
	if s.inflight || s.engine.Decided() {
		return
	}
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	w := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()
	s.dispatch(ctx, w, results)
}

func (s *Session) apply(ctx context.Context, res Result) Action {
	extra := map[string]any{
		"window_bytes": res.Bytes,
		"latency_ms":   res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		extra["classification_error"] = res.Err.Error()
	}
	d := s.engine.Decide(ctx, res.Seq, res.Verdict, extra)
	if d.Skipped {
		return d.Action
	}

	s.mu.Lock()
	s.verdicts++
	s.lastLabel = d.Update.Label
	dropped := 0
	if s.engine.Decided() {
		dropped = len(s.pending)
		s.pending = nil
	}
	s.mu.Unlock()

	if s.engine.Decided() {
		s.advance(StateDecided)
		s.logger.Info("call decided",
			"label", d.Update.Label,
			"status", d.Update.StatusHint,
			"action", d.Action,
			"dropped_windows", dropped,
		)
	}
	return d.Action
}

type stopMessage struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
}

// sendStop writes the stop instruction as a single text message.
func (s *Session) sendStop(ctx context.Context, streamSID string) error {
	b, err := json.Marshal(stopMessage{Event: "stop", StreamSID: streamSID})
	if err != nil {
		return fmt.Errorf("stream: encode stop: %w", err)
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageText, b)
}

// finish closes the connection according to cause.
func (s *Session) finish(ctx context.Context, cause error) {
	if n := s.acc.Discard(); n > 0 {
		s.logger.Debug("discarded partial window", "bytes", n)
	}
	s.mu.Lock()
	s.buffered = 0
	sid := s.streamSID
	s.mu.Unlock()

	switch {
	case errors.Is(cause, errTerminated):
		if err := s.sendStop(ctx, sid); err != nil {
			s.logger.Warn("send stop instruction", "err", err)
		}
		_ = s.conn.Close(websocket.StatusNormalClosure, "call decided")
		s.logger.Info("media stream session closed", "cause", "decided")

	case errors.Is(cause, errStreamStopped):
		_ = s.conn.Close(websocket.StatusNormalClosure, "stream stopped")
		s.logger.Info("media stream session closed", "cause", "stopped")

	case errors.Is(cause, ErrTooManyMalformed):
		_ = s.conn.Close(websocket.StatusPolicyViolation, "too many malformed messages")
		s.logger.Warn("media stream session closed", "cause", "malformed", "err", cause)

	case errors.Is(cause, ErrShuttingDown):
		_ = s.conn.Close(websocket.StatusGoingAway, "server shutting down")
		s.logger.Info("media stream session closed", "cause", "shutdown")

	default:
		_ = s.conn.CloseNow()
		s.logger.Info("media stream session closed", "cause", "peer", "err", cause)
	}
}
