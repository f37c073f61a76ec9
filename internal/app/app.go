// Package app wires the amdstream subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New connects the result sink and
// builds the session supervisor, webhook handlers and probes, Run serves
// HTTP until the context ends, and Shutdown drains sessions and tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithSink,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/amdstream/internal/callback"
	"github.com/MrWong99/amdstream/internal/config"
	"github.com/MrWong99/amdstream/internal/health"
	"github.com/MrWong99/amdstream/internal/observe"
	"github.com/MrWong99/amdstream/internal/stream"
	"github.com/MrWong99/amdstream/pkg/sink"
	"github.com/MrWong99/amdstream/pkg/sink/postgres"
)

// Route paths served by the application.
const (
	MediaStreamPath = "/api/media-stream"
	SessionsPath    = "/api/sessions"
	MetricsPath     = "/metrics"
)

// readHeaderTimeout bounds request header reads. Media streams are hijacked
// after the upgrade, so no overall read timeout is set.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	strategies *stream.StrategySet
	logger     *slog.Logger
	metrics    *observe.Metrics

	sink           sink.Store
	supervisor     *stream.Supervisor
	callbacks      *callback.Handler
	health         *health.Handler
	metricsHandler http.Handler
	handler        http.Handler
	logLevel       *slog.LevelVar

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSink injects a result sink instead of creating one from config.
func WithSink(s sink.Store) Option {
	return func(a *App) { a.sink = s }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithMetricsHandler mounts h on /metrics, normally the Prometheus scrape
// handler for the registry the exporter writes to.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel hands the logger's level to the app so reloads can change it.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// SessionConfig derives the per-session settings from cfg.
func SessionConfig(cfg *config.Config) stream.SessionConfig {
	return stream.SessionConfig{
		ThresholdBytes:        cfg.Stream.ThresholdBytes(),
		SampleRate:            cfg.Stream.SampleRate,
		MalformedTolerance:    cfg.Stream.MalformedFrameTolerance,
		MaxPendingWindows:     cfg.Stream.MaxPendingWindows,
		ClassificationTimeout: cfg.Classification.Timeout,
		Decision: stream.DecisionPolicy{
			UndecidedLimit:        cfg.Classification.UndecidedLimit(),
			TerminateInconclusive: cfg.Classification.InconclusiveAction == config.InconclusiveTerminate,
		},
	}
}

// New creates an App. strategies holds the classifiers sessions select by
// name; main.go builds it through the config registry.
func New(ctx context.Context, cfg *config.Config, strategies *stream.StrategySet, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		strategies: strategies,
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initSink(ctx); err != nil {
		return nil, fmt.Errorf("app: init sink: %w", err)
	}

	a.supervisor = stream.NewSupervisor(strategies, a.sink,
		stream.WithSessionConfig(SessionConfig(cfg)),
		stream.WithMetrics(a.metrics),
		stream.WithLogger(a.logger),
	)

	cbOpts := []callback.Option{callback.WithMetrics(a.metrics), callback.WithLogger(a.logger)}
	if cfg.Twilio.ValidateSignatures {
		cbOpts = append(cbOpts, callback.WithTwilioSignatures(cfg.Twilio.AuthToken, cfg.Server.PublicURL))
	}
	a.callbacks = callback.New(a.sink, cbOpts...)

	a.health = health.New(a.checkers()...)
	a.handler = a.routes()
	return a, nil
}

// initSink connects to PostgreSQL when a DSN is configured and falls back to
// logging verdicts otherwise.
func (a *App) initSink(ctx context.Context) error {
	if a.sink != nil {
		return nil
	}
	dsn := a.cfg.Sink.PostgresDSN
	if dsn == "" {
		a.logger.Warn("sink.postgres_dsn not set, verdicts are only logged")
		a.sink = sink.NewLogSink(a.logger)
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.sink = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) checkers() []health.Checker {
	var cs []health.Checker
	if p, ok := a.sink.(sink.Pinger); ok {
		cs = append(cs, health.Checker{Name: "sink", Check: p.Ping})
	}
	cs = append(cs, health.Checker{Name: "strategies", Check: func(context.Context) error {
		if len(a.strategies.Names()) == 0 {
			return errors.New("no strategies configured")
		}
		return nil
	}})
	return cs
}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(a.metrics))

	a.health.Register(r)
	if a.metricsHandler != nil {
		r.Method(http.MethodGet, MetricsPath, a.metricsHandler)
	}
	r.Method(http.MethodGet, MediaStreamPath, a.supervisor)
	r.Get(SessionsPath, a.listSessions)
	a.callbacks.Register(r)
	return r
}

// Handler returns the application's HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Supervisor returns the media-stream session supervisor.
func (a *App) Supervisor() *stream.Supervisor { return a.supervisor }

// Addr returns the address Run is listening on, or nil before Run.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

type sessionsResponse struct {
	Count    int                  `json:"count"`
	Sessions []stream.SessionInfo `json:"sessions"`
}

func (a *App) listSessions(w http.ResponseWriter, _ *http.Request) {
	snap := a.supervisor.Registry().Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessionsResponse{Count: len(snap), Sessions: snap})
}

// ApplyReload is the [config.Watcher] callback. The log level and the
// stream and classification settings take effect at once, the latter for
// sessions accepted afterwards. Everything else is read only at startup and
// is reported as needing a restart.
func (a *App) ApplyReload(r config.Reload) {
	d := r.Diff
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.StreamChanged || d.ClassificationChanged {
		sc := SessionConfig(r.New)
		a.supervisor.SetSessionConfig(sc)
		a.logger.Info("session settings reloaded",
			"window_bytes", sc.ThresholdBytes,
			"timeout", sc.ClassificationTimeout,
			"undecided_limit", sc.Decision.UndecidedLimit,
			"terminate_inconclusive", sc.Decision.TerminateInconclusive,
		)
	}
	if d.StrategiesChanged() {
		a.logger.Warn("strategy changes require a restart",
			"added", d.StrategiesAdded,
			"removed", d.StrategiesRemoved,
			"modified", d.StrategiesModified,
		)
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("configuration changes require a restart", "fields", d.RestartRequired)
	}
}

// SlogLevel maps a configured log level to its slog level. Unknown values
// map to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Run serves HTTP on the configured address and blocks until ctx is
// cancelled or the server fails. On cancellation it returns ctx.Err(); call
// Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}
	a.mu.Lock()
	a.server = srv
	a.addr = ln.Addr()
	a.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errc <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errc <- srv.Serve(ln)
	}()

	a.logger.Info("app running",
		"addr", ln.Addr().String(),
		"tls", a.cfg.Server.TLS != nil,
		"strategies", a.strategies.Names(),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown marks the server as draining, closes every media-stream session
// with 1001, stops the HTTP server and runs the closers. It respects the
// context deadline: if ctx expires, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "sessions", a.supervisor.Registry().Len(), "closers", len(a.closers))
		a.health.SetDraining(true)

		if err := a.supervisor.Shutdown(ctx); err != nil {
			a.logger.Warn("session drain incomplete", "err", err)
			shutdownErr = err
		}

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				a.logger.Warn("http server shutdown", "err", err)
				shutdownErr = errors.Join(shutdownErr, err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(shutdownErr, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
