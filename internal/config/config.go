// Package config provides the configuration schema, loader, watcher and
// strategy registry for the amdstream detection service.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// InconclusiveAction selects what happens to a call once the undecided limit
// forces a conclusion.
type InconclusiveAction string

const (
	// InconclusiveContinue leaves the call up and stops classifying it.
	InconclusiveContinue InconclusiveAction = "continue"

	// InconclusiveTerminate ends the call like a machine verdict would.
	InconclusiveTerminate InconclusiveAction = "terminate"
)

// IsValid reports whether a is a recognised action.
func (a InconclusiveAction) IsValid() bool {
	return a == InconclusiveContinue || a == InconclusiveTerminate
}

// Defaults applied by [LoadFromReader] to unset fields.
const (
	DefaultListenAddr              = ":8080"
	DefaultWindowBytes             = 24000
	DefaultSampleRate              = 8000
	DefaultMalformedFrameTolerance = 10
	DefaultMaxPendingWindows       = 4
	DefaultClassificationTimeout   = 10 * time.Second
	DefaultMaxUndecidedWindows     = 5
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Stream         StreamConfig         `yaml:"stream"`
	Classification ClassificationConfig `yaml:"classification"`
	Strategies     []StrategyEntry      `yaml:"strategies"`
	Sink           SinkConfig           `yaml:"sink"`
	Twilio         TwilioConfig         `yaml:"twilio"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// PublicURL is the externally visible base URL (e.g.
	// "https://amd.example.com"). Twilio signs webhook requests against it.
	PublicURL string `yaml:"public_url"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StreamConfig tunes per-session media handling. Changes apply to sessions
// accepted after the reload.
type StreamConfig struct {
	// WindowBytes is the analysis window threshold. Takes precedence over
	// WindowDuration. Default: 24000 (3 s of 8 kHz mu-law).
	WindowBytes int `yaml:"window_bytes"`

	// SampleRate of the inbound media in Hz. Default: 8000.
	SampleRate int `yaml:"sample_rate"`

	// WindowDuration derives WindowBytes from SampleRate at one byte per
	// sample when WindowBytes is unset.
	WindowDuration time.Duration `yaml:"window_duration"`

	// MalformedFrameTolerance is how many undecodable or out-of-order
	// messages a session survives. Default: 10.
	MalformedFrameTolerance int `yaml:"malformed_frame_tolerance"`

	// MaxPendingWindows bounds how many windows wait behind the one being
	// classified. Overflow is merged into the newest queued window.
	// Default: 4.
	MaxPendingWindows int `yaml:"max_pending_windows"`
}

// ThresholdBytes returns the effective window size in bytes.
func (s StreamConfig) ThresholdBytes() int {
	if s.WindowBytes > 0 {
		return s.WindowBytes
	}
	rate := s.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	if s.WindowDuration > 0 {
		return int(s.WindowDuration.Seconds() * float64(rate))
	}
	return DefaultWindowBytes
}

// ClassificationConfig tunes the dispatcher and decision engine.
type ClassificationConfig struct {
	// Timeout bounds a single classification, including fallbacks.
	// Default: 10s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxUndecidedWindows is the number of consecutive undecided verdicts
	// after which the call is concluded as inconclusive. 0 disables the
	// limit. Default: 5.
	MaxUndecidedWindows *int `yaml:"max_undecided_windows"`

	// InconclusiveAction applies once the limit is reached. Default: continue.
	InconclusiveAction InconclusiveAction `yaml:"inconclusive_action"`

	// CircuitBreaker tunes the breaker wrapped around every strategy.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// UndecidedLimit returns the effective undecided limit (0 = disabled).
func (c ClassificationConfig) UndecidedLimit() int {
	if c.MaxUndecidedWindows == nil {
		return DefaultMaxUndecidedWindows
	}
	return *c.MaxUndecidedWindows
}

// CircuitBreakerConfig mirrors resilience.CircuitBreakerConfig. Zero values
// select the breaker's defaults.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// StrategyEntry declares one named detection strategy. Sessions select it by
// Name through the strategy query parameter.
type StrategyEntry struct {
	// Name is the value clients pass as ?strategy=.
	Name string `yaml:"name"`

	// Provider selects the registered implementation (e.g. "gemini"). Defaults
	// to Name.
	Provider string `yaml:"provider"`

	// APIKey is the authentication key for the backend if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`

	// Fallbacks names other strategies tried in order when this one fails.
	Fallbacks []string `yaml:"fallbacks"`
}

// ProviderName returns Provider, or Name when Provider is empty.
func (e StrategyEntry) ProviderName() string {
	if e.Provider != "" {
		return e.Provider
	}
	return e.Name
}

// SinkConfig selects where verdicts are persisted.
type SinkConfig struct {
	// PostgresDSN is the connection string for the call records database.
	// When empty, verdicts are only logged.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TwilioConfig configures the Twilio webhook endpoints.
type TwilioConfig struct {
	// AuthToken is the account auth token used to verify X-Twilio-Signature.
	AuthToken string `yaml:"auth_token"`

	// ValidateSignatures rejects unsigned or mis-signed webhook requests.
	ValidateSignatures bool `yaml:"validate_signatures"`
}
