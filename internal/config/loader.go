package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviders lists the strategy providers shipped with amdstream.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviders = []string{"gemini", "openai", "huggingface", "transcript", "heuristic", "noop"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references from
// the environment, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Stream.SampleRate == 0 {
		cfg.Stream.SampleRate = DefaultSampleRate
	}
	if cfg.Stream.MalformedFrameTolerance == 0 {
		cfg.Stream.MalformedFrameTolerance = DefaultMalformedFrameTolerance
	}
	if cfg.Stream.MaxPendingWindows == 0 {
		cfg.Stream.MaxPendingWindows = DefaultMaxPendingWindows
	}
	if cfg.Classification.Timeout == 0 {
		cfg.Classification.Timeout = DefaultClassificationTimeout
	}
	if cfg.Classification.InconclusiveAction == "" {
		cfg.Classification.InconclusiveAction = InconclusiveContinue
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Stream
	if cfg.Stream.WindowBytes < 0 {
		errs = append(errs, fmt.Errorf("stream.window_bytes %d must not be negative", cfg.Stream.WindowBytes))
	}
	if cfg.Stream.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("stream.sample_rate %d must not be negative", cfg.Stream.SampleRate))
	}
	if cfg.Stream.WindowDuration < 0 {
		errs = append(errs, fmt.Errorf("stream.window_duration %v must not be negative", cfg.Stream.WindowDuration))
	}
	if cfg.Stream.MalformedFrameTolerance < 0 {
		errs = append(errs, fmt.Errorf("stream.malformed_frame_tolerance %d must not be negative", cfg.Stream.MalformedFrameTolerance))
	}
	if cfg.Stream.MaxPendingWindows < 0 {
		errs = append(errs, fmt.Errorf("stream.max_pending_windows %d must not be negative", cfg.Stream.MaxPendingWindows))
	}

	// Classification
	if cfg.Classification.Timeout < 0 {
		errs = append(errs, fmt.Errorf("classification.timeout %v must not be negative", cfg.Classification.Timeout))
	}
	if n := cfg.Classification.MaxUndecidedWindows; n != nil && *n < 0 {
		errs = append(errs, fmt.Errorf("classification.max_undecided_windows %d must not be negative", *n))
	}
	if a := cfg.Classification.InconclusiveAction; a != "" && !a.IsValid() {
		errs = append(errs, fmt.Errorf("classification.inconclusive_action %q is invalid; valid values: continue, terminate", a))
	}

	// Strategies
	seen := make(map[string]int, len(cfg.Strategies))
	for i, s := range cfg.Strategies {
		prefix := fmt.Sprintf("strategies[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[s.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of strategies[%d]", prefix, s.Name, prev))
		}
		seen[s.Name] = i
		validateProviderName(s.Name, s.ProviderName())
	}
	for i, s := range cfg.Strategies {
		for _, fb := range s.Fallbacks {
			if fb == s.Name {
				errs = append(errs, fmt.Errorf("strategies[%d].fallbacks: %q cannot fall back to itself", i, s.Name))
				continue
			}
			if _, ok := seen[fb]; !ok {
				errs = append(errs, fmt.Errorf("strategies[%d].fallbacks: unknown strategy %q", i, fb))
			}
		}
	}
	if len(cfg.Strategies) == 0 {
		slog.Warn("no strategies configured; every media stream will be rejected")
	}

	// Twilio
	if cfg.Twilio.ValidateSignatures {
		if cfg.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("twilio.validate_signatures requires twilio.auth_token"))
		}
		if cfg.Server.PublicURL == "" {
			errs = append(errs, errors.New("twilio.validate_signatures requires server.public_url"))
		}
	}

	// Sink
	if cfg.Sink.PostgresDSN == "" {
		slog.Warn("sink.postgres_dsn is empty; verdicts will only be logged")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if provider is not one of
// [ValidProviders].
func validateProviderName(strategy, provider string) {
	if slices.Contains(ValidProviders, provider) {
		return
	}
	slog.Warn("unknown strategy provider, may be a typo or third-party provider",
		"strategy", strategy,
		"provider", provider,
		"known", ValidProviders,
	)
}
