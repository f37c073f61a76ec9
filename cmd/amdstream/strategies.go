package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/amdstream/internal/config"
	"github.com/MrWong99/amdstream/internal/observe"
	"github.com/MrWong99/amdstream/internal/resilience"
	"github.com/MrWong99/amdstream/internal/stream"
	"github.com/MrWong99/amdstream/pkg/classifier"
	"github.com/MrWong99/amdstream/pkg/classifier/gemini"
	"github.com/MrWong99/amdstream/pkg/classifier/heuristic"
	"github.com/MrWong99/amdstream/pkg/classifier/huggingface"
	"github.com/MrWong99/amdstream/pkg/classifier/noop"
	"github.com/MrWong99/amdstream/pkg/classifier/openai"
	"github.com/MrWong99/amdstream/pkg/classifier/transcript"
)

// registerBuiltinProviders wires all built-in strategy factories into reg.
// Each factory receives a config.StrategyEntry and constructs the classifier
// from the implementation packages.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	reg.RegisterClassifier("gemini", func(entry config.StrategyEntry) (classifier.Classifier, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if p := optString(entry.Options, "prompt"); p != "" {
			opts = append(opts, gemini.WithPrompt(p))
		}
		return gemini.New(ctx, entry.APIKey, opts...)
	})

	reg.RegisterClassifier("openai", func(entry config.StrategyEntry) (classifier.Classifier, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if p := optString(entry.Options, "prompt"); p != "" {
			opts = append(opts, openai.WithPrompt(p))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterClassifier("huggingface", func(entry config.StrategyEntry) (classifier.Classifier, error) {
		var opts []huggingface.Option
		if p := optString(entry.Options, "path"); p != "" {
			opts = append(opts, huggingface.WithPath(p))
		}
		if rate := optInt(entry.Options, "upload_rate"); rate > 0 {
			opts = append(opts, huggingface.WithUploadRate(rate))
		}
		return huggingface.New(entry.BaseURL, opts...)
	})

	// transcript transcribes with whisper.cpp and judges the words, by LLM when
	// options.judge_provider is set and by phonetic phrase matching otherwise.
	reg.RegisterClassifier("transcript", func(entry config.StrategyEntry) (classifier.Classifier, error) {
		var wopts []transcript.WhisperOption
		if lang := optString(entry.Options, "language"); lang != "" {
			wopts = append(wopts, transcript.WithLanguage(lang))
		}
		stt, err := transcript.NewWhisper(entry.BaseURL, wopts...)
		if err != nil {
			return nil, err
		}

		var judge transcript.Judge = transcript.NewPhraseJudge()
		if jp := optString(entry.Options, "judge_provider"); jp != "" {
			var lopts []anyllmlib.Option
			if key := optString(entry.Options, "judge_api_key"); key != "" {
				lopts = append(lopts, anyllmlib.WithAPIKey(key))
			}
			if u := optString(entry.Options, "judge_base_url"); u != "" {
				lopts = append(lopts, anyllmlib.WithBaseURL(u))
			}
			judge, err = transcript.NewLLMJudge(jp, entry.Model, lopts...)
			if err != nil {
				return nil, err
			}
		}
		return transcript.New(stt, judge)
	})

	reg.RegisterClassifier("heuristic", func(entry config.StrategyEntry) (classifier.Classifier, error) {
		var opts []heuristic.Option
		if d := optDuration(entry.Options, "machine_speech"); d > 0 {
			opts = append(opts, heuristic.WithMachineSpeech(d))
		}
		if d := optDuration(entry.Options, "human_utterance"); d > 0 {
			opts = append(opts, heuristic.WithHumanUtterance(d))
		}
		if d := optDuration(entry.Options, "human_pause"); d > 0 {
			opts = append(opts, heuristic.WithHumanPause(d))
		}
		return heuristic.New(opts...), nil
	})

	reg.RegisterClassifier("noop", func(entry config.StrategyEntry) (classifier.Classifier, error) {
		conf := -1.0
		if v, ok := optFloat(entry.Options, "confidence"); ok {
			conf = v
		}
		return noop.New(conf), nil
	})

	for _, name := range reg.Providers() {
		slog.Debug("registered strategy provider", "name", name)
	}
}

// buildStrategies instantiates every configured strategy, wraps each in a
// circuit breaker with its declared fallbacks, and returns the resulting set.
// Strategies whose provider is unknown are skipped with a warning.
func buildStrategies(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*stream.StrategySet, error) {
	raw := make(map[string]classifier.Classifier, len(cfg.Strategies))
	for _, entry := range cfg.Strategies {
		c, err := reg.CreateClassifier(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("strategy provider not available, skipping", "strategy", entry.Name, "provider", entry.ProviderName())
			continue
		}
		if err != nil {
			return nil, err
		}
		raw[entry.Name] = c
		slog.Info("strategy created", "strategy", entry.Name, "provider", entry.ProviderName(), "model", entry.Model)
	}

	cb := cfg.Classification.CircuitBreaker
	breakerCfg := func(name string) resilience.FallbackConfig {
		return resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
			Name:         name,
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
			OnStateChange: func(breaker string, _, to resilience.State) {
				metrics.RecordCircuitTransition(context.Background(), breaker, to.String())
			},
		}}
	}

	wrapped := make(map[string]classifier.Classifier, len(raw))
	for _, entry := range cfg.Strategies {
		primary, ok := raw[entry.Name]
		if !ok {
			continue
		}
		fb := resilience.NewClassifierFallback(primary, entry.Name, breakerCfg(entry.Name))
		for _, name := range entry.Fallbacks {
			c, ok := raw[name]
			if !ok {
				return nil, fmt.Errorf("strategy %q: fallback %q is not available", entry.Name, name)
			}
			fb.AddFallback(name, c)
		}
		wrapped[entry.Name] = fb
	}
	return stream.NewStrategySet(wrapped), nil
}

// ── Option helpers ───────────────────────────────────────────────────────────

// optString extracts a string value from a strategy Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a numeric value. YAML decodes integers as int.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func optInt(opts map[string]any, key string) int {
	v, _ := optFloat(opts, key)
	return int(v)
}

// optDuration accepts a Go duration string ("1500ms") or a number of seconds.
func optDuration(opts map[string]any, key string) time.Duration {
	if s := optString(opts, key); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
			return 0
		}
		return d
	}
	if v, ok := optFloat(opts, key); ok {
		return time.Duration(v * float64(time.Second))
	}
	return 0
}
