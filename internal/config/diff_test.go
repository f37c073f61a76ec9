package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/amdstream/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Stream: config.StreamConfig{WindowBytes: 24000},
		Strategies: []config.StrategyEntry{
			{Name: "gemini", APIKey: "k", Fallbacks: []string{"heuristic"}},
			{Name: "heuristic"},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("LogLevelChanged=%v NewLogLevel=%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if d.StrategiesChanged() || d.StreamChanged {
		t.Errorf("unexpected changes: %+v", d)
	}
}

func TestDiff_Strategies(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Strategies = []config.StrategyEntry{
		{Name: "gemini", APIKey: "k", Fallbacks: []string{"heuristic", "noop"}},
		{Name: "noop"},
	}

	d := config.Diff(old, new)
	if !d.StrategiesChanged() {
		t.Fatal("expected StrategiesChanged")
	}
	if !slices.Equal(d.StrategiesAdded, []string{"noop"}) {
		t.Errorf("added = %v", d.StrategiesAdded)
	}
	if !slices.Equal(d.StrategiesRemoved, []string{"heuristic"}) {
		t.Errorf("removed = %v", d.StrategiesRemoved)
	}
	if !slices.Equal(d.StrategiesModified, []string{"gemini"}) {
		t.Errorf("modified = %v", d.StrategiesModified)
	}
}

func TestDiff_StreamAndClassification(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Stream.WindowBytes = 8000
	limit := 2
	new.Classification.MaxUndecidedWindows = &limit

	d := config.Diff(old, new)
	if !d.StreamChanged {
		t.Error("expected StreamChanged")
	}
	if !d.ClassificationChanged {
		t.Error("expected ClassificationChanged")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9090"
	new.Sink.PostgresDSN = "postgres://x"
	new.Twilio.AuthToken = "t"
	new.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}

	d := config.Diff(old, new)
	want := []string{"server.listen_addr", "server.tls", "sink", "twilio"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.Empty() {
		t.Error("Empty() = true for restart-only diff")
	}
}
