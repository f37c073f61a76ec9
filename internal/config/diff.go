package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// StreamChanged and ClassificationChanged apply to sessions accepted
	// after the reload. Running sessions keep the settings they started with.
	StreamChanged         bool
	ClassificationChanged bool

	// StrategiesAdded, StrategiesRemoved and StrategiesModified list strategy
	// names, sorted. Strategy changes need the classifiers to be rebuilt.
	StrategiesAdded    []string
	StrategiesRemoved  []string
	StrategiesModified []string

	// RestartRequired lists settings that changed but are only read at
	// startup (listener, TLS, sink, twilio).
	RestartRequired []string
}

// StrategiesChanged reports whether any strategy was added, removed or edited.
func (d ConfigDiff) StrategiesChanged() bool {
	return len(d.StrategiesAdded)+len(d.StrategiesRemoved)+len(d.StrategiesModified) > 0
}

// Empty reports whether the two configs were equivalent.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.StreamChanged && !d.ClassificationChanged &&
		!d.StrategiesChanged() && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.StreamChanged = old.Stream != new.Stream
	d.ClassificationChanged = !reflect.DeepEqual(old.Classification, new.Classification)

	oldS := strategyMap(old.Strategies)
	newS := strategyMap(new.Strategies)
	for name, o := range oldS {
		n, ok := newS[name]
		if !ok {
			d.StrategiesRemoved = append(d.StrategiesRemoved, name)
			continue
		}
		if !reflect.DeepEqual(o, n) {
			d.StrategiesModified = append(d.StrategiesModified, name)
		}
	}
	for name := range newS {
		if _, ok := oldS[name]; !ok {
			d.StrategiesAdded = append(d.StrategiesAdded, name)
		}
	}
	slices.Sort(d.StrategiesAdded)
	slices.Sort(d.StrategiesRemoved)
	slices.Sort(d.StrategiesModified)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Sink != new.Sink {
		d.RestartRequired = append(d.RestartRequired, "sink")
	}
	if old.Twilio != new.Twilio || old.Server.PublicURL != new.Server.PublicURL {
		d.RestartRequired = append(d.RestartRequired, "twilio")
	}
	return d
}

func strategyMap(entries []StrategyEntry) map[string]StrategyEntry {
	m := make(map[string]StrategyEntry, len(entries))
	for _, e := range entries {
		m[e.Name] = e
	}
	return m
}

// StrategyNames returns the configured strategy names in declaration order.
func (c *Config) StrategyNames() []string {
	names := make([]string, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		names = append(names, s.Name)
	}
	return names
}

// Strategy returns the entry named name.
func (c *Config) Strategy(name string) (StrategyEntry, bool) {
	for _, s := range c.Strategies {
		if s.Name == name {
			return s, true
		}
	}
	return StrategyEntry{}, false
}
