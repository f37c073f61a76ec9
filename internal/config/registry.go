package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/amdstream/pkg/classifier"
)

// ErrProviderNotRegistered is returned by [Registry.CreateClassifier] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ClassifierFactory builds a strategy from its config entry.
type ClassifierFactory func(StrategyEntry) (classifier.Classifier, error)

// Registry maps provider names to classifier constructors. It is safe for
// concurrent use.
type Registry struct {
	mu          sync.RWMutex
	classifiers map[string]ClassifierFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		classifiers: make(map[string]ClassifierFactory),
	}
}

// RegisterClassifier registers a classifier factory under provider.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterClassifier(provider string, factory ClassifierFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifiers[provider] = factory
}

// CreateClassifier instantiates the strategy described by entry using the
// factory registered under entry.ProviderName(). Returns
// [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateClassifier(entry StrategyEntry) (classifier.Classifier, error) {
	r.mu.RLock()
	factory, ok := r.classifiers[entry.ProviderName()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: classifier/%q", ErrProviderNotRegistered, entry.ProviderName())
	}
	c, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create strategy %q: %w", entry.Name, err)
	}
	return c, nil
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classifiers))
	for name := range r.classifiers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
