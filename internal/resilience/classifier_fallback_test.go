package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/amdstream/internal/resilience"
	"github.com/MrWong99/amdstream/pkg/classifier"
	"github.com/MrWong99/amdstream/pkg/classifier/mock"
)

func TestClassifierFallback_Failover(t *testing.T) {
	t.Parallel()

	primary := &mock.Classifier{Err: errors.New("503")}
	secondary := &mock.Classifier{Verdict: classifier.Verdict{Label: classifier.LabelMachine, Confidence: 0.7}}

	f := resilience.NewClassifierFallback(primary, "gemini", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	f.AddFallback("heuristic", secondary)

	w := classifier.Window{SessionID: "call-1", Seq: 1, Audio: []byte{1, 2, 3}}
	for range 3 {
		v, err := f.Classify(context.Background(), w)
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		if v.Label != classifier.LabelMachine {
			t.Fatalf("Label = %q, want machine from fallback", v.Label)
		}
	}

	if n := primary.CallCount(); n != 1 {
		t.Errorf("primary called %d times, want 1 (breaker opens after first failure)", n)
	}
	if n := secondary.CallCount(); n != 3 {
		t.Errorf("secondary called %d times, want 3", n)
	}
	if calls := secondary.Calls(); calls[0].Window.SessionID != "call-1" {
		t.Errorf("window not forwarded: %+v", calls[0])
	}
}

func TestClassifierFallback_AllFail(t *testing.T) {
	t.Parallel()

	f := resilience.NewClassifierFallback(&mock.Classifier{Err: errors.New("down")}, "openai", resilience.FallbackConfig{})
	if _, err := f.Classify(context.Background(), classifier.Window{}); !errors.Is(err, resilience.ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if names := f.Names(); len(names) != 1 || names[0] != "openai" {
		t.Fatalf("Names() = %v", names)
	}
}
