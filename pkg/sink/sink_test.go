package sink_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/amdstream/pkg/classifier"
	"github.com/MrWong99/amdstream/pkg/sink"
)

func TestStatusHintFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		label classifier.Label
		want  string
	}{
		{classifier.LabelHuman, sink.StatusAnswered},
		{classifier.LabelMachine, sink.StatusTerminated},
		{classifier.LabelUndecided, sink.StatusInProgress},
		{"", sink.StatusInProgress},
	}
	for _, tc := range tests {
		if got := sink.StatusHintFor(tc.label); got != tc.want {
			t.Errorf("StatusHintFor(%q) = %q, want %q", tc.label, got, tc.want)
		}
	}
}

func TestLogSink(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := sink.NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	err := s.SetVerdict(context.Background(), "call-9", sink.Update{
		Label: classifier.LabelMachine, Confidence: 0.92, StatusHint: sink.StatusTerminated,
	})
	if err != nil {
		t.Fatalf("SetVerdict: %v", err)
	}
	if err := s.SetStatus(context.Background(), "call-9", "completed", 3*time.Second); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"session_id=call-9", "label=machine", "status=terminated", "status=completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
