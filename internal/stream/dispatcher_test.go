package stream_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/amdstream/internal/stream"
	"github.com/MrWong99/amdstream/pkg/classifier"
	"github.com/MrWong99/amdstream/pkg/classifier/mock"
)

var discard = slog.New(slog.DiscardHandler)

func testWindow(seq int) classifier.Window {
	return classifier.Window{
		SessionID:  "call-1",
		Seq:        seq,
		Audio:      make([]byte, 320),
		Encoding:   classifier.EncodingMulaw,
		SampleRate: 8000,
	}
}

func TestDispatch_Verdict(t *testing.T) {
	t.Parallel()
	c := &mock.Classifier{Verdict: classifier.Verdict{Label: classifier.LabelMachine, Confidence: 0.92}}
	d := stream.NewDispatcher("gemini", c, time.Second, nil, discard)

	res := d.Dispatch(context.Background(), testWindow(3))
	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	if res.Verdict.Label != classifier.LabelMachine || res.Verdict.Confidence != 0.92 {
		t.Errorf("Verdict = %+v", res.Verdict)
	}
	if res.Seq != 3 || res.Bytes != 320 {
		t.Errorf("Seq=%d Bytes=%d, want 3 and 320", res.Seq, res.Bytes)
	}
	if d.Strategy() != "gemini" {
		t.Errorf("Strategy = %q", d.Strategy())
	}
}

func TestDispatch_NormalizesVerdict(t *testing.T) {
	t.Parallel()
	c := &mock.Classifier{Verdict: classifier.Verdict{Label: "voicemail", Confidence: 0.99}}
	d := stream.NewDispatcher("x", c, time.Second, nil, discard)

	res := d.Dispatch(context.Background(), testWindow(1))
	if res.Verdict.Label != classifier.LabelUndecided {
		t.Errorf("Label = %q, want undecided", res.Verdict.Label)
	}
	if res.Verdict.Confidence > classifier.UndecidedConfidence {
		t.Errorf("Confidence = %v, want <= %v", res.Verdict.Confidence, classifier.UndecidedConfidence)
	}
}

func TestDispatch_Error(t *testing.T) {
	t.Parallel()
	backendErr := errors.New("503 from upstream")
	c := &mock.Classifier{Err: backendErr}
	d := stream.NewDispatcher("x", c, time.Second, nil, discard)

	res := d.Dispatch(context.Background(), testWindow(1))
	if !errors.Is(res.Err, stream.ErrClassificationFailure) {
		t.Errorf("Err = %v, want ErrClassificationFailure", res.Err)
	}
	if !errors.Is(res.Err, backendErr) {
		t.Errorf("Err = %v, want wrapped backend error", res.Err)
	}
	if res.Verdict.Label != classifier.LabelUndecided || res.Verdict.Confidence != classifier.FailureConfidence {
		t.Errorf("Verdict = %+v, want undecided at failure confidence", res.Verdict)
	}
}

func TestDispatch_Panic(t *testing.T) {
	t.Parallel()
	c := classifier.Func(func(context.Context, classifier.Window) (classifier.Verdict, error) {
		panic("boom")
	})
	d := stream.NewDispatcher("x", c, time.Second, nil, discard)

	res := d.Dispatch(context.Background(), testWindow(1))
	if !errors.Is(res.Err, stream.ErrClassificationFailure) {
		t.Errorf("Err = %v, want ErrClassificationFailure", res.Err)
	}
	if res.Verdict.Label != classifier.LabelUndecided {
		t.Errorf("Label = %q", res.Verdict.Label)
	}
}

func TestDispatch_TimeoutWithUncooperativeBackend(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	c := &mock.Classifier{Block: block, IgnoreContext: true}
	d := stream.NewDispatcher("slow", c, 50*time.Millisecond, nil, discard)

	start := time.Now()
	res := d.Dispatch(context.Background(), testWindow(1))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Dispatch took %v, deadline not enforced", elapsed)
	}
	if !errors.Is(res.Err, stream.ErrClassificationTimeout) {
		t.Errorf("Err = %v, want ErrClassificationTimeout", res.Err)
	}
	if res.Verdict.Label != classifier.LabelUndecided || res.Verdict.Confidence != 0 {
		t.Errorf("Verdict = %+v, want undecided at 0", res.Verdict)
	}
}

func TestDispatch_CallerCancel(t *testing.T) {
	t.Parallel()
	c := &mock.Classifier{Block: make(chan struct{})}
	d := stream.NewDispatcher("x", c, 0, nil, discard)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := d.Dispatch(ctx, testWindow(1))
	if errors.Is(res.Err, stream.ErrClassificationTimeout) {
		t.Error("caller cancellation reported as timeout")
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", res.Err)
	}
}

func TestStrategySet(t *testing.T) {
	t.Parallel()
	a, b := &mock.Classifier{}, &mock.Classifier{}
	src := map[string]classifier.Classifier{"b": b, "a": a}
	set := stream.NewStrategySet(src)

	if got, err := set.Lookup("a"); err != nil || got != a {
		t.Errorf("Lookup(a) = %v, %v", got, err)
	}
	if _, err := set.Lookup("zzz"); !errors.Is(err, stream.ErrUnknownStrategy) {
		t.Errorf("Lookup(zzz) err = %v, want ErrUnknownStrategy", err)
	}
	if names := set.Names(); !slices.Equal(names, []string{"a", "b"}) {
		t.Errorf("Names = %v", names)
	}

	src["c"] = a
	delete(src, "a")
	if _, err := set.Lookup("c"); !errors.Is(err, stream.ErrUnknownStrategy) {
		t.Error("set changed when the source map was mutated")
	}
	if names := set.Names(); !slices.Equal(names, []string{"a", "b"}) {
		t.Errorf("Names after mutating source = %v", names)
	}
}
