package stream_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/amdstream/internal/stream"
	"github.com/MrWong99/amdstream/pkg/classifier"
	"github.com/MrWong99/amdstream/pkg/classifier/mock"
	"github.com/MrWong99/amdstream/pkg/sink"
	sinkmock "github.com/MrWong99/amdstream/pkg/sink/mock"
)

const testWindowBytes = 160

type harness struct {
	sup  *stream.Supervisor
	sink *sinkmock.Sink
	srv  *httptest.Server
}

func newHarness(t *testing.T, strategies map[string]classifier.Classifier, mutate func(*stream.SessionConfig)) *harness {
	t.Helper()
	cfg := stream.DefaultSessionConfig()
	cfg.ThresholdBytes = testWindowBytes
	cfg.ClassificationTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	rs := &sinkmock.Sink{}
	sup := stream.NewSupervisor(stream.NewStrategySet(strategies), rs,
		stream.WithSessionConfig(cfg),
		stream.WithLogger(discard),
	)
	srv := httptest.NewServer(sup)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
		srv.Close()
	})
	return &harness{sup: sup, sink: rs, srv: srv}
}

func (h *harness) dial(t *testing.T, callID, strategy string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	if callID != "" {
		q.Set("callId", callID)
	}
	if strategy != "" {
		q.Set("strategy", strategy)
	}
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?" + q.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendRaw(t *testing.T, c *websocket.Conn, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func start(t *testing.T, c *websocket.Conn, sid string) {
	t.Helper()
	send(t, c, map[string]any{"event": "connected", "protocol": "Call"})
	send(t, c, map[string]any{"event": "start", "streamSid": sid, "start": map[string]any{"streamSid": sid, "callSid": "CA1"}})
}

func media(t *testing.T, c *websocket.Conn, sid string, n int, fill byte) {
	t.Helper()
	send(t, c, map[string]any{
		"event":     "media",
		"streamSid": sid,
		"media":     map[string]any{"track": "inbound", "payload": b64(bytes.Repeat([]byte{fill}, n))},
	})
}

// readClose reads until the server closes the connection and returns the
// close status. Text messages received first are returned too.
func readClose(t *testing.T, c *websocket.Conn) (websocket.StatusCode, []string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var msgs []string
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err), msgs
		}
		msgs = append(msgs, string(data))
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSupervisor_RejectsMissingParams(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]classifier.Classifier{"noop": &mock.Classifier{}}, nil)

	for _, tc := range []struct{ callID, strategy string }{
		{"", "noop"},
		{"call-1", ""},
		{"", ""},
		{"bad id with spaces", "noop"},
	} {
		c := h.dial(t, tc.callID, tc.strategy)
		if code, _ := readClose(t, c); code != websocket.StatusPolicyViolation {
			t.Errorf("callId=%q strategy=%q: close = %v, want 1008", tc.callID, tc.strategy, code)
		}
	}
	if n := h.sup.Registry().Len(); n != 0 {
		t.Errorf("registry has %d sessions", n)
	}
}

func TestSupervisor_RejectsUnknownStrategy(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]classifier.Classifier{"noop": &mock.Classifier{}}, nil)

	c := h.dial(t, "call-1", "nope")
	if code, _ := readClose(t, c); code != websocket.StatusPolicyViolation {
		t.Errorf("close = %v, want 1008", code)
	}
	if len(h.sink.Verdicts()) != 0 {
		t.Error("sink written for refused session")
	}
}

func TestSupervisor_RejectsDuplicateCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]classifier.Classifier{"noop": &mock.Classifier{}}, nil)

	first := h.dial(t, "call-1", "noop")
	waitFor(t, "first session", func() bool {
		_, ok := h.sup.Registry().Get("call-1")
		return ok
	})

	second := h.dial(t, "call-1", "noop")
	if code, _ := readClose(t, second); code != websocket.StatusPolicyViolation {
		t.Errorf("duplicate close = %v, want 1008", code)
	}

	start(t, first, "MZ1")
	send(t, first, map[string]any{"event": "stop", "streamSid": "MZ1"})
	if code, _ := readClose(t, first); code != websocket.StatusNormalClosure {
		t.Errorf("first close = %v, want normal", code)
	}
}

func TestSession_MachineTerminates(t *testing.T) {
	t.Parallel()
	c := &mock.Classifier{Verdict: machine}
	h := newHarness(t, map[string]classifier.Classifier{"gemini": c}, nil)

	conn := h.dial(t, "call-m", "gemini")
	start(t, conn, "MZ42")
	media(t, conn, "MZ42", testWindowBytes, 0x7f)

	code, msgs := readClose(t, conn)
	if code != websocket.StatusNormalClosure {
		t.Errorf("close = %v, want normal", code)
	}
	if len(msgs) != 1 || msgs[0] != `{"event":"stop","streamSid":"MZ42"}` {
		t.Errorf("messages = %q, want one stop instruction", msgs)
	}

	calls := h.sink.VerdictsFor("call-m")
	if len(calls) != 1 {
		t.Fatalf("sink writes = %d, want 1", len(calls))
	}
	u := calls[0].Update
	if u.Label != classifier.LabelMachine || u.Confidence != 0.92 || u.StatusHint != sink.StatusTerminated {
		t.Errorf("Update = %+v", u)
	}
	if u.Metadata["strategy"] != "gemini" || u.Metadata["window_bytes"] != testWindowBytes {
		t.Errorf("Metadata = %v", u.Metadata)
	}

	waitFor(t, "session removal", func() bool { return h.sup.Registry().Len() == 0 })
}

func TestSession_HumanKeepsStreaming(t *testing.T) {
	t.Parallel()
	c := &mock.Classifier{Verdicts: []classifier.Verdict{human, human}}
	h := newHarness(t, map[string]classifier.Classifier{"gemini": c}, nil)

	conn := h.dial(t, "call-h", "gemini")
	start(t, conn, "MZ1")
	media(t, conn, "MZ1", testWindowBytes, 1)
	media(t, conn, "MZ1", testWindowBytes, 2)

	waitFor(t, "two verdicts", func() bool { return len(h.sink.VerdictsFor("call-h")) == 2 })
	for _, call := range h.sink.VerdictsFor("call-h") {
		if call.Update.Label != classifier.LabelHuman || call.Update.StatusHint != sink.StatusAnswered {
			t.Errorf("Update = %+v", call.Update)
		}
	}

	s, ok := h.sup.Registry().Get("call-h")
	if !ok {
		t.Fatal("session not registered")
	}
	if s.State() != stream.StateStreaming {
		t.Errorf("State = %v, want streaming", s.State())
	}

	calls := c.Calls()
	if len(calls) != 2 || calls[0].Window.Seq != 1 || calls[1].Window.Seq != 2 {
		t.Fatalf("classifier calls = %+v", calls)
	}
	if calls[0].Window.Audio[0] != 1 || calls[1].Window.Audio[0] != 2 {
		t.Error("windows classified out of order")
	}

	send(t, conn, map[string]any{"event": "stop", "streamSid": "MZ1"})
	if code, _ := readClose(t, conn); code != websocket.StatusNormalClosure {
		t.Errorf("close = %v, want normal", code)
	}
}

func TestSession_ClassificationTimeout(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	c := &mock.Classifier{Block: block, IgnoreContext: true}
	h := newHarness(t, map[string]classifier.Classifier{"slow": c}, func(cfg *stream.SessionConfig) {
		cfg.ClassificationTimeout = 50 * time.Millisecond
	})

	conn := h.dial(t, "call-t", "slow")
	start(t, conn, "MZ1")
	media(t, conn, "MZ1", testWindowBytes, 1)
	// Buffering continues while the first window is stuck.
	media(t, conn, "MZ1", testWindowBytes/2, 2)
	media(t, conn, "MZ1", testWindowBytes/2, 2)

	waitFor(t, "undecided verdicts", func() bool { return len(h.sink.VerdictsFor("call-t")) >= 2 })
	u := h.sink.VerdictsFor("call-t")[0].Update
	if u.Label != classifier.LabelUndecided || u.Confidence != 0 {
		t.Errorf("Update = %+v, want undecided at 0", u)
	}
	if u.StatusHint != sink.StatusInProgress {
		t.Errorf("StatusHint = %q", u.StatusHint)
	}
	if _, ok := u.Metadata["classification_error"]; !ok {
		t.Errorf("Metadata = %v, want classification_error", u.Metadata)
	}
	if c.CallCount() != 2 {
		t.Errorf("classifier calls = %d, want 2", c.CallCount())
	}
}

func TestSession_UndecidedLimitTerminates(t *testing.T) {
	t.Parallel()
	c := &mock.Classifier{Verdict: undecided}
	h := newHarness(t, map[string]classifier.Classifier{"x": c}, func(cfg *stream.SessionConfig) {
		cfg.Decision = stream.DecisionPolicy{UndecidedLimit: 2, TerminateInconclusive: true}
	})

	conn := h.dial(t, "call-u", "x")
	start(t, conn, "MZ1")
	media(t, conn, "MZ1", testWindowBytes, 1)
	media(t, conn, "MZ1", testWindowBytes, 1)

	code, msgs := readClose(t, conn)
	if code != websocket.StatusNormalClosure || len(msgs) != 1 {
		t.Errorf("close = %v msgs = %q", code, msgs)
	}
	calls := h.sink.VerdictsFor("call-u")
	if len(calls) != 2 || calls[1].Update.StatusHint != sink.StatusInconclusive {
		t.Errorf("sink calls = %+v", calls)
	}
}

func TestSession_MalformedTolerance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]classifier.Classifier{"noop": &mock.Classifier{}}, func(cfg *stream.SessionConfig) {
		cfg.MalformedTolerance = 2
	})

	conn := h.dial(t, "call-bad", "noop")
	sendRaw(t, conn, `not json`)
	media(t, conn, "MZ1", 10, 1) // media before start
	sendRaw(t, conn, `{"event":"media","media":{"payload":"***"}}`)

	if code, _ := readClose(t, conn); code != websocket.StatusPolicyViolation {
		t.Errorf("close = %v, want 1008", code)
	}
}

func TestSession_MalformedWithinTolerance(t *testing.T) {
	t.Parallel()
	c := &mock.Classifier{Verdict: machine}
	h := newHarness(t, map[string]classifier.Classifier{"x": c}, func(cfg *stream.SessionConfig) {
		cfg.MalformedTolerance = 2
	})

	conn := h.dial(t, "call-ok", "x")
	start(t, conn, "MZ1")
	sendRaw(t, conn, `{"event":"bogus"}`)
	media(t, conn, "MZ1", testWindowBytes, 1)

	if code, _ := readClose(t, conn); code != websocket.StatusNormalClosure {
		t.Errorf("close = %v, want normal", code)
	}
}

func TestSession_BacklogCoalesces(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	started := make(chan int, 8)
	c := &mock.Classifier{Block: block, Started: started, Verdict: human}
	h := newHarness(t, map[string]classifier.Classifier{"x": c}, func(cfg *stream.SessionConfig) {
		cfg.MaxPendingWindows = 1
	})

	conn := h.dial(t, "call-b", "x")
	start(t, conn, "MZ1")
	media(t, conn, "MZ1", testWindowBytes, 1)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first window not dispatched")
	}
	for fill := byte(2); fill <= 4; fill++ {
		media(t, conn, "MZ1", testWindowBytes, fill)
	}

	s, ok := h.sup.Registry().Get("call-b")
	if !ok {
		t.Fatal("session not registered")
	}
	waitFor(t, "backlog", func() bool { return s.Info().BytesReceived == 4*testWindowBytes })
	info := s.Info()
	if info.Windows != 2 || info.Pending != 1 {
		t.Errorf("Windows=%d Pending=%d, want 2 and 1", info.Windows, info.Pending)
	}

	close(block)
	waitFor(t, "coalesced window", func() bool { return c.CallCount() == 2 })
	w := c.Calls()[1].Window
	if w.Seq != 2 || len(w.Audio) != 3*testWindowBytes {
		t.Fatalf("second window seq=%d bytes=%d, want 2 and %d", w.Seq, len(w.Audio), 3*testWindowBytes)
	}
	if w.Audio[0] != 2 || w.Audio[len(w.Audio)-1] != 4 {
		t.Error("coalesced audio out of order")
	}
}

func TestSession_PeerDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]classifier.Classifier{"noop": &mock.Classifier{}}, nil)

	conn := h.dial(t, "call-gone", "noop")
	start(t, conn, "MZ1")
	media(t, conn, "MZ1", testWindowBytes/2, 1)
	waitFor(t, "session", func() bool { return h.sup.Registry().Len() == 1 })

	_ = conn.CloseNow()
	waitFor(t, "session removal", func() bool { return h.sup.Registry().Len() == 0 })
	if len(h.sink.Verdicts()) != 0 {
		t.Error("partial window was classified")
	}
}

func TestSupervisor_ShutdownClosesSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]classifier.Classifier{"noop": &mock.Classifier{}}, nil)

	conn := h.dial(t, "call-s", "noop")
	start(t, conn, "MZ1")
	waitFor(t, "session", func() bool { return h.sup.Registry().Len() == 1 })

	codes := make(chan websocket.StatusCode, 1)
	go func() {
		code, _ := readClose(t, conn)
		codes <- code
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if code := <-codes; code != websocket.StatusGoingAway {
		t.Errorf("close = %v, want going away", code)
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?callId=late&strategy=noop"
	_, resp, err := websocket.Dial(dctx, u, nil)
	if err == nil {
		t.Fatal("dial after shutdown succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("resp = %v, want 503", resp)
	}
}

func TestSupervisor_SetSessionConfig(t *testing.T) {
	t.Parallel()
	c := &mock.Classifier{Verdict: machine}
	h := newHarness(t, map[string]classifier.Classifier{"x": c}, nil)

	cfg := h.sup.SessionConfig()
	cfg.ThresholdBytes = 2 * testWindowBytes
	h.sup.SetSessionConfig(cfg)

	conn := h.dial(t, "call-cfg", "x")
	start(t, conn, "MZ1")
	media(t, conn, "MZ1", testWindowBytes, 1)
	media(t, conn, "MZ1", testWindowBytes, 1)

	if code, _ := readClose(t, conn); code != websocket.StatusNormalClosure {
		t.Errorf("close = %v", code)
	}
	if calls := c.Calls(); len(calls) != 1 || len(calls[0].Window.Audio) != 2*testWindowBytes {
		t.Errorf("calls = %d, want one %d-byte window", len(calls), 2*testWindowBytes)
	}
}

func TestSupervisor_ShutdownIdempotent(t *testing.T) {
	t.Parallel()
	sup := stream.NewSupervisor(stream.NewStrategySet(nil), &sinkmock.Sink{}, stream.WithLogger(discard))
	ctx := context.Background()
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sup.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatal(err)
	}
}
