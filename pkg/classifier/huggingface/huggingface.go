// Package huggingface implements a detection strategy that delegates to a
// local audio-classification service wrapping a HuggingFace model.
//
// The service exposes POST /predict accepting a multipart upload (field
// "audio", WAV) and answers with
//
//	{"label": "human" | "voicemail", "confidence": 0.87, "processing_time": 0.12}
//
// "voicemail" maps to [classifier.LabelMachine].
//
// Usage:
//
//	c, err := huggingface.New("http://localhost:8000", huggingface.WithTimeout(5*time.Second))
package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/amdstream/pkg/audio"
	"github.com/MrWong99/amdstream/pkg/classifier"
)

const (
	defaultPath    = "/predict"
	defaultTimeout = 10 * time.Second

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 1 << 20
)

// Classifier posts windows to the prediction service. Safe for concurrent use.
type Classifier struct {
	baseURL    string
	path       string
	sampleRate int
	httpClient *http.Client
}

var _ classifier.Classifier = (*Classifier)(nil)

// Option is a functional option for [New].
type Option func(*Classifier)

// WithPath overrides the prediction endpoint path. Default: "/predict".
func WithPath(path string) Option {
	return func(c *Classifier) {
		if path != "" {
			c.path = "/" + strings.TrimPrefix(path, "/")
		}
	}
}

// WithTimeout sets the HTTP client timeout. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Classifier) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithUploadRate resamples audio to rate Hz before upload. Zero keeps the
// window's native rate. Wav2vec-style models usually want 16000.
func WithUploadRate(rate int) Option {
	return func(c *Classifier) {
		c.sampleRate = rate
	}
}

// New returns a classifier for the service at baseURL
// (e.g. "http://localhost:8000").
func New(baseURL string, opts ...Option) (*Classifier, error) {
	if baseURL == "" {
		return nil, errors.New("huggingface: baseURL must not be empty")
	}
	c := &Classifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		path:       defaultPath,
		sampleRate: 16000,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// prediction is the service response body.
type prediction struct {
	Label          string  `json:"label"`
	Confidence     float64 `json:"confidence"`
	ProcessingTime float64 `json:"processing_time"`
	Simulated      bool    `json:"simulated"`
	Error          string  `json:"error"`
}

// Classify implements [classifier.Classifier].
func (c *Classifier) Classify(ctx context.Context, w classifier.Window) (classifier.Verdict, error) {
	rate := w.SampleRate
	if rate <= 0 {
		rate = classifier.DefaultSampleRate
	}
	wav := audio.MulawWAV(w.Audio, rate, c.sampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", fmt.Sprintf("%s-%d.wav", w.SessionID, w.Seq))
	if err != nil {
		return classifier.Verdict{}, fmt.Errorf("huggingface: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return classifier.Verdict{}, fmt.Errorf("huggingface: write audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return classifier.Verdict{}, fmt.Errorf("huggingface: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, &body)
	if err != nil {
		return classifier.Verdict{}, fmt.Errorf("huggingface: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifier.Verdict{}, fmt.Errorf("huggingface: post: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classifier.Verdict{}, fmt.Errorf("huggingface: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return classifier.Verdict{}, fmt.Errorf("huggingface: server returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var p prediction
	if err := json.Unmarshal(data, &p); err != nil {
		return classifier.Verdict{}, fmt.Errorf("huggingface: decode response: %w", err)
	}
	if p.Error != "" {
		return classifier.Verdict{}, fmt.Errorf("huggingface: service error: %s", p.Error)
	}
	return toVerdict(p)
}

func toVerdict(p prediction) (classifier.Verdict, error) {
	var label classifier.Label
	switch strings.ToLower(strings.TrimSpace(p.Label)) {
	case "human":
		label = classifier.LabelHuman
	case "voicemail", "machine":
		label = classifier.LabelMachine
	case "undecided", "unknown":
		label = classifier.LabelUndecided
	default:
		return classifier.Verdict{}, fmt.Errorf("huggingface: unknown label %q", p.Label)
	}
	rationale := fmt.Sprintf("model label %q in %.3fs", p.Label, p.ProcessingTime)
	if p.Simulated {
		rationale += " (simulated)"
	}
	return classifier.Verdict{Label: label, Confidence: p.Confidence, Rationale: rationale}.Normalize(), nil
}
