// Package gemini implements a detection strategy backed by Google Gemini's
// audio understanding.
//
// Each window is decoded from mu-law, wrapped as a PCM WAV file and sent
// inline with [classifier.AudioPrompt] through a single GenerateContent call.
// The model's JSON answer is validated by [classifier.ParseJSONVerdict].
//
// Usage:
//
//	c, err := gemini.New(ctx, os.Getenv("GEMINI_API_KEY"), gemini.WithModel("gemini-2.0-flash"))
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/amdstream/pkg/audio"
	"github.com/MrWong99/amdstream/pkg/classifier"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.0-flash"

// Classifier sends windows to Gemini. Safe for concurrent use.
type Classifier struct {
	models *genai.Models
	model  string
	prompt string
}

var _ classifier.Classifier = (*Classifier)(nil)

type config struct {
	model   string
	baseURL string
	prompt  string
}

// Option is a functional option for [New].
type Option func(*config)

// WithModel selects the Gemini model. Default: [DefaultModel].
func WithModel(model string) Option {
	return func(c *config) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithPrompt replaces [classifier.AudioPrompt]. The answer must still satisfy
// [classifier.VerdictSchema].
func WithPrompt(prompt string) Option {
	return func(c *config) {
		if prompt != "" {
			c.prompt = prompt
		}
	}
}

// New creates a Gemini classifier using the Gemini Developer API.
func New(ctx context.Context, apiKey string, opts ...Option) (*Classifier, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	cfg := config{model: DefaultModel, prompt: classifier.AudioPrompt}
	for _, o := range opts {
		o(&cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Classifier{models: client.Models, model: cfg.model, prompt: cfg.prompt}, nil
}

// Classify implements [classifier.Classifier].
func (c *Classifier) Classify(ctx context.Context, w classifier.Window) (classifier.Verdict, error) {
	rate := w.SampleRate
	if rate <= 0 {
		rate = classifier.DefaultSampleRate
	}
	wav := audio.MulawWAV(w.Audio, rate, 0)

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: c.prompt},
			{InlineData: &genai.Blob{MIMEType: "audio/wav", Data: wav}},
		},
	}}
	temp := float32(0)
	resp, err := c.models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{
		Temperature:      &temp,
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return classifier.Verdict{}, fmt.Errorf("gemini: generate content: %w", err)
	}

	text := collectText(resp)
	if text == "" {
		return classifier.Verdict{}, errors.New("gemini: empty response")
	}
	v, err := classifier.ParseJSONVerdict(text)
	if err != nil {
		return classifier.Verdict{}, fmt.Errorf("gemini: %w", err)
	}
	return v, nil
}

// collectText concatenates the text parts of every candidate.
func collectText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.Text == "" {
				continue
			}
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
