// Package openai implements a detection strategy backed by an OpenAI
// audio-capable chat model (for example gpt-4o-audio-preview).
//
// The window is sent as an input_audio content part (base64 WAV) next to
// [classifier.AudioPrompt]; the text answer is parsed with
// [classifier.ParseJSONVerdict].
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/amdstream/pkg/audio"
	"github.com/MrWong99/amdstream/pkg/classifier"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-audio-preview"

// Classifier sends windows to the OpenAI chat completions API. Safe for
// concurrent use.
type Classifier struct {
	client oai.Client
	model  string
	prompt string
}

var _ classifier.Classifier = (*Classifier)(nil)

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	prompt       string
}

// Option is a functional option for [New].
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithPrompt replaces [classifier.AudioPrompt].
func WithPrompt(prompt string) Option {
	return func(c *config) {
		if prompt != "" {
			c.prompt = prompt
		}
	}
}

// New constructs an OpenAI classifier. An empty model selects [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Classifier, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{prompt: classifier.AudioPrompt}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Classifier{
		client: oai.NewClient(reqOpts...),
		model:  model,
		prompt: cfg.prompt,
	}, nil
}

// Classify implements [classifier.Classifier].
func (c *Classifier) Classify(ctx context.Context, w classifier.Window) (classifier.Verdict, error) {
	rate := w.SampleRate
	if rate <= 0 {
		rate = classifier.DefaultSampleRate
	}
	wav := audio.MulawWAV(w.Audio, rate, 0)

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
				oai.TextContentPart(c.prompt),
				oai.InputAudioContentPart(oai.ChatCompletionContentPartInputAudioInputAudioParam{
					Data:   base64.StdEncoding.EncodeToString(wav),
					Format: "wav",
				}),
			}),
		},
		Temperature: param.NewOpt(0.0),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return classifier.Verdict{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return classifier.Verdict{}, errors.New("openai: empty choices in response")
	}

	v, err := classifier.ParseJSONVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		return classifier.Verdict{}, fmt.Errorf("openai: %w", err)
	}
	return v, nil
}
