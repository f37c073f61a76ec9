package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/amdstream/pkg/classifier"
)

// JudgePrompt is the system prompt for [LLMJudge]. The answer must satisfy
// [classifier.VerdictSchema].
const JudgePrompt = `You receive the transcript of the first seconds after an outbound phone call was answered.
Decide whether a live human answered or an answering machine / voicemail greeting is playing.
Respond with JSON only:
{"label": "human" | "machine" | "undecided", "confidence": 0.0-1.0, "reasoning": "brief explanation"}`

// LLMJudge is a [Judge] that asks a text LLM through any-llm-go. Safe for
// concurrent use.
type LLMJudge struct {
	backend anyllmlib.Provider
	model   string
}

var _ Judge = (*LLMJudge)(nil)

// NewLLMJudge creates a judge for the named any-llm-go provider. providerName
// is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp".
func NewLLMJudge(providerName, model string, opts ...anyllmlib.Option) (*LLMJudge, error) {
	if providerName == "" {
		return nil, errors.New("llm judge: providerName must not be empty")
	}
	if model == "" {
		return nil, errors.New("llm judge: model must not be empty")
	}
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("llm judge: create %q backend: %w", providerName, err)
	}
	return &LLMJudge{backend: backend, model: model}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp", providerName)
	}
}

// Judge implements [Judge].
func (j *LLMJudge) Judge(ctx context.Context, text string) (classifier.Verdict, error) {
	temp := 0.0
	params := anyllmlib.CompletionParams{
		Model: j.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: JudgePrompt},
			{Role: "user", Content: fmt.Sprintf("Transcript: %q", text)},
		},
		Temperature: &temp,
	}

	resp, err := j.backend.Completion(ctx, params)
	if err != nil {
		return classifier.Verdict{}, fmt.Errorf("llm judge: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return classifier.Verdict{}, errors.New("llm judge: empty choices in response")
	}
	v, err := classifier.ParseJSONVerdict(resp.Choices[0].Message.ContentString())
	if err != nil {
		return classifier.Verdict{}, fmt.Errorf("llm judge: %w", err)
	}
	return v, nil
}
