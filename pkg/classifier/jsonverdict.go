package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// AudioPrompt is the instruction sent alongside window audio to generative
// audio-understanding models. The expected answer matches [VerdictSchema].
const AudioPrompt = `Analyze this telephone audio and decide whether a live human answered the call or an answering machine / voicemail system did.

Consider:
- Human: natural speech, short greeting such as "hello?", pauses waiting for a reply, questions, background noise of a real room.
- Machine: scripted or recorded greeting, "leave a message", "not available", "after the tone", beeps, menu options, long uninterrupted speech.
- If the audio is silent or too short to judge, answer "undecided".

Respond with JSON only:
{"label": "human" | "machine" | "undecided", "confidence": 0.0-1.0, "reasoning": "brief explanation"}`

// VerdictSchema is the JSON schema a model answer must satisfy. Both the
// label form and the legacy isHuman form are accepted.
const VerdictSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "label":      {"type": "string", "enum": ["human", "machine", "undecided"]},
    "isHuman":    {"type": "boolean"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning":  {"type": "string"}
  },
  "required": ["confidence"],
  "anyOf": [
    {"required": ["label"]},
    {"required": ["isHuman"]}
  ]
}`

const verdictSchemaURL = "amdstream://verdict.schema.json"

// ErrInvalidVerdict is returned by [ParseJSONVerdict] when a model answer is
// not valid JSON or does not satisfy [VerdictSchema].
var ErrInvalidVerdict = errors.New("classifier: invalid verdict json")

var (
	verdictSchema     *jsonschema.Schema
	verdictSchemaErr  error
	verdictSchemaOnce sync.Once
)

func compiledVerdictSchema() (*jsonschema.Schema, error) {
	verdictSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(verdictSchemaURL, strings.NewReader(VerdictSchema)); err != nil {
			verdictSchemaErr = fmt.Errorf("classifier: add verdict schema: %w", err)
			return
		}
		verdictSchema, verdictSchemaErr = compiler.Compile(verdictSchemaURL)
	})
	return verdictSchema, verdictSchemaErr
}

// jsonVerdict mirrors the answer format described in [AudioPrompt].
type jsonVerdict struct {
	Label      string  `json:"label"`
	IsHuman    *bool   `json:"isHuman"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// ParseJSONVerdict extracts a [Verdict] from a model's text answer. Markdown
// code fences around the JSON are stripped. The result is normalised.
func ParseJSONVerdict(text string) (Verdict, error) {
	raw := []byte(StripCodeFence(text))

	schema, err := compiledVerdictSchema()
	if err != nil {
		return Verdict{}, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}
	if err := schema.Validate(payload); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}

	var jv jsonVerdict
	if err := json.Unmarshal(raw, &jv); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}

	v := Verdict{
		Label:      Label(jv.Label),
		Confidence: jv.Confidence,
		Rationale:  jv.Reasoning,
	}
	if jv.Label == "" && jv.IsHuman != nil {
		v.Label = LabelMachine
		if *jv.IsHuman {
			v.Label = LabelHuman
		}
	}
	return v.Normalize(), nil
}

// StripCodeFence removes a surrounding ```json ... ``` (or bare ```) fence and
// any leading prose before the first '{'.
func StripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if i := strings.IndexByte(s, '{'); i > 0 {
		s = s[i:]
	}
	if j := strings.LastIndexByte(s, '}'); j >= 0 && j < len(s)-1 {
		s = s[:j+1]
	}
	return s
}
