package transcript

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/amdstream/pkg/classifier"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultHumanMaxWords     = 6
	defaultMonologueWords    = 15
)

// DefaultMachinePhrases are cue phrases typical of voicemail greetings.
var DefaultMachinePhrases = []string{
	"leave a message",
	"leave your message",
	"record your message",
	"after the tone",
	"after the beep",
	"at the tone",
	"you have reached",
	"not available",
	"unavailable",
	"can't take your call",
	"can't come to the phone",
	"voicemail",
	"mailbox",
	"get back to you",
	"the number you have dialed",
}

// DefaultHumanPhrases are cue phrases typical of a live answer.
var DefaultHumanPhrases = []string{
	"hello",
	"hi",
	"hey",
	"yes",
	"yeah",
	"speaking",
	"who is this",
	"who's calling",
	"can i help you",
}

// PhraseJudge is a [Judge] that fuzzy-matches the transcript against cue
// phrases using Double Metaphone codes and Jaro-Winkler similarity, so that
// transcription slips such as "leave a massage" still match. Read-only after
// construction and safe for concurrent use.
type PhraseJudge struct {
	machine           [][]string
	human             [][]string
	phoneticThreshold float64
	fuzzyThreshold    float64
	humanMaxWords     int
	monologueWords    int
}

var _ Judge = (*PhraseJudge)(nil)

// PhraseOption is a functional option for [NewPhraseJudge].
type PhraseOption func(*PhraseJudge)

// WithMachinePhrases replaces [DefaultMachinePhrases].
func WithMachinePhrases(phrases ...string) PhraseOption {
	return func(j *PhraseJudge) {
		j.machine = tokenizeAll(phrases)
	}
}

// WithHumanPhrases replaces [DefaultHumanPhrases].
func WithHumanPhrases(phrases ...string) PhraseOption {
	return func(j *PhraseJudge) {
		j.human = tokenizeAll(phrases)
	}
}

// WithThresholds sets the Jaro-Winkler score needed for a word to match when
// its phonetic code agrees and when it does not. Defaults: 0.70 and 0.85.
func WithThresholds(phonetic, fuzzy float64) PhraseOption {
	return func(j *PhraseJudge) {
		j.phoneticThreshold = phonetic
		j.fuzzyThreshold = fuzzy
	}
}

// NewPhraseJudge returns a phrase judge with the default cue lists.
func NewPhraseJudge(opts ...PhraseOption) *PhraseJudge {
	j := &PhraseJudge{
		machine:           tokenizeAll(DefaultMachinePhrases),
		human:             tokenizeAll(DefaultHumanPhrases),
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		humanMaxWords:     defaultHumanMaxWords,
		monologueWords:    defaultMonologueWords,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Judge implements [Judge].
//
// A machine cue wins over everything else. A human cue only counts when the
// utterance is short, since greetings like "hi, you have reached..." start
// with one too. A long monologue without cues leans machine.
func (j *PhraseJudge) Judge(ctx context.Context, text string) (classifier.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return classifier.Verdict{}, err
	}
	words := tokenize(text)
	if len(words) == 0 {
		return classifier.Undecided(silentConfidence, "no words"), nil
	}

	if hits := j.matchAll(words, j.machine); len(hits) > 0 {
		conf := min(0.75+0.07*float64(len(hits)-1), 0.95)
		return classifier.Verdict{
			Label:      classifier.LabelMachine,
			Confidence: conf,
			Rationale:  fmt.Sprintf("machine cues: %s", strings.Join(hits, ", ")),
		}, nil
	}

	if len(words) <= j.humanMaxWords {
		if hits := j.matchAll(words, j.human); len(hits) > 0 {
			return classifier.Verdict{
				Label:      classifier.LabelHuman,
				Confidence: 0.75,
				Rationale:  fmt.Sprintf("short live greeting: %s", strings.Join(hits, ", ")),
			}, nil
		}
	}

	if len(words) >= j.monologueWords {
		return classifier.Verdict{
			Label:      classifier.LabelMachine,
			Confidence: 0.6,
			Rationale:  fmt.Sprintf("%d-word monologue without cues", len(words)),
		}, nil
	}
	return classifier.Undecided(0.4, "no cue phrases"), nil
}

// matchAll returns the phrases that occur in words.
func (j *PhraseJudge) matchAll(words []string, phrases [][]string) []string {
	var hits []string
	for _, p := range phrases {
		if j.containsPhrase(words, p) {
			hits = append(hits, strings.Join(p, " "))
		}
	}
	return hits
}

// containsPhrase slides phrase over words and reports whether every word of
// some alignment matches.
func (j *PhraseJudge) containsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		ok := true
		for k, want := range phrase {
			if !j.wordMatches(words[i+k], want) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func (j *PhraseJudge) wordMatches(got, want string) bool {
	if got == want {
		return true
	}
	score := matchr.JaroWinkler(got, want, false)
	if score >= j.fuzzyThreshold {
		return true
	}
	return score >= j.phoneticThreshold && codesOverlap(got, want)
}

// codesOverlap reports whether two words share a Double Metaphone code.
func codesOverlap(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	for _, x := range []string{ap, as} {
		if x == "" {
			continue
		}
		if x == bp || x == bs {
			return true
		}
	}
	return false
}

// tokenize lower-cases text, drops apostrophes and splits on anything that
// is not a letter or digit.
func tokenize(text string) []string {
	text = strings.ToLower(strings.NewReplacer("'", "", "’", "").Replace(text))
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenizeAll(phrases []string) [][]string {
	out := make([][]string, 0, len(phrases))
	for _, p := range phrases {
		if t := tokenize(p); len(t) > 0 {
			out = append(out, t)
		}
	}
	return out
}
