// Package transcript implements a two-stage detection strategy: the window is
// first transcribed to text, then a [Judge] decides from the words alone.
//
// Voicemail greetings are highly formulaic ("you have reached", "leave a
// message after the tone") so even a small speech-to-text model plus a
// phonetic phrase matcher gives a usable signal. An LLM judge can be used
// instead for harder cases.
//
// Usage:
//
//	stt, _ := transcript.NewWhisper("http://localhost:8080")
//	c, _ := transcript.New(stt, transcript.NewPhraseJudge())
package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/amdstream/pkg/audio"
	"github.com/MrWong99/amdstream/pkg/classifier"
)

// Transcriber converts a WAV file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Judge decides a verdict from a transcript. An empty transcript is never
// passed to a Judge.
type Judge interface {
	Judge(ctx context.Context, text string) (classifier.Verdict, error)
}

// silentConfidence is reported when nothing intelligible was transcribed.
const silentConfidence = 0.2

// Classifier chains a [Transcriber] and a [Judge]. Safe for concurrent use if
// both stages are.
type Classifier struct {
	stt        Transcriber
	judge      Judge
	uploadRate int
}

var _ classifier.Classifier = (*Classifier)(nil)

// Option is a functional option for [New].
type Option func(*Classifier)

// WithUploadRate resamples window audio to rate Hz before transcription.
// Default: 16000, the rate whisper.cpp expects.
func WithUploadRate(rate int) Option {
	return func(c *Classifier) {
		c.uploadRate = rate
	}
}

// New returns a transcript-based classifier.
func New(stt Transcriber, judge Judge, opts ...Option) (*Classifier, error) {
	if stt == nil {
		return nil, errors.New("transcript: transcriber must not be nil")
	}
	if judge == nil {
		return nil, errors.New("transcript: judge must not be nil")
	}
	c := &Classifier{stt: stt, judge: judge, uploadRate: 16000}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Classify implements [classifier.Classifier].
func (c *Classifier) Classify(ctx context.Context, w classifier.Window) (classifier.Verdict, error) {
	rate := w.SampleRate
	if rate <= 0 {
		rate = classifier.DefaultSampleRate
	}
	text, err := c.stt.Transcribe(ctx, audio.MulawWAV(w.Audio, rate, c.uploadRate))
	if err != nil {
		return classifier.Verdict{}, fmt.Errorf("transcript: transcribe: %w", err)
	}
	text = cleanTranscript(text)
	if text == "" {
		return classifier.Undecided(silentConfidence, "no speech transcribed"), nil
	}

	v, err := c.judge.Judge(ctx, text)
	if err != nil {
		return classifier.Verdict{}, fmt.Errorf("transcript: judge: %w", err)
	}
	return v.Normalize(), nil
}

// cleanTranscript drops the bracketed annotations whisper emits for
// non-speech ("[BLANK_AUDIO]", "(music)") and collapses whitespace.
func cleanTranscript(text string) string {
	var b strings.Builder
	depth := 0
	for _, r := range text {
		switch r {
		case '[', '(':
			depth++
		case ']', ')':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 {
				b.WriteRune(r)
			}
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
