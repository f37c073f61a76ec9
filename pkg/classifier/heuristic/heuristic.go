// Package heuristic implements a speech-pattern detection strategy that needs
// no external service.
//
// Live answerers typically say something short ("hello?") and then pause for
// a reply. Voicemail greetings talk continuously for several seconds. The
// classifier decodes the window, runs an energy-based activity analysis from
// package audio, and applies those two rules. Anything else is undecided.
package heuristic

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/amdstream/pkg/audio"
	"github.com/MrWong99/amdstream/pkg/classifier"
)

const (
	defaultMachineSpeech  = 2 * time.Second
	defaultHumanUtterance = 1200 * time.Millisecond
	defaultHumanPause     = 800 * time.Millisecond
)

// Classifier is a stateless speech-pattern heuristic. Safe for concurrent use.
type Classifier struct {
	machineSpeech  time.Duration
	humanUtterance time.Duration
	humanPause     time.Duration
	activity       audio.ActivityConfig
}

var _ classifier.Classifier = (*Classifier)(nil)

// Option is a functional option for [New].
type Option func(*Classifier)

// WithMachineSpeech sets the uninterrupted speech run at or above which the
// window is judged a recorded greeting. Default: 2s.
func WithMachineSpeech(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.machineSpeech = d
		}
	}
}

// WithHumanUtterance sets the longest speech run still considered a spoken
// greeting. Default: 1.2s.
func WithHumanUtterance(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.humanUtterance = d
		}
	}
}

// WithHumanPause sets the trailing silence expected after a live greeting.
// Default: 800ms.
func WithHumanPause(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.humanPause = d
		}
	}
}

// WithActivityConfig overrides the voice activity detector tuning.
func WithActivityConfig(cfg audio.ActivityConfig) Option {
	return func(c *Classifier) {
		c.activity = cfg
	}
}

// New returns a heuristic classifier.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		machineSpeech:  defaultMachineSpeech,
		humanUtterance: defaultHumanUtterance,
		humanPause:     defaultHumanPause,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify implements [classifier.Classifier].
func (c *Classifier) Classify(ctx context.Context, w classifier.Window) (classifier.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return classifier.Verdict{}, err
	}
	if w.Encoding != classifier.EncodingMulaw && w.Encoding != "" {
		return classifier.Verdict{}, fmt.Errorf("heuristic: unsupported encoding %q", w.Encoding)
	}
	rate := w.SampleRate
	if rate <= 0 {
		rate = classifier.DefaultSampleRate
	}

	act := audio.AnalyzeActivity(audio.MulawToPCM16(w.Audio), rate, c.activity)
	return c.judge(act), nil
}

func (c *Classifier) judge(act audio.Activity) classifier.Verdict {
	summary := fmt.Sprintf("speech %.0f%%, longest run %s, %d segment(s), leading silence %s, trailing silence %s",
		act.SpeechRatio()*100, act.LongestSpeech, act.Segments, act.LeadingSilence, act.TrailingSilence)

	switch {
	case act.Segments == 0:
		return classifier.Undecided(0.2, "no speech detected")

	case act.LongestSpeech >= c.machineSpeech:
		// Longer runs are more convincing; saturate at twice the threshold.
		excess := float64(act.LongestSpeech-c.machineSpeech) / float64(c.machineSpeech)
		conf := 0.65 + 0.2*min(excess, 1)
		return classifier.Verdict{
			Label:      classifier.LabelMachine,
			Confidence: conf,
			Rationale:  "continuous greeting: " + summary,
		}.Normalize()

	case act.LongestSpeech <= c.humanUtterance && act.TrailingSilence >= c.humanPause:
		conf := 0.6
		if act.Segments == 1 {
			conf = 0.7
		}
		return classifier.Verdict{
			Label:      classifier.LabelHuman,
			Confidence: conf,
			Rationale:  "short greeting then pause: " + summary,
		}.Normalize()
	}
	return classifier.Undecided(0.4, "ambiguous pattern: "+summary)
}
