package audio

import "time"

// ActivityConfig tunes [AnalyzeActivity]. Zero fields take the defaults
// documented on each field.
type ActivityConfig struct {
	// FrameDuration is the analysis frame length. Default: 20ms.
	FrameDuration time.Duration

	// SpeechThreshold is the normalised RMS level that starts speech.
	// Default: 0.02.
	SpeechThreshold float64

	// SilenceThreshold is the normalised RMS level below which speech ends.
	// Default: 0.01.
	SilenceThreshold float64

	// SpeechFrames is the number of consecutive loud frames needed to enter
	// speech. Default: 3.
	SpeechFrames int

	// SilenceFrames is the number of consecutive quiet frames needed to leave
	// speech. Default: 10.
	SilenceFrames int
}

func (c ActivityConfig) withDefaults() ActivityConfig {
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = 0.02
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 0.01
	}
	if c.SpeechFrames <= 0 {
		c.SpeechFrames = 3
	}
	if c.SilenceFrames <= 0 {
		c.SilenceFrames = 10
	}
	return c
}

// Activity summarises the speech pattern of one audio buffer.
type Activity struct {
	// Duration is the total analysed play time.
	Duration time.Duration

	// LeadingSilence is the time before speech was first detected. Equal to
	// Duration when no speech was found.
	LeadingSilence time.Duration

	// Speech is the total time classified as speech.
	Speech time.Duration

	// LongestSpeech is the longest uninterrupted speech run.
	LongestSpeech time.Duration

	// TrailingSilence is the time after the last speech frame.
	TrailingSilence time.Duration

	// Segments counts separate speech runs.
	Segments int
}

// SpeechRatio returns Speech / Duration, or 0 for empty input.
func (a Activity) SpeechRatio() float64 {
	if a.Duration <= 0 {
		return 0
	}
	return float64(a.Speech) / float64(a.Duration)
}

// AnalyzeActivity runs an RMS voice activity detector with hysteresis over
// 16-bit mono pcm and reports the resulting speech pattern.
func AnalyzeActivity(pcm []byte, sampleRate int, cfg ActivityConfig) Activity {
	cfg = cfg.withDefaults()
	samples := Samples(pcm)
	if sampleRate <= 0 || len(samples) == 0 {
		return Activity{}
	}

	frameLen := int(int64(sampleRate) * int64(cfg.FrameDuration) / int64(time.Second))
	if frameLen <= 0 {
		frameLen = 1
	}

	var (
		act          Activity
		inSpeech     bool
		loudRun      int
		quietRun     int
		currentRun   int
		firstSpeech  = -1
		lastSpeech   = -1
		frames       int
		speechFrames int
	)

	for start := 0; start+frameLen <= len(samples); start += frameLen {
		level := RMS(samples[start : start+frameLen])
		if inSpeech {
			if level < cfg.SilenceThreshold {
				quietRun++
				if quietRun >= cfg.SilenceFrames {
					inSpeech = false
					quietRun = 0
					currentRun = 0
				}
			} else {
				quietRun = 0
			}
		} else if level >= cfg.SpeechThreshold {
			loudRun++
			if loudRun >= cfg.SpeechFrames {
				inSpeech = true
				loudRun = 0
				act.Segments++
			}
		} else {
			loudRun = 0
		}

		if inSpeech {
			speechFrames++
			currentRun++
			if firstSpeech < 0 {
				firstSpeech = frames
			}
			lastSpeech = frames
			if run := time.Duration(currentRun) * cfg.FrameDuration; run > act.LongestSpeech {
				act.LongestSpeech = run
			}
		}
		frames++
	}

	act.Duration = time.Duration(frames) * cfg.FrameDuration
	act.Speech = time.Duration(speechFrames) * cfg.FrameDuration
	if firstSpeech < 0 {
		act.LeadingSilence = act.Duration
		act.TrailingSilence = act.Duration
		return act
	}
	act.LeadingSilence = time.Duration(firstSpeech) * cfg.FrameDuration
	act.TrailingSilence = time.Duration(frames-1-lastSpeech) * cfg.FrameDuration
	return act
}
