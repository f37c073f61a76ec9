package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Samples returns the 16-bit samples stored in little-endian pcm. A trailing
// odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// RMS returns the root-mean-square level of samples normalised to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Duration returns the play time of a 16-bit mono PCM buffer.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(pcm)/2) * time.Second / time.Duration(sampleRate)
}

// Resample converts 16-bit mono PCM from srcRate to dstRate with linear
// interpolation. Equal or invalid rates return pcm unchanged.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	src := Samples(pcm)
	if len(src) == 0 {
		return nil
	}
	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	out := make([]byte, n*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := float64(src[idx])
		s1 := s0
		if idx+1 < len(src) {
			s1 = float64(src[idx+1])
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s0+(s1-s0)*frac)))
	}
	return out
}
