// Package audio provides the small amount of signal processing the detection
// strategies need: G.711 mu-law decoding, 16-bit PCM helpers, WAV container
// encoding and an energy-based speech activity analysis.
//
// All PCM handled by this package is signed 16-bit little-endian mono.
package audio

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// mulawTable maps every mu-law byte to its linear 16-bit value.
var mulawTable = func() [256]int16 {
	var t [256]int16
	for i := range t {
		t[i] = decodeMulaw(byte(i))
	}
	return t
}()

func decodeMulaw(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int16(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias
	if u&0x80 != 0 {
		return -sample
	}
	return sample
}

// MulawDecode converts one G.711 mu-law byte to a linear 16-bit sample.
func MulawDecode(u byte) int16 {
	return mulawTable[u]
}

// MulawEncode converts a linear 16-bit sample to G.711 mu-law.
func MulawEncode(s int16) byte {
	v := int(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := 7
	for mask := 0x4000; v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F
	return ^(sign | byte(exponent<<4) | byte(mantissa))
}

// MulawToPCM16 decodes a mu-law buffer into 16-bit little-endian PCM. The
// result is twice the length of the input.
func MulawToPCM16(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, u := range mulaw {
		s := mulawTable[u]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToMulaw encodes 16-bit little-endian PCM as mu-law. A trailing odd
// byte is ignored.
func PCM16ToMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = MulawEncode(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	return out
}
