package audio

import "encoding/binary"

const (
	wavHeaderSize  = 44
	wavFormatPCM   = 1
	pcmBitsPerSamp = 16
)

// EncodeWAV wraps 16-bit little-endian PCM in a canonical 44-byte RIFF/WAVE
// header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	if channels <= 0 {
		channels = 1
	}
	blockAlign := channels * pcmBitsPerSamp / 8
	buf := make([]byte, wavHeaderSize+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], pcmBitsPerSamp)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// MulawWAV decodes telephone mu-law audio and returns it as a PCM WAV file,
// optionally resampled to outRate. Pass outRate <= 0 to keep sampleRate.
// Most audio-understanding APIs reject raw mu-law but accept PCM WAV.
func MulawWAV(mulaw []byte, sampleRate, outRate int) []byte {
	pcm := MulawToPCM16(mulaw)
	if outRate > 0 && outRate != sampleRate {
		pcm = Resample(pcm, sampleRate, outRate)
		sampleRate = outRate
	}
	return EncodeWAV(pcm, sampleRate, 1)
}
