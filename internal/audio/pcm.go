package audio

import "encoding/binary"

// StereoToMono downmixes interleaved stereo samples to mono by averaging
// each left/right pair. A trailing incomplete pair is dropped.
func StereoToMono(pcm []int16) []int16 {
	n := len(pcm) / 2
	out := make([]int16, 0, n)
	for i := 0; i+1 < len(pcm); i += 2 {
		out = append(out, int16((int32(pcm[i])+int32(pcm[i+1]))>>1))
	}
	return out
}

// PCM16ToBytes serializes samples as little-endian 16-bit PCM.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM16 parses little-endian 16-bit PCM bytes. A trailing odd byte
// is ignored.
func BytesToPCM16(b []byte) []int16 {
	out := make([]int16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		out = append(out, int16(binary.LittleEndian.Uint16(b[i:])))
	}
	return out
}
