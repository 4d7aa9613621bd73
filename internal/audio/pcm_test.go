package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestStereoToMonoAveragesPairs(t *testing.T) {
	in := []int16{100, 200, -100, -200, 0, 1}
	got := StereoToMono(in)
	want := []int16{150, -150, 0}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMonoFloorsNegativeSums(t *testing.T) {
	// floor((-3 + 0)/2) = -2, not -1
	got := StereoToMono([]int16{-3, 0})
	if len(got) != 1 || got[0] != -2 {
		t.Fatalf("got %v, want [-2]", got)
	}
}

func TestStereoToMonoDropsTrailingSample(t *testing.T) {
	got := StereoToMono([]int16{10, 20, 30})
	if len(got) != 1 || got[0] != 15 {
		t.Fatalf("got %v, want [15]", got)
	}
	if got := StereoToMono(nil); len(got) != 0 {
		t.Fatalf("nil input produced %v", got)
	}
}

func TestPCM16BytesRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	b := PCM16ToBytes(samples)
	if len(b) != len(samples)*2 {
		t.Fatalf("byte len = %d, want %d", len(b), len(samples)*2)
	}
	got := BytesToPCM16(b)
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
	// trailing odd byte ignored
	got = BytesToPCM16(append(b, 0xff))
	if len(got) != len(samples) {
		t.Fatalf("odd-length parse len = %d, want %d", len(got), len(samples))
	}
}

func TestEncodeWAVPCM16LEHeader(t *testing.T) {
	pcm := PCM16ToBytes([]int16{1, 2, 3, 4})
	wav, err := EncodeWAVPCM16LE(pcm, 48000, 1)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav len = %d, want %d", len(wav), 44+len(pcm))
	}
	if !bytes.Equal(wav[0:4], []byte("RIFF")) || !bytes.Equal(wav[8:12], []byte("WAVE")) {
		t.Fatalf("bad container magic: %q %q", wav[0:4], wav[8:12])
	}
	if sr := binary.LittleEndian.Uint32(wav[24:28]); sr != 48000 {
		t.Fatalf("sample rate = %d, want 48000", sr)
	}
	if ch := binary.LittleEndian.Uint16(wav[22:24]); ch != 1 {
		t.Fatalf("channels = %d, want 1", ch)
	}
	if ds := binary.LittleEndian.Uint32(wav[40:44]); ds != uint32(len(pcm)) {
		t.Fatalf("data size = %d, want %d", ds, len(pcm))
	}
	if !bytes.Equal(wav[44:], pcm) {
		t.Fatalf("payload mismatch")
	}
}
