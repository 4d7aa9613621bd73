package audio

import (
	"fmt"

	"github.com/hraban/opus"
)

// maxFrameMs is the largest frame duration opus permits; the decode buffer
// is sized for it so any legal frame fits.
const maxFrameMs = 120

// Decoder decodes opus frames from a single source into interleaved PCM16.
// Opus decoders carry inter-frame state, so one Decoder must never be
// shared across sources; construct one per speaking participant and drop
// it when that participant stops speaking.
type Decoder struct {
	dec        *opus.Decoder
	sampleRate int
	channels   int
	buf        []int16
}

func NewDecoder(sampleRate, channels int) (*Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &Decoder{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		buf:        make([]int16, sampleRate/1000*maxFrameMs*channels),
	}, nil
}

// Decode decodes one opus frame and returns the interleaved samples. The
// returned slice is a copy and remains valid across calls.
func (d *Decoder) Decode(frame []byte) ([]int16, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty opus frame")
	}
	n, err := d.dec.Decode(frame, d.buf)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	out := make([]int16, n*d.channels)
	copy(out, d.buf[:n*d.channels])
	return out, nil
}

func (d *Decoder) SampleRate() int { return d.sampleRate }
func (d *Decoder) Channels() int   { return d.channels }
