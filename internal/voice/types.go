package voice

import (
	"sync/atomic"
	"time"
)

// AudioFormat describes 16-bit linear PCM audio.
type AudioFormat struct {
	SampleRate int
	Channels   int
}

var (
	// InputFormat is what the voice transport delivers per speaker.
	InputFormat = AudioFormat{SampleRate: 48000, Channels: 2}
	// STTFormat is what capture pipelines hand to transcription: the
	// decoded input downmixed to mono.
	STTFormat = AudioFormat{SampleRate: 48000, Channels: 1}
)

// AudioPacket is one batch of decoded audio from a single speaker.
type AudioPacket struct {
	SourceID   string
	PCM        []int16
	SampleRate int
	Channels   int
	CapturedAt time.Time
}

// TranscriptionChunk is one unit of STT output. Partial chunks are
// advisory; only final chunks trigger reply generation.
type TranscriptionChunk struct {
	SourceID   string
	Text       string
	Partial    bool
	Confidence float64
	Timestamp  int64 // unix milliseconds
}

// Participant is one known speaker in a room. The record outlives the
// speaker's decode state and persists until the connector closes.
type Participant struct {
	ID          string
	DisplayName string
	Speaking    bool
	LastSpokeAt time.Time
}

// ConnectionStats is a point-in-time snapshot of one connection's traffic.
type ConnectionStats struct {
	BytesIn        uint64        `json:"bytes_in"`
	BytesOut       uint64        `json:"bytes_out"`
	PacketsIn      uint64        `json:"packets_in"`
	PacketsOut     uint64        `json:"packets_out"`
	Participants   int           `json:"participants"`
	ActiveCaptures int           `json:"active_captures"`
	DroppedPackets uint64        `json:"dropped_packets"`
	ConnectedFor   time.Duration `json:"connected_for_ns"`
}

// statsCounters backs ConnectionStats; updated from capture and playback
// goroutines, so everything is atomic.
type statsCounters struct {
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	lastActive atomic.Int64 // unix nanos of the newest packet either way
}

func (s *statsCounters) addIn(n int) {
	s.packetsIn.Add(1)
	s.bytesIn.Add(uint64(n))
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *statsCounters) addOut(n int) {
	s.packetsOut.Add(1)
	s.bytesOut.Add(uint64(n))
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *statsCounters) lastActivity() time.Time {
	n := s.lastActive.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *statsCounters) reset() {
	s.bytesIn.Store(0)
	s.bytesOut.Store(0)
	s.packetsIn.Store(0)
	s.packetsOut.Store(0)
}

func (s *statsCounters) snapshot(participants int, connectedFor time.Duration) ConnectionStats {
	return ConnectionStats{
		BytesIn:      s.bytesIn.Load(),
		BytesOut:     s.bytesOut.Load(),
		PacketsIn:    s.packetsIn.Load(),
		PacketsOut:   s.packetsOut.Load(),
		Participants: participants,
		ConnectedFor: connectedFor,
	}
}
