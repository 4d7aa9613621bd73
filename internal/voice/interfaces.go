package voice

import (
	"context"
	"time"
)

type SpeakingEventType string

const (
	SpeakingStart SpeakingEventType = "start"
	SpeakingStop  SpeakingEventType = "stop"
)

// SpeakingEvent reports a speaker starting or stopping on a connection.
type SpeakingEvent struct {
	Type        SpeakingEventType
	SourceID    string
	DisplayName string
}

// Frame is one compressed audio packet (~20ms) from a single speaker.
type Frame struct {
	SourceID   string
	Opus       []byte
	ReceivedAt time.Time
}

// FrameStream delivers frames for one subscribed source. The channel is
// closed when the subscription ends.
type FrameStream interface {
	Frames() <-chan Frame
	Close() error
}

// ConnectTarget names either a multi-party room channel or a single peer.
type ConnectTarget struct {
	RoomID    string
	ChannelID string
	PeerID    string
}

// Conn is one live voice connection on the platform transport.
type Conn interface {
	// Ready is closed when the transport has finished its handshake.
	Ready() <-chan struct{}
	// Events delivers speaking updates; it is closed when the transport
	// drops the connection.
	Events() <-chan SpeakingEvent
	SubscribeAudio(sourceID string) (FrameStream, error)
	// Play sends one PCM16LE buffer to the connection's audio output and
	// returns the number of bytes sent.
	Play(ctx context.Context, pcm []byte) (int, error)
	Close() error
}

// Transport dials voice connections. Implementations live outside the
// engine; connectors never depend on a concrete platform.
type Transport interface {
	Connect(ctx context.Context, target ConnectTarget) (Conn, error)
}

// STTStream is one per-source streaming transcription session.
type STTStream interface {
	SendAudio(ctx context.Context, pkt AudioPacket) error
	Close() error
}

// STTProvider opens streaming transcription sessions. The returned channel
// carries partial and final chunks and is closed when the stream ends.
type STTProvider interface {
	StartStream(ctx context.Context, sourceID string) (STTStream, <-chan TranscriptionChunk, error)
}

type SynthesizeOptions struct {
	Voice      string
	SampleRate int
}

type TTSProvider interface {
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) ([]byte, error)
}

// ReplyGenerator produces the bot's reply for one final transcription. It
// is supplied by the caller and may take arbitrarily long; callers race it
// against a timeout.
type ReplyGenerator func(ctx context.Context, input string) (string, error)

type TranscriptionListener func(TranscriptionChunk)

// Player plays one PCM16LE buffer and reports bytes sent. Both connector
// kinds satisfy it, which is how the responder stays topology-agnostic.
type Player interface {
	PlayAudio(ctx context.Context, pcm []byte) (int, error)
}

// LatencyRecorder receives per-stage response timings and event counts.
// Nil-safe implementations let callers skip the wiring entirely.
type LatencyRecorder interface {
	Observe(stage string, ms float64)
	ObserveIndicator(name string)
}
