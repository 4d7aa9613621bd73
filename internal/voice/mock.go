package voice

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockTransport is a local fallback transport used when no voice gateway is
// configured, and the test double for every connector test.
type MockTransport struct {
	mu      sync.Mutex
	conns   []*MockConn
	dialErr error

	// HoldReady leaves handed-out connections in the handshake state until
	// the test calls MarkReady itself.
	HoldReady bool
}

func NewMockTransport() *MockTransport { return &MockTransport{} }

// SetDialError makes subsequent Connect calls fail.
func (t *MockTransport) SetDialError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

func (t *MockTransport) Connect(_ context.Context, target ConnectTarget) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := NewMockConn(target)
	if !t.HoldReady {
		c.MarkReady()
	}
	t.conns = append(t.conns, c)
	return c, nil
}

// Conns returns every connection handed out so far, in dial order.
func (t *MockTransport) Conns() []*MockConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*MockConn, len(t.conns))
	copy(out, t.conns)
	return out
}

type MockConn struct {
	target ConnectTarget

	readyOnce sync.Once
	ready     chan struct{}

	eventsOnce sync.Once
	events     chan SpeakingEvent

	mu     sync.Mutex
	subs   map[string]*mockFrameStream
	played [][]byte
	closed bool
}

func NewMockConn(target ConnectTarget) *MockConn {
	return &MockConn{
		target: target,
		ready:  make(chan struct{}),
		events: make(chan SpeakingEvent, 64),
		subs:   make(map[string]*mockFrameStream),
	}
}

func (c *MockConn) Target() ConnectTarget   { return c.target }
func (c *MockConn) Ready() <-chan struct{}  { return c.ready }
func (c *MockConn) MarkReady()              { c.readyOnce.Do(func() { close(c.ready) }) }
func (c *MockConn) Events() <-chan SpeakingEvent { return c.events }

// EmitSpeaking injects a speaking event as if the platform sent one.
func (c *MockConn) EmitSpeaking(typ SpeakingEventType, sourceID, displayName string) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.events <- SpeakingEvent{Type: typ, SourceID: sourceID, DisplayName: displayName}
}

func (c *MockConn) SubscribeAudio(sourceID string) (FrameStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("subscribe %s: connection closed", sourceID)
	}
	if _, ok := c.subs[sourceID]; ok {
		return nil, fmt.Errorf("subscribe %s: already subscribed", sourceID)
	}
	s := &mockFrameStream{ch: make(chan Frame, 256)}
	c.subs[sourceID] = s
	return s, nil
}

// PushFrame delivers one opus frame to the source's subscription, if any.
func (c *MockConn) PushFrame(sourceID string, opus []byte) bool {
	c.mu.Lock()
	s, ok := c.subs[sourceID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return s.push(Frame{SourceID: sourceID, Opus: opus, ReceivedAt: time.Now()})
}

func (c *MockConn) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.subs {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

func (c *MockConn) Play(_ context.Context, pcm []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrNotConnected
	}
	c.played = append(c.played, append([]byte(nil), pcm...))
	return len(pcm), nil
}

func (c *MockConn) Played() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.played))
	copy(out, c.played)
	return out
}

func (c *MockConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*mockFrameStream)
	c.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	c.eventsOnce.Do(func() { close(c.events) })
	return nil
}

func (c *MockConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type mockFrameStream struct {
	mu     sync.Mutex
	ch     chan Frame
	closed bool
}

func (s *mockFrameStream) Frames() <-chan Frame { return s.ch }

func (s *mockFrameStream) push(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- f:
		return true
	default:
		return false
	}
}

func (s *mockFrameStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return nil
}

func (s *mockFrameStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// MockSTTProvider records every packet it is fed. When AutoFinalText is
// set, each packet also produces one final chunk, which keeps the
// standalone (gateway-less) service conversational.
type MockSTTProvider struct {
	mu           sync.Mutex
	streams      []*MockSTTStream
	startErr     error
	AutoFinalText string
}

func NewMockSTTProvider() *MockSTTProvider { return &MockSTTProvider{} }

func (p *MockSTTProvider) SetStartError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr = err
}

func (p *MockSTTProvider) StartStream(_ context.Context, sourceID string) (STTStream, <-chan TranscriptionChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return nil, nil, p.startErr
	}
	events := make(chan TranscriptionChunk, 64)
	s := &MockSTTStream{sourceID: sourceID, events: events, autoFinal: p.AutoFinalText}
	p.streams = append(p.streams, s)
	return s, events, nil
}

func (p *MockSTTProvider) Streams() []*MockSTTStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*MockSTTStream, len(p.streams))
	copy(out, p.streams)
	return out
}

type MockSTTStream struct {
	sourceID  string
	autoFinal string

	mu      sync.Mutex
	events  chan TranscriptionChunk
	packets []AudioPacket
	closed  bool
}

func (s *MockSTTStream) SourceID() string { return s.sourceID }

func (s *MockSTTStream) SendAudio(_ context.Context, pkt AudioPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stt stream closed")
	}
	s.packets = append(s.packets, pkt)
	if s.autoFinal != "" {
		s.events <- TranscriptionChunk{
			SourceID:   s.sourceID,
			Text:       s.autoFinal,
			Confidence: 0.7,
			Timestamp:  time.Now().UnixMilli(),
		}
	}
	return nil
}

// Emit injects an STT result as if the provider produced one.
func (s *MockSTTStream) Emit(chunk TranscriptionChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if chunk.SourceID == "" {
		chunk.SourceID = s.sourceID
	}
	s.events <- chunk
}

func (s *MockSTTStream) Packets() []AudioPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AudioPacket, len(s.packets))
	copy(out, s.packets)
	return out
}

func (s *MockSTTStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// MockTTSProvider returns the chunk text bytes as "audio". FailOnCall makes
// the nth call (1-based) fail.
type MockTTSProvider struct {
	mu         sync.Mutex
	calls      []string
	FailOnCall int
	Err        error
}

func NewMockTTSProvider() *MockTTSProvider { return &MockTTSProvider{} }

func (p *MockTTSProvider) Synthesize(_ context.Context, text string, _ SynthesizeOptions) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, text)
	if p.FailOnCall > 0 && len(p.calls) == p.FailOnCall {
		err := p.Err
		if err == nil {
			err = fmt.Errorf("mock synthesis failure")
		}
		return nil, err
	}
	return []byte(text), nil
}

func (p *MockTTSProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

// MockPlayer records playback for responder tests.
type MockPlayer struct {
	mu     sync.Mutex
	played [][]byte
	err    error
}

func NewMockPlayer() *MockPlayer { return &MockPlayer{} }

func (p *MockPlayer) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *MockPlayer) PlayAudio(_ context.Context, pcm []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.played = append(p.played, append([]byte(nil), pcm...))
	return len(pcm), nil
}

func (p *MockPlayer) Played() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.played))
	copy(out, p.played)
	return out
}
