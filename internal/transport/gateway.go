package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/vocalis/internal/protocol"
	"github.com/antoniostano/vocalis/internal/voice"
)

const (
	defaultSelfSourceID = "bot"
	writeTimeout        = 10 * time.Second
	eventBuffer         = 64
	frameBuffer         = 256
)

var ErrSubscriptionExists = errors.New("audio subscription already exists")

type GatewayConfig struct {
	// URL is the websocket endpoint of the voice gateway.
	URL    string
	Token  string
	Logger *zap.Logger

	// SelfSourceID labels outbound playback frames.
	SelfSourceID string
}

// Gateway is the production voice.Transport: one websocket per room or
// call, JSON control messages in, binary audio frames demuxed to per-source
// subscriptions.
type Gateway struct {
	cfg GatewayConfig
	log *zap.Logger
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway url required")
	}
	if cfg.SelfSourceID == "" {
		cfg.SelfSourceID = defaultSelfSourceID
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Gateway{cfg: cfg, log: cfg.Logger}, nil
}

func (g *Gateway) Connect(ctx context.Context, target voice.ConnectTarget) (voice.Conn, error) {
	headers := http.Header{}
	if g.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+g.cfg.Token)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, g.cfg.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial voice gateway: %w", err)
	}

	c := &gatewayConn{
		ws:     ws,
		log:    g.log,
		selfID: g.cfg.SelfSourceID,
		ready:  make(chan struct{}),
		events: make(chan voice.SpeakingEvent, eventBuffer),
		subs:   make(map[string]*frameStream),
	}

	identify := protocol.Identify{
		Type:      protocol.TypeIdentify,
		Token:     g.cfg.Token,
		RoomID:    target.RoomID,
		ChannelID: target.ChannelID,
		PeerID:    target.PeerID,
	}
	if err := c.writeJSON(identify); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send identify: %w", err)
	}

	go c.readLoop()
	return c, nil
}

type gatewayConn struct {
	ws     *websocket.Conn
	log    *zap.Logger
	selfID string

	writeMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once

	events     chan voice.SpeakingEvent
	eventsOnce sync.Once

	mu     sync.Mutex
	subs   map[string]*frameStream
	closed bool
}

func (c *gatewayConn) Ready() <-chan struct{}              { return c.ready }
func (c *gatewayConn) Events() <-chan voice.SpeakingEvent { return c.events }

func (c *gatewayConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *gatewayConn) writeBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *gatewayConn) readLoop() {
	defer c.teardown()
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			c.routeFrame(data)
		case websocket.TextMessage:
			c.handleControl(data)
		}
	}
}

func (c *gatewayConn) routeFrame(data []byte) {
	sourceID, payload, err := protocol.DecodeAudioFrame(data)
	if err != nil {
		c.log.Warn("dropping malformed audio frame", zap.Error(err))
		return
	}

	c.mu.Lock()
	stream := c.subs[sourceID]
	c.mu.Unlock()
	if stream == nil {
		return
	}
	stream.push(voice.Frame{
		SourceID:   sourceID,
		Opus:       payload,
		ReceivedAt: time.Now(),
	})
}

func (c *gatewayConn) handleControl(data []byte) {
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		if !errors.Is(err, protocol.ErrUnsupportedType) {
			c.log.Warn("dropping bad control message", zap.Error(err))
		}
		return
	}

	switch m := msg.(type) {
	case protocol.Ready:
		c.readyOnce.Do(func() { close(c.ready) })
	case protocol.SpeakingState:
		typ := voice.SpeakingStart
		if m.Type == protocol.TypeSpeakingStop {
			typ = voice.SpeakingStop
		}
		select {
		case c.events <- voice.SpeakingEvent{
			Type:        typ,
			SourceID:    m.SourceID,
			DisplayName: m.DisplayName,
		}:
		default:
			c.log.Warn("speaking event buffer full, dropping event",
				zap.String("source_id", m.SourceID))
		}
	case protocol.ErrorEvent:
		c.log.Warn("gateway error event",
			zap.String("code", m.Code), zap.String("detail", m.Detail))
	}
}

func (c *gatewayConn) SubscribeAudio(sourceID string) (voice.FrameStream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, voice.ErrNotConnected
	}
	if _, ok := c.subs[sourceID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionExists, sourceID)
	}
	stream := newFrameStream(sourceID, c)
	c.subs[sourceID] = stream
	c.mu.Unlock()

	err := c.writeJSON(protocol.Subscribe{Type: protocol.TypeSubscribe, SourceID: sourceID})
	if err != nil {
		c.removeSub(sourceID, stream)
		return nil, fmt.Errorf("subscribe %s: %w", sourceID, err)
	}
	return stream, nil
}

func (c *gatewayConn) removeSub(sourceID string, stream *frameStream) {
	c.mu.Lock()
	if cur, ok := c.subs[sourceID]; ok && cur == stream {
		delete(c.subs, sourceID)
	}
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		err := c.writeJSON(protocol.Subscribe{Type: protocol.TypeUnsubscribe, SourceID: sourceID})
		if err != nil {
			c.log.Debug("unsubscribe send failed", zap.Error(err))
		}
	}
}

func (c *gatewayConn) Play(ctx context.Context, pcm []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	frame, err := protocol.EncodeAudioFrame(c.selfID, pcm)
	if err != nil {
		return 0, err
	}
	if err := c.writeBinary(frame); err != nil {
		return 0, fmt.Errorf("send playback frame: %w", err)
	}
	return len(pcm), nil
}

func (c *gatewayConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close()
}

// teardown runs when the read loop exits: every subscription and the event
// channel close so the owning connector sees the drop.
func (c *gatewayConn) teardown() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*frameStream)
	c.mu.Unlock()

	_ = c.ws.Close()
	for _, stream := range subs {
		stream.closeLocal()
	}
	c.eventsOnce.Do(func() { close(c.events) })
}

type frameStream struct {
	sourceID string
	conn     *gatewayConn
	ch       chan voice.Frame

	mu     sync.Mutex
	closed bool
}

func newFrameStream(sourceID string, conn *gatewayConn) *frameStream {
	return &frameStream{
		sourceID: sourceID,
		conn:     conn,
		ch:       make(chan voice.Frame, frameBuffer),
	}
}

func (s *frameStream) Frames() <-chan voice.Frame { return s.ch }

func (s *frameStream) push(f voice.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- f:
	default:
		// Slow consumer; drop rather than stall the read loop.
	}
}

// Close unsubscribes from the gateway and closes the frame channel.
func (s *frameStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.conn.removeSub(s.sourceID, s)
	close(s.ch)
	return nil
}

// closeLocal closes the channel without talking to the gateway, for
// connection teardown.
func (s *frameStream) closeLocal() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.ch)
}
