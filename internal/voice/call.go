package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CallState is the 1:1 call lifecycle. Idle and the terminal states have no
// outgoing transitions; a new call means a new connector.
type CallState string

const (
	CallIdle       CallState = "idle"
	CallRinging    CallState = "ringing"
	CallConnecting CallState = "connecting"
	CallConnected  CallState = "connected"
	CallEnded      CallState = "ended"
	CallDeclined   CallState = "declined"
	CallBusy       CallState = "busy"
	CallFailed     CallState = "failed"
	CallTimeout    CallState = "timeout"
)

// Terminal reports whether the state has no outgoing transitions.
func (s CallState) Terminal() bool {
	switch s {
	case CallEnded, CallDeclined, CallBusy, CallFailed, CallTimeout:
		return true
	default:
		return false
	}
}

const (
	defaultRingTimeout     = 30 * time.Second
	defaultMaxCallDuration = time.Hour
)

// callTimer abstracts time.AfterFunc so state-machine deadlines can be
// fired by a simulated clock in tests.
type callTimer interface {
	Stop() bool
}

type timerFactory func(d time.Duration, fn func()) callTimer

func realAfterFunc(d time.Duration, fn func()) callTimer {
	return time.AfterFunc(d, fn)
}

type CallConfig struct {
	PeerID    string
	ChannelID string
	Transport Transport
	STT       STTProvider
	Generate  ReplyGenerator
	Logger    *zap.Logger

	// InitiatedBy records who started the call: "user" or "bot".
	InitiatedBy string

	RingTimeout     time.Duration
	MaxCallDuration time.Duration
	ReadyTimeout    time.Duration
	BatchWindow     time.Duration
	QueueSize       int
	SilenceTimeout  time.Duration
	GenerateTimeout time.Duration

	// NewDecoder overrides the peer frame decoder; nil means the default
	// opus decoder at the input format.
	NewDecoder func() (FrameDecoder, error)

	// test hooks
	now       func() time.Time
	afterFunc timerFactory
}

// CallConnector owns one 1:1 call: the ringing/timeout state machine plus
// the same capture/decode/STT wiring as a room, scoped to a single peer.
type CallConnector struct {
	cfg   CallConfig
	log   *zap.Logger
	now   func() time.Time
	after timerFactory

	mu        sync.Mutex
	state     CallState
	conn      Conn
	pipe      *pipeline
	peer      *Participant
	startedAt time.Time
	endedAt   time.Time
	ringTimer callTimer
	maxTimer  callTimer
	listeners []TranscriptionListener
	onState   func(from, to CallState)
	ctx       context.Context
	cancel    context.CancelFunc

	stats statsCounters
	wg    sync.WaitGroup
}

func NewCallConnector(cfg CallConfig) *CallConnector {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = defaultRingTimeout
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = defaultMaxCallDuration
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = defaultGenerateTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.afterFunc == nil {
		cfg.afterFunc = realAfterFunc
	}
	if cfg.InitiatedBy == "" {
		cfg.InitiatedBy = "bot"
	}
	return &CallConnector{
		cfg: cfg,
		log: cfg.Logger.With(
			zap.String("peer_id", cfg.PeerID),
			zap.String("channel_id", cfg.ChannelID),
		),
		now:   cfg.now,
		after: cfg.afterFunc,
		state: CallIdle,
	}
}

func (c *CallConnector) PeerID() string      { return c.cfg.PeerID }
func (c *CallConnector) ChannelID() string   { return c.cfg.ChannelID }
func (c *CallConnector) InitiatedBy() string { return c.cfg.InitiatedBy }

func (c *CallConnector) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetStateListener registers a hook fired after every transition, outside
// the connector's lock. Managers use it to keep call records current.
func (c *CallConnector) SetStateListener(fn func(from, to CallState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *CallConnector) AddTranscriptionListener(fn TranscriptionListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// setStateLocked records a transition and returns the hook to fire once
// the caller drops the lock.
func (c *CallConnector) setStateLocked(to CallState) func() {
	from := c.state
	c.state = to
	hook := c.onState
	c.log.Info("call state transition",
		zap.String("from", string(from)), zap.String("to", string(to)))
	if hook == nil {
		return func() {}
	}
	return func() { hook(from, to) }
}

// InitiateCall rings the peer. Legal only from Idle.
func (c *CallConnector) InitiateCall() error {
	c.mu.Lock()
	if c.state != CallIdle {
		defer c.mu.Unlock()
		return &InvalidStateTransitionError{Op: "initiateCall", State: c.state}
	}
	notify := c.setStateLocked(CallRinging)
	c.ringTimer = c.after(c.cfg.RingTimeout, c.onRingTimeout)
	c.mu.Unlock()
	notify()
	return nil
}

func (c *CallConnector) onRingTimeout() {
	c.mu.Lock()
	if c.state != CallRinging {
		c.mu.Unlock()
		return
	}
	c.ringTimer = nil
	c.endedAt = c.now()
	notify := c.setStateLocked(CallTimeout)
	c.mu.Unlock()
	c.log.Info("call ring timed out")
	notify()
}

// AcceptCall answers a ringing call and brings the voice connection up.
// Legal only from Ringing.
func (c *CallConnector) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state != CallRinging {
		defer c.mu.Unlock()
		return &InvalidStateTransitionError{Op: "acceptCall", State: c.state}
	}
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	notify := c.setStateLocked(CallConnecting)
	c.mu.Unlock()
	notify()

	conn, err := c.cfg.Transport.Connect(ctx, ConnectTarget{
		PeerID:    c.cfg.PeerID,
		ChannelID: c.cfg.ChannelID,
	})
	if err != nil {
		c.failFromConnecting()
		return fmt.Errorf("connect call voice: %w", err)
	}

	select {
	case <-conn.Ready():
	case <-time.After(c.cfg.ReadyTimeout):
		_ = conn.Close()
		c.failFromConnecting()
		return ErrConnectTimeout
	case <-ctx.Done():
		_ = conn.Close()
		c.failFromConnecting()
		return ctx.Err()
	}

	pipe := newPipeline(pipelineConfig{
		stt:            c.cfg.STT,
		log:            c.log,
		batchWindow:    c.cfg.BatchWindow,
		queueSize:      c.cfg.QueueSize,
		silenceTimeout: c.cfg.SilenceTimeout,
		maxCaptures:    1,
		newDecoder:     c.cfg.NewDecoder,
		stats:          &c.stats,
		onChunk:        c.handleChunk,
		onCaptureEnd:   c.markPeerStopped,
	})

	c.mu.Lock()
	if c.state != CallConnecting {
		// Torn down while we were dialing.
		state := c.state
		c.mu.Unlock()
		_ = conn.Close()
		return &InvalidStateTransitionError{Op: "acceptCall", State: state}
	}
	c.conn = conn
	c.pipe = pipe
	c.peer = &Participant{ID: c.cfg.PeerID, DisplayName: c.cfg.PeerID}
	c.startedAt = c.now()
	c.stats.reset()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.maxTimer = c.after(c.cfg.MaxCallDuration, c.onMaxDuration)
	notify = c.setStateLocked(CallConnected)
	c.mu.Unlock()

	pipe.start()
	c.wg.Add(1)
	go c.eventLoop(conn, pipe)
	notify()
	return nil
}

func (c *CallConnector) failFromConnecting() {
	c.mu.Lock()
	if c.state != CallConnecting {
		c.mu.Unlock()
		return
	}
	c.endedAt = c.now()
	notify := c.setStateLocked(CallFailed)
	c.mu.Unlock()
	notify()
}

// DeclineCall refuses a ringing call. Legal only from Ringing.
func (c *CallConnector) DeclineCall() error {
	return c.refuseRinging("declineCall", CallDeclined)
}

// RejectBusy refuses a ringing call because the line is occupied. Legal
// only from Ringing.
func (c *CallConnector) RejectBusy() error {
	return c.refuseRinging("rejectBusy", CallBusy)
}

func (c *CallConnector) refuseRinging(op string, to CallState) error {
	c.mu.Lock()
	if c.state != CallRinging {
		defer c.mu.Unlock()
		return &InvalidStateTransitionError{Op: op, State: c.state}
	}
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	c.endedAt = c.now()
	notify := c.setStateLocked(to)
	c.mu.Unlock()
	notify()
	return nil
}

// EndCall hangs up a connected call and finalizes duration stats. Legal
// only from Connected.
func (c *CallConnector) EndCall() error {
	c.mu.Lock()
	if c.state != CallConnected {
		defer c.mu.Unlock()
		return &InvalidStateTransitionError{Op: "endCall", State: c.state}
	}
	notify := c.setStateLocked(CallEnded)
	conn, pipe := c.teardownLocked()
	c.mu.Unlock()

	c.finishTeardown(conn, pipe, true)
	notify()
	return nil
}

func (c *CallConnector) onMaxDuration() {
	c.log.Info("max call duration reached, force-ending")
	if err := c.EndCall(); err != nil {
		// Already terminal; nothing to force.
		c.log.Debug("force-end skipped", zap.Error(err))
	}
}

// teardownLocked stops timers, detaches the live connection, and stamps
// the end time. Callers transition state themselves.
func (c *CallConnector) teardownLocked() (Conn, *pipeline) {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	if c.maxTimer != nil {
		c.maxTimer.Stop()
		c.maxTimer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.endedAt = c.now()
	conn, pipe := c.conn, c.pipe
	c.conn = nil
	c.pipe = nil
	return conn, pipe
}

func (c *CallConnector) finishTeardown(conn Conn, pipe *pipeline, wait bool) {
	if pipe != nil {
		pipe.stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if wait {
		c.wg.Wait()
	}
}

// Hangup force-stops the call from whatever live state it is in; terminal
// and idle states are left alone. Managers use it for sweep and shutdown
// where "ensure stopped" semantics are wanted.
func (c *CallConnector) Hangup() {
	c.mu.Lock()
	var notify func()
	switch c.state {
	case CallRinging:
		if c.ringTimer != nil {
			c.ringTimer.Stop()
			c.ringTimer = nil
		}
		c.endedAt = c.now()
		notify = c.setStateLocked(CallDeclined)
		c.mu.Unlock()
		notify()
		return
	case CallConnecting:
		notify = c.setStateLocked(CallFailed)
		conn, pipe := c.teardownLocked()
		c.mu.Unlock()
		c.finishTeardown(conn, pipe, false)
		notify()
		return
	case CallConnected:
		notify = c.setStateLocked(CallEnded)
		conn, pipe := c.teardownLocked()
		c.mu.Unlock()
		c.finishTeardown(conn, pipe, true)
		notify()
		return
	default:
		c.mu.Unlock()
	}
}

func (c *CallConnector) eventLoop(conn Conn, pipe *pipeline) {
	defer c.wg.Done()
	for ev := range conn.Events() {
		if ev.SourceID != c.cfg.PeerID {
			continue
		}
		switch ev.Type {
		case SpeakingStart:
			if _, err := pipe.startCapture(ev.SourceID, conn.SubscribeAudio); err != nil {
				c.log.Warn("peer capture start failed", zap.Error(err))
				continue
			}
			c.mu.Lock()
			if c.peer != nil {
				c.peer.Speaking = true
				c.peer.LastSpokeAt = c.now()
				if ev.DisplayName != "" {
					c.peer.DisplayName = ev.DisplayName
				}
			}
			c.mu.Unlock()
		case SpeakingStop:
			pipe.stopCapture(ev.SourceID)
			c.markPeerStopped(ev.SourceID)
		}
	}
	c.transportClosed(conn)
}

func (c *CallConnector) markPeerStopped(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer != nil && c.peer.Speaking {
		c.peer.Speaking = false
		c.peer.LastSpokeAt = c.now()
	}
}

// transportClosed drives an unexpected mid-call disconnect to Failed.
func (c *CallConnector) transportClosed(conn Conn) {
	c.mu.Lock()
	if c.state != CallConnected || c.conn != conn {
		c.mu.Unlock()
		return
	}
	notify := c.setStateLocked(CallFailed)
	dropped, pipe := c.teardownLocked()
	c.mu.Unlock()

	c.log.Warn("voice transport dropped mid-call")
	c.finishTeardown(dropped, pipe, false)
	notify()
}

// handleChunk fans out transcription chunks; a final chunk additionally
// triggers reply generation, whose outcome is logged here. Playing the
// reply is the responder's job, not the connector's.
func (c *CallConnector) handleChunk(chunk TranscriptionChunk) {
	c.mu.Lock()
	listeners := make([]TranscriptionListener, len(c.listeners))
	copy(listeners, c.listeners)
	generate := c.cfg.Generate
	ctx := c.ctx
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(chunk)
	}

	if chunk.Partial || generate == nil || ctx == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		genCtx, cancel := context.WithTimeout(ctx, c.cfg.GenerateTimeout)
		defer cancel()
		reply, err := generate(genCtx, chunk.Text)
		if err != nil {
			c.log.Warn("reply generation failed", zap.Error(err))
			return
		}
		c.log.Info("reply generated",
			zap.String("input", chunk.Text), zap.Int("reply_len", len(reply)))
	}()
}

// PlayAudioResponse plays one PCM16LE buffer to the peer. Valid only while
// Connected.
func (c *CallConnector) PlayAudioResponse(ctx context.Context, pcm []byte) (int, error) {
	c.mu.Lock()
	if c.state != CallConnected {
		defer c.mu.Unlock()
		return 0, &InvalidStateTransitionError{Op: "playAudioResponse", State: c.state}
	}
	conn := c.conn
	c.mu.Unlock()

	n, err := conn.Play(ctx, pcm)
	if err != nil {
		return n, fmt.Errorf("play call audio: %w", err)
	}
	c.stats.addOut(n)
	return n, nil
}

// PlayAudio satisfies Player.
func (c *CallConnector) PlayAudio(ctx context.Context, pcm []byte) (int, error) {
	return c.PlayAudioResponse(ctx, pcm)
}

func (c *CallConnector) Stats() ConnectionStats {
	c.mu.Lock()
	participants := 0
	if c.state == CallConnected {
		participants = 1
	}
	pipe := c.pipe
	var connectedFor time.Duration
	switch {
	case c.state == CallConnected:
		connectedFor = c.now().Sub(c.startedAt)
	case !c.startedAt.IsZero() && !c.endedAt.IsZero():
		connectedFor = c.endedAt.Sub(c.startedAt)
	}
	c.mu.Unlock()

	st := c.stats.snapshot(participants, connectedFor)
	if pipe != nil {
		st.ActiveCaptures = pipe.activeCaptures()
		st.DroppedPackets = pipe.droppedPackets()
	}
	return st
}

// StartedAt reports when the call reached Connected; zero if it never did.
func (c *CallConnector) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// EndedAt reports when the call reached a terminal state; zero while live.
func (c *CallConnector) EndedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endedAt
}

func (c *CallConnector) Peer() (Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil {
		return Participant{}, false
	}
	return *c.peer, true
}
