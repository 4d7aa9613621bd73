package voice

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReadyTimeout    = 30 * time.Second
	defaultMaxParticipants = 16
)

type RoomConfig struct {
	RoomID    string
	ChannelID string
	Transport Transport
	STT       STTProvider
	Logger    *zap.Logger

	ReadyTimeout    time.Duration
	MaxParticipants int
	BatchWindow     time.Duration
	QueueSize       int
	SilenceTimeout  time.Duration

	// NewDecoder overrides the per-source frame decoder; nil means the
	// default opus decoder at the input format.
	NewDecoder func() (FrameDecoder, error)

	// test hook
	now func() time.Time
}

// RoomConnector owns one multi-party voice connection and the capture
// pipelines of everyone speaking in it.
type RoomConnector struct {
	cfg RoomConfig
	log *zap.Logger
	now func() time.Time

	mu           sync.Mutex
	conn         Conn
	connected    bool
	connectedAt  time.Time
	participants map[string]*Participant
	pipe         *pipeline
	listeners    []TranscriptionListener

	stats statsCounters
	wg    sync.WaitGroup
}

func NewRoomConnector(cfg RoomConfig) *RoomConnector {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = defaultMaxParticipants
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &RoomConnector{
		cfg: cfg,
		log: cfg.Logger.With(
			zap.String("room_id", cfg.RoomID),
			zap.String("channel_id", cfg.ChannelID),
		),
		now:          cfg.now,
		participants: make(map[string]*Participant),
	}
}

func (r *RoomConnector) RoomID() string    { return r.cfg.RoomID }
func (r *RoomConnector) ChannelID() string { return r.cfg.ChannelID }

// Connect establishes the transport connection and wires speaking
// listeners. It never retries; retry policy belongs to the caller.
func (r *RoomConnector) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return ErrAlreadyConnected
	}
	r.mu.Unlock()

	conn, err := r.cfg.Transport.Connect(ctx, ConnectTarget{
		RoomID:    r.cfg.RoomID,
		ChannelID: r.cfg.ChannelID,
	})
	if err != nil {
		return fmt.Errorf("connect room voice: %w", err)
	}

	select {
	case <-conn.Ready():
	case <-time.After(r.cfg.ReadyTimeout):
		_ = conn.Close()
		return ErrConnectTimeout
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}

	pipe := newPipeline(pipelineConfig{
		stt:            r.cfg.STT,
		log:            r.log,
		batchWindow:    r.cfg.BatchWindow,
		queueSize:      r.cfg.QueueSize,
		silenceTimeout: r.cfg.SilenceTimeout,
		maxCaptures:    r.cfg.MaxParticipants,
		newDecoder:     r.cfg.NewDecoder,
		stats:          &r.stats,
		onChunk:        r.dispatchChunk,
		onCaptureEnd:   r.markStopped,
	})

	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		_ = conn.Close()
		return ErrAlreadyConnected
	}
	r.conn = conn
	r.connected = true
	r.connectedAt = r.now()
	r.participants = make(map[string]*Participant)
	r.pipe = pipe
	r.stats.reset()
	r.mu.Unlock()

	pipe.start()
	r.wg.Add(1)
	go r.eventLoop(conn, pipe)

	r.log.Info("room voice connected")
	return nil
}

func (r *RoomConnector) eventLoop(conn Conn, pipe *pipeline) {
	defer r.wg.Done()
	for ev := range conn.Events() {
		switch ev.Type {
		case SpeakingStart:
			r.handleSpeakingStart(conn, pipe, ev)
		case SpeakingStop:
			pipe.stopCapture(ev.SourceID)
			r.markStopped(ev.SourceID)
		}
	}
	r.transportClosed(conn)
}

func (r *RoomConnector) handleSpeakingStart(conn Conn, pipe *pipeline, ev SpeakingEvent) {
	started, err := pipe.startCapture(ev.SourceID, conn.SubscribeAudio)
	if err != nil {
		r.log.Warn("capture start failed", zap.String("source_id", ev.SourceID), zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, known := r.participants[ev.SourceID]
	if !known {
		if !started {
			// Over the participant ceiling; the speaker stays untracked.
			return
		}
		name := ev.DisplayName
		if name == "" {
			name = ev.SourceID
		}
		p = &Participant{ID: ev.SourceID, DisplayName: name}
		r.participants[ev.SourceID] = p
	} else if ev.DisplayName != "" {
		p.DisplayName = ev.DisplayName
	}
	p.Speaking = true
	p.LastSpokeAt = r.now()
}

func (r *RoomConnector) markStopped(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[sourceID]; ok && p.Speaking {
		p.Speaking = false
		p.LastSpokeAt = r.now()
	}
}

func (r *RoomConnector) dispatchChunk(chunk TranscriptionChunk) {
	r.mu.Lock()
	listeners := make([]TranscriptionListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(chunk)
	}
}

// AddTranscriptionListener registers fn for every chunk the connection's
// STT streams emit. Listeners survive reconnects.
func (r *RoomConnector) AddTranscriptionListener(fn TranscriptionListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// transportClosed handles the events channel closing underneath us; the
// room tears itself down without waiting for its own event loop.
func (r *RoomConnector) transportClosed(conn Conn) {
	r.mu.Lock()
	if !r.connected || r.conn != conn {
		r.mu.Unlock()
		return
	}
	pipe := r.pipe
	r.connected = false
	r.conn = nil
	r.pipe = nil
	r.participants = make(map[string]*Participant)
	r.mu.Unlock()

	r.log.Warn("voice transport dropped, tearing down room")
	pipe.stop()
	_ = conn.Close()
}

// Broadcast plays one PCM16LE buffer to all participants and returns the
// number of bytes sent.
func (r *RoomConnector) Broadcast(ctx context.Context, pcm []byte) (int, error) {
	r.mu.Lock()
	conn := r.conn
	connected := r.connected
	r.mu.Unlock()
	if !connected {
		return 0, ErrNotConnected
	}
	n, err := conn.Play(ctx, pcm)
	if err != nil {
		return n, fmt.Errorf("broadcast audio: %w", err)
	}
	r.stats.addOut(n)
	return n, nil
}

// PlayAudio satisfies Player; room playback is always a broadcast.
func (r *RoomConnector) PlayAudio(ctx context.Context, pcm []byte) (int, error) {
	return r.Broadcast(ctx, pcm)
}

// Disconnect tears everything down: decode pipelines, STT streams, the
// transport connection, and the participant map. Safe to call repeatedly.
func (r *RoomConnector) Disconnect() {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return
	}
	conn := r.conn
	pipe := r.pipe
	r.connected = false
	r.conn = nil
	r.pipe = nil
	r.participants = make(map[string]*Participant)
	r.mu.Unlock()

	pipe.stop()
	_ = conn.Close()
	r.wg.Wait()
	r.log.Info("room voice disconnected")
}

func (r *RoomConnector) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *RoomConnector) Stats() ConnectionStats {
	r.mu.Lock()
	count := len(r.participants)
	pipe := r.pipe
	var connectedFor time.Duration
	if r.connected {
		connectedFor = r.now().Sub(r.connectedAt)
	}
	r.mu.Unlock()

	st := r.stats.snapshot(count, connectedFor)
	if pipe != nil {
		st.ActiveCaptures = pipe.activeCaptures()
		st.DroppedPackets = pipe.droppedPackets()
	}
	return st
}

// Participants returns a stable-ordered snapshot.
func (r *RoomConnector) Participants() []Participant {
	r.mu.Lock()
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LastActivity reports when audio last moved through the connection, for
// idle reclamation. A connection that never carried audio reports its
// connect time.
func (r *RoomConnector) LastActivity() time.Time {
	if t := r.stats.lastActivity(); !t.IsZero() {
		return t
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectedAt
}
