package rooms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/vocalis/internal/observability"
	"github.com/antoniostano/vocalis/internal/voice"
)

var (
	ErrAlreadyJoined = errors.New("room already joined")
	ErrNotJoined     = errors.New("room not joined")
)

// CapacityError is returned when joining would exceed the room ceiling.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("room capacity reached (limit %d)", e.Limit)
}

// Key identifies one room connection.
type Key struct {
	RoomID    string `json:"room_id"`
	ChannelID string `json:"channel_id"`
}

func (k Key) String() string { return k.RoomID + ":" + k.ChannelID }

const (
	defaultMaxRooms      = 10
	defaultSweepInterval = time.Minute
	defaultIdleTimeout   = time.Hour
)

type Config struct {
	Transport voice.Transport
	STT       voice.STTProvider
	Logger    *zap.Logger
	Metrics   *observability.Metrics

	MaxRooms      int
	SweepInterval time.Duration
	IdleTimeout   time.Duration

	// Per-room knobs passed through to each connector.
	MaxParticipants int
	BatchWindow     time.Duration
	SilenceTimeout  time.Duration
	ReadyTimeout    time.Duration
	NewDecoder      func() (voice.FrameDecoder, error)

	now func() time.Time
}

// Manager is the registry of live room connections. It owns the join/leave
// lifecycle, fans manager-level transcription listeners into every room,
// and reclaims idle connections in the background.
type Manager struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu        sync.RWMutex
	rooms     map[Key]*voice.RoomConnector
	listeners []voice.TranscriptionListener
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxRooms <= 0 {
		cfg.MaxRooms = defaultMaxRooms
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Manager{
		cfg:   cfg,
		log:   cfg.Logger,
		now:   cfg.now,
		rooms: make(map[Key]*voice.RoomConnector),
	}
}

// Join connects to a room and registers it. The slot is claimed before the
// transport dial so concurrent joins for the same room cannot both win,
// and released again if the connect fails.
func (m *Manager) Join(ctx context.Context, roomID, channelID string) (*voice.RoomConnector, error) {
	key := Key{RoomID: roomID, ChannelID: channelID}

	m.mu.Lock()
	if _, ok := m.rooms[key]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	if len(m.rooms) >= m.cfg.MaxRooms {
		m.mu.Unlock()
		return nil, &CapacityError{Limit: m.cfg.MaxRooms}
	}
	conn := voice.NewRoomConnector(voice.RoomConfig{
		RoomID:          roomID,
		ChannelID:       channelID,
		Transport:       m.cfg.Transport,
		STT:             m.cfg.STT,
		Logger:          m.cfg.Logger,
		MaxParticipants: m.cfg.MaxParticipants,
		BatchWindow:     m.cfg.BatchWindow,
		SilenceTimeout:  m.cfg.SilenceTimeout,
		ReadyTimeout:    m.cfg.ReadyTimeout,
		NewDecoder:      m.cfg.NewDecoder,
	})
	for _, fn := range m.listeners {
		conn.AddTranscriptionListener(fn)
	}
	if mx := m.cfg.Metrics; mx != nil {
		conn.AddTranscriptionListener(func(voice.TranscriptionChunk) {
			mx.TranscriptChunks.Inc()
		})
	}
	m.rooms[key] = conn
	m.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		m.mu.Lock()
		delete(m.rooms, key)
		m.mu.Unlock()
		return nil, fmt.Errorf("join room %s: %w", key, err)
	}

	if mx := m.cfg.Metrics; mx != nil {
		mx.ActiveRooms.Inc()
		mx.RoomEvents.WithLabelValues("join").Inc()
	}
	m.log.Info("room joined", zap.String("room", key.String()))
	return conn, nil
}

// Leave disconnects and removes a room. Leaving a room that is not joined
// is not a failure; the return value reports whether one was found.
func (m *Manager) Leave(roomID, channelID string) bool {
	key := Key{RoomID: roomID, ChannelID: channelID}

	m.mu.Lock()
	conn, ok := m.rooms[key]
	if ok {
		delete(m.rooms, key)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	conn.Disconnect()
	if mx := m.cfg.Metrics; mx != nil {
		mx.ActiveRooms.Dec()
		mx.RoomEvents.WithLabelValues("leave").Inc()
	}
	m.log.Info("room left", zap.String("room", key.String()))
	return true
}

// Get returns the live connector for a room.
func (m *Manager) Get(roomID, channelID string) (*voice.RoomConnector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.rooms[Key{RoomID: roomID, ChannelID: channelID}]
	if !ok {
		return nil, ErrNotJoined
	}
	return conn, nil
}

// Broadcast plays one PCM16LE buffer to everyone in the room.
func (m *Manager) Broadcast(ctx context.Context, roomID, channelID string, pcm []byte) (int, error) {
	conn, err := m.Get(roomID, channelID)
	if err != nil {
		return 0, err
	}
	return conn.Broadcast(ctx, pcm)
}

// List returns the keys of all registered rooms in stable order.
func (m *Manager) List() []Key {
	m.mu.RLock()
	keys := make([]Key, 0, len(m.rooms))
	for k := range m.rooms {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// AddTranscriptionListener registers fn on every current room and every
// room joined afterwards.
func (m *Manager) AddTranscriptionListener(fn voice.TranscriptionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
	for _, conn := range m.rooms {
		conn.AddTranscriptionListener(fn)
	}
}

// Snapshot is an aggregate view over all registered rooms.
type Snapshot struct {
	ActiveRooms       int           `json:"active_rooms"`
	TotalParticipants int           `json:"total_participants"`
	BytesIn           uint64        `json:"bytes_in"`
	BytesOut          uint64        `json:"bytes_out"`
	PacketsIn         uint64        `json:"packets_in"`
	PacketsOut        uint64        `json:"packets_out"`
	AvgConnectedFor   time.Duration `json:"avg_connected_for"`
}

// Metrics folds per-room stats into one snapshot. It reads live state and
// mutates nothing.
func (m *Manager) Metrics() Snapshot {
	m.mu.RLock()
	conns := make([]*voice.RoomConnector, 0, len(m.rooms))
	for _, c := range m.rooms {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	var snap Snapshot
	var connectedTotal time.Duration
	for _, c := range conns {
		st := c.Stats()
		snap.ActiveRooms++
		snap.TotalParticipants += st.Participants
		snap.BytesIn += st.BytesIn
		snap.BytesOut += st.BytesOut
		snap.PacketsIn += st.PacketsIn
		snap.PacketsOut += st.PacketsOut
		connectedTotal += st.ConnectedFor
	}
	if snap.ActiveRooms > 0 {
		snap.AvgConnectedFor = connectedTotal / time.Duration(snap.ActiveRooms)
	}
	return snap
}

// StartSweeper reclaims rooms with no audio activity past the idle
// threshold until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepIdle()
			}
		}
	}()
}

func (m *Manager) sweepIdle() {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	m.mu.RLock()
	var idle []Key
	for k, conn := range m.rooms {
		if conn.LastActivity().Before(cutoff) {
			idle = append(idle, k)
		}
	}
	m.mu.RUnlock()

	for _, k := range idle {
		if m.Leave(k.RoomID, k.ChannelID) {
			m.log.Info("idle room reclaimed", zap.String("room", k.String()))
			if mx := m.cfg.Metrics; mx != nil {
				mx.SweepReclaimed.WithLabelValues("room").Inc()
			}
		}
	}
}

// Shutdown disconnects every room concurrently. Errors during teardown are
// logged, never propagated; a shutdown must not get stuck on one room.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	conns := m.rooms
	m.rooms = make(map[Key]*voice.RoomConnector)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for key, conn := range conns {
		wg.Add(1)
		go func(key Key, conn *voice.RoomConnector) {
			defer wg.Done()
			conn.Disconnect()
			if mx := m.cfg.Metrics; mx != nil {
				mx.ActiveRooms.Dec()
			}
		}(key, conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("all rooms disconnected")
	case <-ctx.Done():
		m.log.Warn("room shutdown cut short", zap.Error(ctx.Err()))
	}
}
