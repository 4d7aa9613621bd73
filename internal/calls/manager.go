package calls

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antoniostano/vocalis/internal/observability"
	"github.com/antoniostano/vocalis/internal/voice"
)

var (
	ErrCallInProgress = errors.New("call already in progress with peer")
	ErrNoCall         = errors.New("no call with peer")
)

// CapacityError is returned when initiating would exceed the call ceiling.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("call capacity reached (limit %d)", e.Limit)
}

const (
	defaultMaxCalls      = 5
	defaultSweepInterval = time.Minute
	defaultRetention     = 24 * time.Hour
)

type Config struct {
	Transport voice.Transport
	STT       voice.STTProvider
	Generate  voice.ReplyGenerator
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Store     HistoryStore

	MaxCalls      int
	SweepInterval time.Duration
	Retention     time.Duration

	// Per-call knobs passed through to each connector.
	RingTimeout     time.Duration
	MaxCallDuration time.Duration
	BatchWindow     time.Duration
	SilenceTimeout  time.Duration
	GenerateTimeout time.Duration
	NewDecoder      func() (voice.FrameDecoder, error)

	now func() time.Time
}

type activeCall struct {
	conn   *voice.CallConnector
	record Record
	saved  bool
}

// Manager is the registry of 1:1 calls, keyed by peer. It enforces the
// concurrent-call ceiling, keeps one history record per call, and sweeps
// finished calls out of the registry and stale records out of history.
type Manager struct {
	cfg   Config
	log   *zap.Logger
	store HistoryStore
	now   func() time.Time

	mu     sync.Mutex
	active map[string]*activeCall
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = defaultMaxCalls
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(0)
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Manager{
		cfg:    cfg,
		log:    cfg.Logger,
		store:  cfg.Store,
		now:    cfg.now,
		active: make(map[string]*activeCall),
	}
}

// Initiate starts ringing a peer. A terminal leftover for the same peer is
// displaced; a live one is a conflict.
func (m *Manager) Initiate(peerID, channelID string) (*voice.CallConnector, error) {
	m.mu.Lock()
	if existing, ok := m.active[peerID]; ok {
		if !existing.conn.State().Terminal() {
			m.mu.Unlock()
			return nil, ErrCallInProgress
		}
		m.finalizeLocked(existing)
		delete(m.active, peerID)
	}
	if m.liveCountLocked() >= m.cfg.MaxCalls {
		m.mu.Unlock()
		return nil, &CapacityError{Limit: m.cfg.MaxCalls}
	}

	conn := voice.NewCallConnector(voice.CallConfig{
		PeerID:          peerID,
		ChannelID:       channelID,
		Transport:       m.cfg.Transport,
		STT:             m.cfg.STT,
		Generate:        m.cfg.Generate,
		Logger:          m.cfg.Logger,
		InitiatedBy:     "bot",
		RingTimeout:     m.cfg.RingTimeout,
		MaxCallDuration: m.cfg.MaxCallDuration,
		BatchWindow:     m.cfg.BatchWindow,
		SilenceTimeout:  m.cfg.SilenceTimeout,
		GenerateTimeout: m.cfg.GenerateTimeout,
		NewDecoder:      m.cfg.NewDecoder,
	})
	ac := &activeCall{
		conn: conn,
		record: Record{
			ID:          uuid.NewString(),
			PeerID:      peerID,
			ChannelID:   channelID,
			InitiatedBy: "bot",
			Outcome:     string(voice.CallIdle),
			CreatedAt:   m.now(),
		},
	}
	conn.SetStateListener(func(from, to voice.CallState) { m.onStateChange(peerID, from, to) })
	m.active[peerID] = ac
	m.mu.Unlock()

	if err := conn.InitiateCall(); err != nil {
		m.mu.Lock()
		delete(m.active, peerID)
		m.mu.Unlock()
		return nil, err
	}

	if mx := m.cfg.Metrics; mx != nil {
		mx.ActiveCalls.Inc()
	}
	m.log.Info("call initiated", zap.String("peer_id", peerID))
	return conn, nil
}

// onStateChange keeps the history record in step with the connector. On a
// terminal transition the record is finalized and written through to the
// store; the registry entry stays until the sweep clears it.
func (m *Manager) onStateChange(peerID string, _, to voice.CallState) {
	m.mu.Lock()
	ac, ok := m.active[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	ac.record.Outcome = string(to)
	if !to.Terminal() {
		m.mu.Unlock()
		return
	}
	m.finalizeLocked(ac)
	rec := ac.record
	m.mu.Unlock()

	if mx := m.cfg.Metrics; mx != nil {
		mx.ActiveCalls.Dec()
		mx.CallOutcomes.WithLabelValues(string(to)).Inc()
		if d := rec.Duration(); d > 0 {
			mx.ObserveCallDuration(d)
		}
	}
}

// finalizeLocked stamps the record from the connector and writes it
// through exactly once.
func (m *Manager) finalizeLocked(ac *activeCall) {
	if ac.saved {
		return
	}
	ac.saved = true
	ac.record.StartedAt = ac.conn.StartedAt()
	ac.record.EndedAt = ac.conn.EndedAt()
	if ac.record.EndedAt.IsZero() {
		ac.record.EndedAt = m.now()
	}
	rec := ac.record

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.Save(ctx, rec); err != nil {
			m.log.Warn("saving call record failed",
				zap.String("peer_id", rec.PeerID), zap.Error(err))
		}
	}()
}

func (m *Manager) liveCountLocked() int {
	count := 0
	for _, ac := range m.active {
		if !ac.conn.State().Terminal() {
			count++
		}
	}
	return count
}

// Get returns the connector for a peer's live call.
func (m *Manager) Get(peerID string) (*voice.CallConnector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ac, ok := m.active[peerID]
	if !ok {
		return nil, ErrNoCall
	}
	return ac.conn, nil
}

// Accept answers the ringing call with a peer.
func (m *Manager) Accept(ctx context.Context, peerID string) error {
	conn, err := m.Get(peerID)
	if err != nil {
		return err
	}
	return conn.AcceptCall(ctx)
}

// Decline refuses the ringing call with a peer.
func (m *Manager) Decline(peerID string) error {
	conn, err := m.Get(peerID)
	if err != nil {
		return err
	}
	return conn.DeclineCall()
}

// End hangs up the connected call with a peer.
func (m *Manager) End(peerID string) error {
	conn, err := m.Get(peerID)
	if err != nil {
		return err
	}
	return conn.EndCall()
}

// History lists finished calls, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]Record, error) {
	return m.store.List(ctx, limit)
}

// Summary is one registry entry as exposed by List.
type Summary struct {
	PeerID    string          `json:"peer_id"`
	ChannelID string          `json:"channel_id"`
	State     voice.CallState `json:"state"`
	StartedAt time.Time       `json:"started_at,omitzero"`
}

// List enumerates registered calls sorted by peer id. Terminal calls not
// yet cleared by the sweep appear with their terminal state.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	type entry struct {
		peerID    string
		channelID string
		conn      *voice.CallConnector
	}
	entries := make([]entry, 0, len(m.active))
	for peerID, ac := range m.active {
		entries = append(entries, entry{peerID, ac.record.ChannelID, ac.conn})
	}
	m.mu.Unlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		out = append(out, Summary{
			PeerID:    e.peerID,
			ChannelID: e.channelID,
			State:     e.conn.State(),
			StartedAt: e.conn.StartedAt(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Snapshot is an aggregate view over the live calls.
type Snapshot struct {
	ActiveCalls uint64 `json:"active_calls"`
	Ringing     int    `json:"ringing"`
	Connected   int    `json:"connected"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
}

// Metrics folds per-call stats into one snapshot without mutating state.
func (m *Manager) Metrics() Snapshot {
	m.mu.Lock()
	conns := make([]*voice.CallConnector, 0, len(m.active))
	for _, ac := range m.active {
		conns = append(conns, ac.conn)
	}
	m.mu.Unlock()

	var snap Snapshot
	for _, conn := range conns {
		switch conn.State() {
		case voice.CallRinging:
			snap.Ringing++
		case voice.CallConnected:
			snap.Connected++
		}
		if !conn.State().Terminal() {
			snap.ActiveCalls++
		}
		st := conn.Stats()
		snap.BytesIn += st.BytesIn
		snap.BytesOut += st.BytesOut
	}
	return snap
}

// StartSweeper clears finished calls from the registry and prunes history
// past the retention window until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	for peerID, ac := range m.active {
		if ac.conn.State().Terminal() {
			m.finalizeLocked(ac)
			delete(m.active, peerID)
		}
	}
	m.mu.Unlock()

	pruneCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pruned, err := m.store.Prune(pruneCtx, m.now().Add(-m.cfg.Retention))
	if err != nil {
		m.log.Warn("history prune failed", zap.Error(err))
		return
	}
	if pruned > 0 {
		m.log.Info("pruned call history", zap.Int("records", pruned))
		if mx := m.cfg.Metrics; mx != nil {
			mx.SweepReclaimed.WithLabelValues("call_record").Inc()
		}
	}
}

// Shutdown force-stops every live call and closes the store. Entries stay
// registered while they are hung up so their state listeners still find
// and finalize the records.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*voice.CallConnector, 0, len(m.active))
	for _, ac := range m.active {
		conns = append(conns, ac.conn)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *voice.CallConnector) {
			defer wg.Done()
			conn.Hangup()
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("all calls stopped")
	case <-ctx.Done():
		m.log.Warn("call shutdown cut short", zap.Error(ctx.Err()))
	}

	m.mu.Lock()
	for peerID, ac := range m.active {
		m.finalizeLocked(ac)
		delete(m.active, peerID)
	}
	m.mu.Unlock()

	if err := m.store.Close(); err != nil {
		m.log.Warn("closing call store failed", zap.Error(err))
	}
}
