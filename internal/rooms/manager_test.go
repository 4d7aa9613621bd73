package rooms

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/antoniostano/vocalis/internal/voice"
)

// stubDecoder turns each frame byte into one mono sample, sidestepping the
// real codec.
type stubDecoder struct{}

func (stubDecoder) Decode(frame []byte) ([]int16, error) {
	pcm := make([]int16, len(frame))
	for i, b := range frame {
		pcm[i] = int16(b)
	}
	return pcm, nil
}

func (stubDecoder) SampleRate() int { return 48000 }
func (stubDecoder) Channels() int   { return 1 }

func newTestManager(mutate func(*Config)) (*Manager, *voice.MockTransport) {
	transport := voice.NewMockTransport()
	cfg := Config{
		Transport:   transport,
		STT:         voice.NewMockSTTProvider(),
		BatchWindow: 25 * time.Millisecond,
		NewDecoder:  func() (voice.FrameDecoder, error) { return stubDecoder{}, nil },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(cfg), transport
}

func TestManagerJoinAndLeave(t *testing.T) {
	m, _ := newTestManager(nil)

	conn, err := m.Join(context.Background(), "r1", "c1")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if !conn.Connected() {
		t.Fatalf("joined room not connected")
	}
	if got := m.List(); len(got) != 1 || got[0] != (Key{RoomID: "r1", ChannelID: "c1"}) {
		t.Fatalf("List() = %v", got)
	}

	if !m.Leave("r1", "c1") {
		t.Fatalf("Leave() = false for a joined room")
	}
	if conn.Connected() {
		t.Fatalf("room still connected after leave")
	}
	// Leaving again is a boundary, not a failure.
	if m.Leave("r1", "c1") {
		t.Fatalf("Leave() = true for an absent room")
	}
}

func TestManagerRejectsDuplicateJoin(t *testing.T) {
	m, _ := newTestManager(nil)
	if _, err := m.Join(context.Background(), "r1", "c1"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if _, err := m.Join(context.Background(), "r1", "c1"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second Join() error = %v, want ErrAlreadyJoined", err)
	}
	// Same room on another channel is a distinct connection.
	if _, err := m.Join(context.Background(), "r1", "c2"); err != nil {
		t.Fatalf("Join() on second channel error = %v", err)
	}
}

func TestManagerEnforcesRoomCap(t *testing.T) {
	m, _ := newTestManager(func(cfg *Config) { cfg.MaxRooms = 3 })
	for i := 0; i < 3; i++ {
		if _, err := m.Join(context.Background(), fmt.Sprintf("r%d", i), "c"); err != nil {
			t.Fatalf("Join(r%d) error = %v", i, err)
		}
	}

	_, err := m.Join(context.Background(), "r3", "c")
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Join() over cap error = %v, want CapacityError", err)
	}
	if capErr.Limit != 3 {
		t.Fatalf("CapacityError.Limit = %d, want 3", capErr.Limit)
	}

	// Leaving one frees the slot.
	m.Leave("r0", "c")
	if _, err := m.Join(context.Background(), "r3", "c"); err != nil {
		t.Fatalf("Join() after leave error = %v", err)
	}
}

func TestManagerReleasesSlotOnConnectFailure(t *testing.T) {
	m, transport := newTestManager(nil)
	transport.SetDialError(fmt.Errorf("gateway down"))

	if _, err := m.Join(context.Background(), "r1", "c1"); err == nil {
		t.Fatalf("Join() succeeded despite dial error")
	}
	if got := m.List(); len(got) != 0 {
		t.Fatalf("failed join left a registration behind: %v", got)
	}

	transport.SetDialError(nil)
	if _, err := m.Join(context.Background(), "r1", "c1"); err != nil {
		t.Fatalf("Join() after recovery error = %v", err)
	}
}

func TestManagerBroadcast(t *testing.T) {
	m, transport := newTestManager(nil)
	if _, err := m.Join(context.Background(), "r1", "c1"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	n, err := m.Broadcast(context.Background(), "r1", "c1", []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if n != 4 {
		t.Fatalf("Broadcast() sent %d bytes, want 4", n)
	}
	if played := transport.Conns()[0].Played(); len(played) != 1 {
		t.Fatalf("connection recorded %d playbacks, want 1", len(played))
	}

	if _, err := m.Broadcast(context.Background(), "nope", "c1", []byte{1}); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("Broadcast() to absent room error = %v, want ErrNotJoined", err)
	}
}

func TestManagerMetricsFold(t *testing.T) {
	m, _ := newTestManager(nil)
	ctx := context.Background()
	a, err := m.Join(ctx, "r1", "c1")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	b, err := m.Join(ctx, "r2", "c1")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	if _, err := a.Broadcast(ctx, []byte{0, 0, 0}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if _, err := b.Broadcast(ctx, []byte{0, 0}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	snap := m.Metrics()
	if snap.ActiveRooms != 2 {
		t.Fatalf("ActiveRooms = %d, want 2", snap.ActiveRooms)
	}
	if snap.BytesOut != 5 || snap.PacketsOut != 2 {
		t.Fatalf("out traffic = %d bytes / %d packets, want 5/2", snap.BytesOut, snap.PacketsOut)
	}

	// Folding must not mutate anything it reads.
	again := m.Metrics()
	if again.ActiveRooms != snap.ActiveRooms || again.BytesOut != snap.BytesOut ||
		again.PacketsOut != snap.PacketsOut || again.BytesIn != snap.BytesIn {
		t.Fatalf("Metrics() changed between calls: %+v vs %+v", again, snap)
	}
}

func TestManagerSweepReclaimsIdleRooms(t *testing.T) {
	m, _ := newTestManager(func(cfg *Config) {
		cfg.IdleTimeout = time.Hour
		cfg.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	})
	conn, err := m.Join(context.Background(), "r1", "c1")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	m.sweepIdle()
	if conn.Connected() {
		t.Fatalf("idle room survived sweep")
	}
	if got := m.List(); len(got) != 0 {
		t.Fatalf("idle room still registered: %v", got)
	}
}

func TestManagerSweepKeepsActiveRooms(t *testing.T) {
	m, _ := newTestManager(func(cfg *Config) { cfg.IdleTimeout = time.Hour })
	conn, err := m.Join(context.Background(), "r1", "c1")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	m.sweepIdle()
	if !conn.Connected() {
		t.Fatalf("fresh room reclaimed by sweep")
	}
}

func TestManagerFansListenersIntoRooms(t *testing.T) {
	stt := voice.NewMockSTTProvider()
	stt.AutoFinalText = "room chatter"
	m, _ := newTestManager(func(cfg *Config) { cfg.STT = stt })
	chunks := make(chan voice.TranscriptionChunk, 4)
	m.AddTranscriptionListener(func(c voice.TranscriptionChunk) { chunks <- c })

	if _, err := m.Join(context.Background(), "r1", "c1"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	mc := mockConnOf(t, m, "r1", "c1")
	mc.EmitSpeaking(voice.SpeakingStart, "u1", "")
	deadline := time.After(2 * time.Second)
	for mc.SubscriptionCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("capture never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	mc.PushFrame("u1", []byte{3, 3})

	select {
	case c := <-chunks:
		if c.Text != "room chatter" {
			t.Fatalf("chunk text = %q", c.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener never invoked")
	}
}

func TestManagerShutdownDisconnectsEverything(t *testing.T) {
	m, _ := newTestManager(nil)
	ctx := context.Background()
	var conns []*voice.RoomConnector
	for i := 0; i < 4; i++ {
		c, err := m.Join(ctx, fmt.Sprintf("r%d", i), "c")
		if err != nil {
			t.Fatalf("Join(r%d) error = %v", i, err)
		}
		conns = append(conns, c)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	m.Shutdown(shutdownCtx)

	for i, c := range conns {
		if c.Connected() {
			t.Fatalf("room %d still connected after shutdown", i)
		}
	}
	if got := m.List(); len(got) != 0 {
		t.Fatalf("registry not empty after shutdown: %v", got)
	}
}

func mockConnOf(t *testing.T, m *Manager, roomID, channelID string) *voice.MockConn {
	t.Helper()
	transport, ok := m.cfg.Transport.(*voice.MockTransport)
	if !ok {
		t.Fatalf("manager not backed by mock transport")
	}
	for _, c := range transport.Conns() {
		target := c.Target()
		if target.RoomID == roomID && target.ChannelID == channelID {
			return c
		}
	}
	t.Fatalf("no mock connection for %s:%s", roomID, channelID)
	return nil
}
