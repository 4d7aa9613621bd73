package voice

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestRoom(t *testing.T, mutate func(*RoomConfig)) (*RoomConnector, *MockTransport, *MockSTTProvider) {
	t.Helper()
	transport := NewMockTransport()
	stt := NewMockSTTProvider()
	cfg := RoomConfig{
		RoomID:         "r1",
		ChannelID:      "c1",
		Transport:      transport,
		STT:            stt,
		BatchWindow:    25 * time.Millisecond,
		SilenceTimeout: 500 * time.Millisecond,
		NewDecoder:     newFakeDecoder,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRoomConnector(cfg), transport, stt
}

func TestRoomConnectorConnectAndIdempotentDisconnect(t *testing.T) {
	room, transport, _ := newTestRoom(t, nil)
	if err := room.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !room.Connected() {
		t.Fatalf("Connected() = false after Connect")
	}
	if err := room.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}

	room.Disconnect()
	room.Disconnect()
	if room.Connected() {
		t.Fatalf("Connected() = true after Disconnect")
	}
	conns := transport.Conns()
	if len(conns) != 1 || !conns[0].IsClosed() {
		t.Fatalf("underlying connection not closed: %d conns", len(conns))
	}
	if got := room.Participants(); len(got) != 0 {
		t.Fatalf("participants not cleared: %v", got)
	}
}

func TestRoomConnectorConnectReadyTimeout(t *testing.T) {
	room, transport, _ := newTestRoom(t, func(cfg *RoomConfig) {
		cfg.ReadyTimeout = 30 * time.Millisecond
	})
	transport.HoldReady = true
	if err := room.Connect(context.Background()); !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect() error = %v, want ErrConnectTimeout", err)
	}
	if room.Connected() {
		t.Fatalf("Connected() = true after timeout")
	}
	if conns := transport.Conns(); len(conns) != 1 || !conns[0].IsClosed() {
		t.Fatalf("half-open connection not closed")
	}
}

func TestRoomConnectorConnectRejected(t *testing.T) {
	room, transport, _ := newTestRoom(t, nil)
	transport.SetDialError(fmt.Errorf("gateway refused"))
	if err := room.Connect(context.Background()); err == nil {
		t.Fatalf("Connect() succeeded despite transport rejection")
	}
	if room.Connected() {
		t.Fatalf("Connected() = true after rejection")
	}
}

func TestRoomConnectorParticipantCeiling(t *testing.T) {
	room, transport, _ := newTestRoom(t, nil)
	if err := room.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer room.Disconnect()
	conn := transport.Conns()[0]

	for i := 0; i < defaultMaxParticipants+1; i++ {
		conn.EmitSpeaking(SpeakingStart, fmt.Sprintf("p%02d", i), "")
	}
	waitFor(t, time.Second, "16 subscriptions", func() bool {
		return conn.SubscriptionCount() == defaultMaxParticipants
	})
	// Give the 17th event time to be (mis)handled, then recheck.
	time.Sleep(50 * time.Millisecond)
	if n := conn.SubscriptionCount(); n != defaultMaxParticipants {
		t.Fatalf("subscriptions = %d, want %d", n, defaultMaxParticipants)
	}
	if n := len(room.Participants()); n != defaultMaxParticipants {
		t.Fatalf("participants = %d, want %d", n, defaultMaxParticipants)
	}
}

func TestRoomConnectorBatchProducesSinglePacket(t *testing.T) {
	room, transport, stt := newTestRoom(t, func(cfg *RoomConfig) {
		cfg.BatchWindow = 80 * time.Millisecond
	})
	if err := room.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer room.Disconnect()
	conn := transport.Conns()[0]

	conn.EmitSpeaking(SpeakingStart, "p1", "Pat")
	waitFor(t, time.Second, "subscription", func() bool { return conn.SubscriptionCount() == 1 })
	for i := 0; i < 5; i++ {
		if !conn.PushFrame("p1", []byte{10, 20, 30}) {
			t.Fatalf("frame %d not delivered", i)
		}
	}

	waitFor(t, time.Second, "stt stream", func() bool { return len(stt.Streams()) == 1 })
	stream := stt.Streams()[0]
	waitFor(t, time.Second, "one packet", func() bool { return len(stream.Packets()) == 1 })

	pkt := stream.Packets()[0]
	if pkt.SourceID != "p1" {
		t.Fatalf("packet source = %q, want p1", pkt.SourceID)
	}
	if pkt.SampleRate != 48000 || pkt.Channels != 1 {
		t.Fatalf("packet format = %d/%d, want 48000/1", pkt.SampleRate, pkt.Channels)
	}
	// 5 frames x 3 bytes x 1 mono sample per byte.
	if len(pkt.PCM) != 15 {
		t.Fatalf("packet samples = %d, want 15", len(pkt.PCM))
	}
	// fakeDecoder: mono average of byte b is b+1.
	if pkt.PCM[0] != 11 || pkt.PCM[1] != 21 || pkt.PCM[2] != 31 {
		t.Fatalf("unexpected decoded samples: %v", pkt.PCM[:3])
	}
}

func TestRoomConnectorDecodeFailureDropsFrameOnly(t *testing.T) {
	room, transport, stt := newTestRoom(t, nil)
	if err := room.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer room.Disconnect()
	conn := transport.Conns()[0]

	conn.EmitSpeaking(SpeakingStart, "p1", "")
	waitFor(t, time.Second, "subscription", func() bool { return conn.SubscriptionCount() == 1 })
	conn.PushFrame("p1", []byte{0xFF}) // undecodable
	conn.PushFrame("p1", []byte{7})

	waitFor(t, time.Second, "packet despite bad frame", func() bool {
		streams := stt.Streams()
		return len(streams) == 1 && len(streams[0].Packets()) >= 1
	})
	pkt := stt.Streams()[0].Packets()[0]
	if len(pkt.PCM) != 1 || pkt.PCM[0] != 8 {
		t.Fatalf("surviving packet = %v, want [8]", pkt.PCM)
	}
}

func TestRoomConnectorDuplicateSpeakingStartIsIdempotent(t *testing.T) {
	room, transport, _ := newTestRoom(t, nil)
	if err := room.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer room.Disconnect()
	conn := transport.Conns()[0]

	conn.EmitSpeaking(SpeakingStart, "p1", "")
	conn.EmitSpeaking(SpeakingStart, "p1", "")
	waitFor(t, time.Second, "subscription", func() bool { return conn.SubscriptionCount() == 1 })
	time.Sleep(30 * time.Millisecond)
	if n := conn.SubscriptionCount(); n != 1 {
		t.Fatalf("subscriptions = %d, want 1", n)
	}
	if n := len(room.Participants()); n != 1 {
		t.Fatalf("participants = %d, want 1", n)
	}
}

func TestRoomConnectorSpeakingStopDestroysDecodeState(t *testing.T) {
	room, transport, _ := newTestRoom(t, nil)
	if err := room.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer room.Disconnect()
	conn := transport.Conns()[0]

	conn.EmitSpeaking(SpeakingStart, "p1", "Pat")
	waitFor(t, time.Second, "subscription", func() bool { return conn.SubscriptionCount() == 1 })
	conn.EmitSpeaking(SpeakingStop, "p1", "")
	waitFor(t, time.Second, "capture teardown", func() bool { return conn.SubscriptionCount() == 0 })

	// The participant record outlives its decode state.
	parts := room.Participants()
	if len(parts) != 1 || parts[0].ID != "p1" || parts[0].Speaking {
		t.Fatalf("unexpected participants after stop: %+v", parts)
	}
}

func TestRoomConnectorStatsTrackCaptures(t *testing.T) {
	room, transport, _ := newTestRoom(t, nil)
	if err := room.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer room.Disconnect()
	conn := transport.Conns()[0]

	conn.EmitSpeaking(SpeakingStart, "p1", "Pat")
	waitFor(t, time.Second, "capture up", func() bool { return room.Stats().ActiveCaptures == 1 })

	conn.EmitSpeaking(SpeakingStop, "p1", "")
	waitFor(t, time.Second, "capture down", func() bool { return room.Stats().ActiveCaptures == 0 })
	if dropped := room.Stats().DroppedPackets; dropped != 0 {
		t.Fatalf("DroppedPackets = %d, want 0", dropped)
	}
}

func TestRoomConnectorBroadcast(t *testing.T) {
	room, transport, _ := newTestRoom(t, nil)
	if _, err := room.Broadcast(context.Background(), []byte{1, 2}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Broadcast() before connect error = %v, want ErrNotConnected", err)
	}

	if err := room.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer room.Disconnect()

	n, err := room.Broadcast(context.Background(), []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if n != 4 {
		t.Fatalf("Broadcast() bytes = %d, want 4", n)
	}
	if played := transport.Conns()[0].Played(); len(played) != 1 || len(played[0]) != 4 {
		t.Fatalf("connection did not record playback")
	}
	stats := room.Stats()
	if stats.BytesOut != 4 || stats.PacketsOut != 1 {
		t.Fatalf("stats out = %d/%d, want 4/1", stats.BytesOut, stats.PacketsOut)
	}
}

func TestRoomConnectorTranscriptionListeners(t *testing.T) {
	room, transport, stt := newTestRoom(t, nil)
	stt.AutoFinalText = "hello there"

	got := make(chan TranscriptionChunk, 4)
	room.AddTranscriptionListener(func(chunk TranscriptionChunk) { got <- chunk })

	if err := room.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer room.Disconnect()
	conn := transport.Conns()[0]

	conn.EmitSpeaking(SpeakingStart, "p1", "")
	waitFor(t, time.Second, "subscription", func() bool { return conn.SubscriptionCount() == 1 })
	conn.PushFrame("p1", []byte{5, 6})

	select {
	case chunk := <-got:
		if chunk.SourceID != "p1" || chunk.Text != "hello there" || chunk.Partial {
			t.Fatalf("unexpected chunk: %+v", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no transcription chunk delivered")
	}
}

func TestRoomConnectorTransportDropTearsDown(t *testing.T) {
	room, transport, _ := newTestRoom(t, nil)
	if err := room.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := transport.Conns()[0]

	_ = conn.Close()
	waitFor(t, time.Second, "auto teardown", func() bool { return !room.Connected() })
	// Disconnect afterwards stays a no-op.
	room.Disconnect()
}
