package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func staticGenerator(reply string) ReplyGenerator {
	return func(context.Context, string) (string, error) { return reply, nil }
}

// funcTTS lets a test observe or hijack each synthesis call.
type funcTTS struct {
	fn func(text string) ([]byte, error)
}

func (t *funcTTS) Synthesize(_ context.Context, text string, _ SynthesizeOptions) ([]byte, error) {
	return t.fn(text)
}

func TestResponderSpeaksChunksSequentially(t *testing.T) {
	tts := NewMockTTSProvider()
	player := NewMockPlayer()
	reply := "First sentence here. Second sentence follows. Third closes it out."
	r := NewResponder(ResponderConfig{
		Generate:      staticGenerator(reply),
		TTS:           tts,
		Player:        player,
		MaxChunkChars: 25,
	})

	res, err := r.Respond(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if res.Text != reply {
		t.Fatalf("Text = %q, want %q", res.Text, reply)
	}
	if res.Chunks != 3 || res.ChunksPlayed != 3 {
		t.Fatalf("chunks = %d played = %d, want 3/3", res.Chunks, res.ChunksPlayed)
	}
	if res.Interrupted {
		t.Fatalf("Interrupted = true on a clean run")
	}

	calls := tts.Calls()
	played := player.Played()
	if len(calls) != 3 || len(played) != 3 {
		t.Fatalf("tts calls = %d, playbacks = %d, want 3/3", len(calls), len(played))
	}
	// Playback order must match synthesis order.
	for i, c := range calls {
		if string(played[i]) != c {
			t.Fatalf("playback %d = %q, synthesized %q", i, played[i], c)
		}
	}
	if got := strings.Join(calls, " "); got != reply {
		t.Fatalf("rejoined chunks = %q, want %q", got, reply)
	}
}

func TestResponderInterruptStopsRemainingChunks(t *testing.T) {
	player := NewMockPlayer()
	reply := "One sentence. Two sentence. Red sentence. Blue sentence."

	var r *Responder
	var synthesized int
	tts := &funcTTS{fn: func(text string) ([]byte, error) {
		synthesized++
		if synthesized == 1 {
			// Listener barges in while the first chunk is being prepared.
			r.Interrupt()
		}
		return []byte(text), nil
	}}
	r = NewResponder(ResponderConfig{
		Generate:      staticGenerator(reply),
		TTS:           tts,
		Player:        player,
		MaxChunkChars: 15,
	})

	res, err := r.Respond(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if !res.Interrupted {
		t.Fatalf("Interrupted = false after Interrupt()")
	}
	// The chunk already in flight still plays; everything after is dropped.
	if res.ChunksPlayed != 1 {
		t.Fatalf("ChunksPlayed = %d, want 1", res.ChunksPlayed)
	}
	if res.Chunks < 2 {
		t.Fatalf("Chunks = %d, want at least 2", res.Chunks)
	}
	if res.Text != reply {
		t.Fatalf("Text = %q, want full reply %q despite interruption", res.Text, reply)
	}
	if len(player.Played()) != 1 {
		t.Fatalf("playbacks = %d, want 1", len(player.Played()))
	}
}

func TestResponderInterruptFlagResetsBetweenResponses(t *testing.T) {
	r := NewResponder(ResponderConfig{
		Generate: staticGenerator("Short reply."),
		TTS:      NewMockTTSProvider(),
		Player:   NewMockPlayer(),
	})
	r.Interrupt()

	res, err := r.Respond(context.Background(), "again")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if res.Interrupted || res.ChunksPlayed != 1 {
		t.Fatalf("stale interrupt leaked into next response: %+v", res)
	}
}

func TestResponderSynthesisFailureAborts(t *testing.T) {
	tts := NewMockTTSProvider()
	tts.FailOnCall = 2
	player := NewMockPlayer()
	r := NewResponder(ResponderConfig{
		Generate:      staticGenerator("Alpha part. Beta part. Gamma part."),
		TTS:           tts,
		Player:        player,
		MaxChunkChars: 12,
	})

	res, err := r.Respond(context.Background(), "go")
	var synthErr *SynthesisError
	if !errors.As(err, &synthErr) {
		t.Fatalf("Respond() error = %v, want SynthesisError", err)
	}
	if synthErr.Chunk != 1 {
		t.Fatalf("failed chunk index = %d, want 1", synthErr.Chunk)
	}
	if res.ChunksPlayed != 1 || len(player.Played()) != 1 {
		t.Fatalf("played %d chunks after failure, want exactly the first", res.ChunksPlayed)
	}
}

func TestResponderGenerateTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	r := NewResponder(ResponderConfig{
		Generate: func(context.Context, string) (string, error) {
			<-release
			return "too late", nil
		},
		TTS:             NewMockTTSProvider(),
		Player:          NewMockPlayer(),
		GenerateTimeout: 30 * time.Millisecond,
	})

	_, err := r.Respond(context.Background(), "slow")
	if !errors.Is(err, ErrGenerateTimeout) {
		t.Fatalf("Respond() error = %v, want ErrGenerateTimeout", err)
	}
}

func TestResponderGenerateFailure(t *testing.T) {
	boom := fmt.Errorf("model unavailable")
	r := NewResponder(ResponderConfig{
		Generate: func(context.Context, string) (string, error) { return "", boom },
		TTS:      NewMockTTSProvider(),
		Player:   NewMockPlayer(),
	})
	_, err := r.Respond(context.Background(), "x")
	if !errors.Is(err, boom) {
		t.Fatalf("Respond() error = %v, want wrapped %v", err, boom)
	}
}

func TestResponderUnspeakableReplyIsNoOp(t *testing.T) {
	for _, reply := range []string{"", "   ", "***", "🙂🎉"} {
		tts := NewMockTTSProvider()
		player := NewMockPlayer()
		r := NewResponder(ResponderConfig{
			Generate: staticGenerator(reply),
			TTS:      tts,
			Player:   player,
		})
		res, err := r.Respond(context.Background(), "hm")
		if err != nil {
			t.Fatalf("Respond(%q) error = %v", reply, err)
		}
		if res.Chunks != 0 || len(tts.Calls()) != 0 || len(player.Played()) != 0 {
			t.Fatalf("reply %q reached synthesis: %+v", reply, res)
		}
	}
}

type recordingLatency struct {
	mu         sync.Mutex
	stages     map[string]int
	indicators map[string]int
}

func newRecordingLatency() *recordingLatency {
	return &recordingLatency{stages: make(map[string]int), indicators: make(map[string]int)}
}

func (r *recordingLatency) Observe(stage string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[stage]++
}

func (r *recordingLatency) ObserveIndicator(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indicators[name]++
}

func TestResponderRecordsLatencyStages(t *testing.T) {
	lat := newRecordingLatency()
	r := NewResponder(ResponderConfig{
		Generate: staticGenerator("a short reply"),
		TTS:      NewMockTTSProvider(),
		Player:   NewMockPlayer(),
		Latency:  lat,
	})

	if _, err := r.Respond(context.Background(), "hi"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	for _, stage := range []string{"generate", "speak", "respond_total"} {
		if lat.stages[stage] != 1 {
			t.Fatalf("stage %q observed %d times, want 1", stage, lat.stages[stage])
		}
	}
	if len(lat.indicators) != 0 {
		t.Fatalf("indicators = %v, want none", lat.indicators)
	}
}

func TestResponderRecordsGenerateTimeoutIndicator(t *testing.T) {
	lat := newRecordingLatency()
	r := NewResponder(ResponderConfig{
		Generate: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
		TTS:             NewMockTTSProvider(),
		Player:          NewMockPlayer(),
		Latency:         lat,
		GenerateTimeout: 20 * time.Millisecond,
	})

	if _, err := r.Respond(context.Background(), "hi"); !errors.Is(err, ErrGenerateTimeout) {
		t.Fatalf("Respond() error = %v, want ErrGenerateTimeout", err)
	}
	if lat.indicators["generate_timeout"] != 1 {
		t.Fatalf("generate_timeout indicator = %d, want 1", lat.indicators["generate_timeout"])
	}
}

func TestResponderContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewResponder(ResponderConfig{
		Generate: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
		TTS:    NewMockTTSProvider(),
		Player: NewMockPlayer(),
	})
	_, err := r.Respond(ctx, "x")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Respond() error = %v, want context.Canceled", err)
	}
}
