package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultGenerateTimeout = 30 * time.Second
	defaultMaxChunkChars   = 500
)

type ResponderConfig struct {
	Generate ReplyGenerator
	TTS      TTSProvider
	Player   Player
	Logger   *zap.Logger
	Latency  LatencyRecorder

	GenerateTimeout time.Duration
	MaxChunkChars   int
	Voice           string
	SampleRate      int
}

// ResponseResult reports what one Respond call actually produced. Text is
// always the full generated reply, even when playback was interrupted, so
// callers can fall back to a text-only delivery.
type ResponseResult struct {
	Text             string
	Chunks           int
	ChunksPlayed     int
	BytesSent        int
	Interrupted      bool
	GenerateDuration time.Duration
	SpeakDuration    time.Duration
}

// Responder turns generated reply text into spoken audio: generate under a
// deadline, chunk, then synthesize and play each chunk sequentially with an
// interruption check between chunks.
type Responder struct {
	cfg ResponderConfig
	log *zap.Logger

	interrupted atomic.Bool
}

func NewResponder(cfg ResponderConfig) *Responder {
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = defaultGenerateTimeout
	}
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = defaultMaxChunkChars
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = STTFormat.SampleRate
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Responder{cfg: cfg, log: cfg.Logger}
}

// Interrupt stops the response after the in-flight chunk finishes. No
// further chunks are synthesized or played.
func (r *Responder) Interrupt() {
	r.interrupted.Store(true)
}

func (r *Responder) Respond(ctx context.Context, input string) (ResponseResult, error) {
	r.interrupted.Store(false)
	var res ResponseResult

	genStart := time.Now()
	text, err := r.generate(ctx, input)
	res.GenerateDuration = time.Since(genStart)
	if err != nil {
		if r.cfg.Latency != nil && errors.Is(err, ErrGenerateTimeout) {
			r.cfg.Latency.ObserveIndicator("generate_timeout")
		}
		return res, err
	}
	res.Text = text
	r.observe("generate", res.GenerateDuration)

	clean := sanitizeSpeechText(text)
	if strings.TrimSpace(clean) == "" {
		// Nothing speakable; not an error.
		return res, nil
	}

	chunks := ChunkText(clean, r.cfg.MaxChunkChars)
	res.Chunks = len(chunks)
	opts := SynthesizeOptions{Voice: r.cfg.Voice, SampleRate: r.cfg.SampleRate}

	speakStart := time.Now()
	for i, chunk := range chunks {
		if r.interrupted.Load() {
			res.Interrupted = true
			break
		}
		pcm, err := r.cfg.TTS.Synthesize(ctx, chunk, opts)
		if err != nil {
			// One bad chunk aborts the response; a half-spoken reply with a
			// gap is worse than none.
			res.SpeakDuration = time.Since(speakStart)
			if r.cfg.Latency != nil {
				r.cfg.Latency.ObserveIndicator("synthesis_failed")
			}
			return res, &SynthesisError{Chunk: i, Err: err}
		}
		n, err := r.cfg.Player.PlayAudio(ctx, pcm)
		res.BytesSent += n
		if err != nil {
			res.SpeakDuration = time.Since(speakStart)
			return res, fmt.Errorf("play response chunk %d: %w", i, err)
		}
		res.ChunksPlayed++
	}
	res.SpeakDuration = time.Since(speakStart)
	r.observe("speak", res.SpeakDuration)
	r.observe("respond_total", res.GenerateDuration+res.SpeakDuration)
	if res.Interrupted && r.cfg.Latency != nil {
		r.cfg.Latency.ObserveIndicator("interrupted")
	}

	r.log.Info("response spoken",
		zap.Int("chunks", res.Chunks),
		zap.Int("chunks_played", res.ChunksPlayed),
		zap.Bool("interrupted", res.Interrupted),
		zap.Int("bytes_sent", res.BytesSent))
	return res, nil
}

func (r *Responder) observe(stage string, d time.Duration) {
	if r.cfg.Latency == nil {
		return
	}
	r.cfg.Latency.Observe(stage, float64(d.Microseconds())/1000)
}

// generate races the reply generator against the configured timeout. When
// the timer wins, the in-flight call is abandoned, not killed.
func (r *Responder) generate(ctx context.Context, input string) (string, error) {
	if r.cfg.Generate == nil {
		return "", fmt.Errorf("no reply generator registered")
	}

	type genResult struct {
		text string
		err  error
	}
	out := make(chan genResult, 1)
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		text, err := r.cfg.Generate(genCtx, input)
		out <- genResult{text: text, err: err}
	}()

	timer := time.NewTimer(r.cfg.GenerateTimeout)
	defer timer.Stop()
	select {
	case res := <-out:
		if res.err != nil {
			return "", fmt.Errorf("generate reply: %w", res.err)
		}
		return res.text, nil
	case <-timer.C:
		return "", ErrGenerateTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
