package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/vocalis/internal/audio"
	"github.com/antoniostano/vocalis/internal/reliability"
)

// WhisperConfig points at a whisper-compatible HTTP transcription server
// that accepts a WAV body and returns {"text": ...}.
type WhisperConfig struct {
	URL            string
	AuthToken      string
	Language       string
	RequestTimeout time.Duration
	// FlushDuration is how much buffered audio triggers one transcription
	// request; the stream also flushes whatever is left on Close.
	FlushDuration time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// WhisperProvider adapts a batch HTTP STT endpoint to the streaming
// provider contract by flushing buffered PCM in fixed spans.
type WhisperProvider struct {
	cfg    WhisperConfig
	reqURL string
	client *http.Client
	log    *zap.Logger
}

func NewWhisperProvider(cfg WhisperConfig) (*WhisperProvider, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("whisper url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse whisper url: %w", err)
	}
	if cfg.Language != "" {
		q := u.Query()
		q.Set("language", cfg.Language)
		u.RawQuery = q.Encode()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.FlushDuration <= 0 {
		cfg.FlushDuration = 2 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &WhisperProvider{cfg: cfg, reqURL: u.String(), client: cfg.HTTPClient, log: cfg.Logger}, nil
}

func (p *WhisperProvider) StartStream(_ context.Context, sourceID string) (STTStream, <-chan TranscriptionChunk, error) {
	events := make(chan TranscriptionChunk, 64)
	s := &whisperStream{
		provider: p,
		sourceID: sourceID,
		events:   events,
		log:      p.log.With(zap.String("source_id", sourceID)),
	}
	return s, events, nil
}

type whisperStream struct {
	provider *WhisperProvider
	sourceID string
	log      *zap.Logger

	mu         sync.Mutex
	samples    []int16
	sampleRate int
	events     chan TranscriptionChunk
	closed     bool
}

func (s *whisperStream) SendAudio(ctx context.Context, pkt AudioPacket) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("stt stream closed")
	}
	if s.sampleRate == 0 {
		s.sampleRate = pkt.SampleRate
	}
	s.samples = append(s.samples, pkt.PCM...)
	var flush []int16
	if s.sampleRate > 0 &&
		len(s.samples) >= int(s.provider.cfg.FlushDuration.Seconds()*float64(s.sampleRate)) {
		flush = s.samples
		s.samples = nil
	}
	rate := s.sampleRate
	s.mu.Unlock()

	if flush == nil {
		return nil
	}
	return s.transcribe(ctx, flush, rate)
}

func (s *whisperStream) transcribe(ctx context.Context, samples []int16, rate int) error {
	wav, err := audio.EncodeWAVPCM16LE(audio.PCM16ToBytes(samples), rate, 1)
	if err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}

	var out struct {
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Score    float64 `json:"score"`
	}
	err = reliability.Do(ctx, 2, 150*time.Millisecond, time.Second, func() (bool, error) {
		reqCtx, cancel := context.WithTimeout(ctx, s.provider.cfg.RequestTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.provider.reqURL, bytes.NewReader(wav))
		if err != nil {
			return false, fmt.Errorf("build transcription request: %w", err)
		}
		req.Header.Set("Content-Type", "audio/wav")
		if s.provider.cfg.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+s.provider.cfg.AuthToken)
		}

		resp, err := s.provider.client.Do(req)
		if err != nil {
			return true, fmt.Errorf("transcription request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return reliability.IsRetryableHTTPStatus(resp.StatusCode),
				fmt.Errorf("transcription server returned %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return false, fmt.Errorf("decode transcription response: %w", err)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.events <- TranscriptionChunk{
		SourceID:   s.sourceID,
		Text:       text,
		Confidence: out.Score,
		Timestamp:  time.Now().UnixMilli(),
	}:
	default:
		s.log.Warn("transcription event buffer full, dropping chunk")
	}
	return nil
}

func (s *whisperStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	flush := s.samples
	rate := s.sampleRate
	s.samples = nil
	s.mu.Unlock()

	if len(flush) > 0 && rate > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.provider.cfg.RequestTimeout)
		if err := s.transcribe(ctx, flush, rate); err != nil {
			s.log.Warn("final transcription flush failed", zap.Error(err))
		}
		cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
