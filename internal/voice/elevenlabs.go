package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/vocalis/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey    string
	WSBaseURL string
	ModelID   string
	// OutputFormat must be a raw PCM format so playback can forward the
	// bytes unmodified.
	OutputFormat string
	SynthTimeout time.Duration
}

// ElevenLabsTTS synthesizes speech over the streaming websocket API and
// collects the full utterance before returning it.
type ElevenLabsTTS struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsTTS(cfg ElevenLabsConfig) *ElevenLabsTTS {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_48000"
	}
	if cfg.SynthTimeout <= 0 {
		cfg.SynthTimeout = 20 * time.Second
	}
	return &ElevenLabsTTS{cfg: cfg}
}

func (p *ElevenLabsTTS) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) ([]byte, error) {
	if strings.TrimSpace(opts.Voice) == "" {
		return nil, fmt.Errorf("voice is required")
	}

	var pcm []byte
	err := reliability.Do(ctx, 2, 250*time.Millisecond, time.Second, func() (bool, error) {
		var synthErr error
		pcm, synthErr = p.synthesizeOnce(ctx, text, opts.Voice)
		if synthErr == nil {
			return false, nil
		}
		var rtErr *realtimeError
		if errors.As(synthErr, &rtErr) {
			return reliability.IsRetryableRealtimeMessageType(rtErr.Code), synthErr
		}
		return true, synthErr
	})
	if err != nil {
		return nil, err
	}
	return pcm, nil
}

func (p *ElevenLabsTTS) synthesizeOnce(ctx context.Context, text, voice string) ([]byte, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") +
		"/v1/text-to-speech/" + url.PathEscape(voice) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.ModelID)
	q.Set("output_format", p.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &elevenSynthStream{
		conn:  conn,
		audio: make(chan []byte, 64),
	}
	go s.readLoop()
	defer s.close()

	// Prime the stream, send the utterance, then close the input so the
	// server flushes and marks the last chunk final.
	if err := s.writeJSON(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        0.42,
			"similarity_boost": 0.85,
		},
	}); err != nil {
		return nil, fmt.Errorf("prime tts stream: %w", err)
	}
	if err := s.writeJSON(map[string]any{"text": text + " ", "try_trigger_generation": true}); err != nil {
		return nil, fmt.Errorf("send tts text: %w", err)
	}
	if err := s.writeJSON(map[string]any{"text": ""}); err != nil {
		return nil, fmt.Errorf("close tts input: %w", err)
	}

	deadline := time.NewTimer(p.cfg.SynthTimeout)
	defer deadline.Stop()

	var out []byte
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("tts synthesis timed out after %s", p.cfg.SynthTimeout)
		case chunk, ok := <-s.audio:
			if !ok {
				if err := s.err(); err != nil {
					return nil, err
				}
				if len(out) == 0 {
					return nil, fmt.Errorf("tts stream ended without audio")
				}
				return out, nil
			}
			out = append(out, chunk...)
		}
	}
}

type realtimeError struct {
	Code   string
	Detail string
}

func (e *realtimeError) Error() string {
	return fmt.Sprintf("tts upstream error %s: %s", e.Code, e.Detail)
}

type elevenSynthStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	// audio is closed by readLoop only, so close never races a send.
	audio chan []byte

	mu      sync.Mutex
	lastErr error
}

func (s *elevenSynthStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenSynthStream) readLoop() {
	defer close(s.audio)
	defer s.close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			s.setErr(&realtimeError{Code: asString(raw["message_type"]), Detail: errMsg})
			return
		}
		if encoded := asString(raw["audio"]); encoded != "" {
			chunk, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				s.setErr(fmt.Errorf("decode tts audio: %w", err))
				return
			}
			select {
			case s.audio <- chunk:
			default:
				// Consumer gone or stalled; stop reading.
				return
			}
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			return
		}
	}
}

func (s *elevenSynthStream) setErr(err error) {
	s.mu.Lock()
	if s.lastErr == nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

func (s *elevenSynthStream) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *elevenSynthStream) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
