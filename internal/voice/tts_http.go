package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/vocalis/internal/reliability"
)

// HTTPTTSConfig points at a synthesis server that accepts
// {"text", "voice", "sample_rate"} and returns raw PCM16LE audio.
type HTTPTTSConfig struct {
	URL            string
	AuthToken      string
	RequestTimeout time.Duration
	// MaxAttempts bounds retries on transient server errors.
	MaxAttempts int
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

type HTTPTTSProvider struct {
	cfg    HTTPTTSConfig
	client *http.Client
	log    *zap.Logger
}

func NewHTTPTTSProvider(cfg HTTPTTSConfig) (*HTTPTTSProvider, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("tts url is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &HTTPTTSProvider{cfg: cfg, client: cfg.HTTPClient, log: cfg.Logger}, nil
}

func (p *HTTPTTSProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"text":        text,
		"voice":       opts.Voice,
		"sample_rate": opts.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("encode tts request: %w", err)
	}

	var audio []byte
	err = reliability.Do(ctx, p.cfg.MaxAttempts, 200*time.Millisecond, 2*time.Second, func() (bool, error) {
		audio = nil
		reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return false, fmt.Errorf("build tts request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.cfg.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+p.cfg.AuthToken)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			p.log.Warn("tts request failed", zap.Error(err))
			return true, fmt.Errorf("tts request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				p.log.Warn("tts server error", zap.Int("status", resp.StatusCode))
				return true, fmt.Errorf("tts server returned %d", resp.StatusCode)
			}
			return false, fmt.Errorf("tts server returned %d", resp.StatusCode)
		}
		audio, err = io.ReadAll(resp.Body)
		if err != nil {
			return true, fmt.Errorf("read tts response: %w", err)
		}
		if len(audio) == 0 {
			return false, fmt.Errorf("tts server returned empty audio")
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return audio, nil
}
