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

	"github.com/antoniostano/vocalis/internal/reliability"
)

// HTTPGeneratorConfig points at a reply backend that accepts
// {"input", "peer_id"} and returns the reply as JSON or plain text.
type HTTPGeneratorConfig struct {
	URL            string
	AuthToken      string
	RequestTimeout time.Duration
	MaxAttempts    int
	HTTPClient     *http.Client
}

// NewHTTPGenerator builds a ReplyGenerator backed by an HTTP endpoint.
func NewHTTPGenerator(cfg HTTPGeneratorConfig) (ReplyGenerator, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("generator url is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 25 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return func(ctx context.Context, input string) (string, error) {
		payload, err := json.Marshal(map[string]string{"input": input})
		if err != nil {
			return "", fmt.Errorf("encode generate request: %w", err)
		}

		var reply string
		err = reliability.Do(ctx, cfg.MaxAttempts, 300*time.Millisecond, 2*time.Second, func() (bool, error) {
			reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
			defer cancel()
			req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
			if err != nil {
				return false, fmt.Errorf("build generate request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			if cfg.AuthToken != "" {
				req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
			}

			resp, err := cfg.HTTPClient.Do(req)
			if err != nil {
				return true, fmt.Errorf("generate request: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
				return reliability.IsRetryableHTTPStatus(resp.StatusCode),
					fmt.Errorf("generator status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return true, fmt.Errorf("read generate response: %w", err)
			}
			reply = extractReplyText(body)
			return false, nil
		})
		if err != nil {
			return "", err
		}
		return reply, nil
	}, nil
}

// extractReplyText reads the reply out of a JSON object under the first
// matching key, falling back to the raw body for plain-text backends.
func extractReplyText(body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, k := range []string{"reply", "text", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
