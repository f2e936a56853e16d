// internal/integrations/webhook/webhook.go
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bartek5186/catsync/internal/integrations"
	"github.com/rs/zerolog"
)

const SignatureHeader = "X-Catsync-Signature"

type Config struct {
	URL        string            `json:"url"`
	Username   string            `json:"username"` // basic auth, optional
	Password   string            `json:"password"`
	Secret     string            `json:"secret"` // HMAC-SHA256 of the body, hex, in SignatureHeader
	TimeoutSec int               `json:"timeout_sec"`
	Attempts   int               `json:"attempts"`
	Headers    map[string]string `json:"headers"`
}

type Hook struct {
	log     zerolog.Logger
	cfg     Config
	http    *http.Client
	backoff time.Duration
}

func (h *Hook) Name() string { return "webhook" }

// Notify POSTs ev as JSON. 5xx answers and transport errors are retried up
// to Attempts times; 4xx answers are not.
func (h *Hook) Notify(ctx context.Context, ev integrations.RunEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	attempts := h.cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	var lastErr error
	for n := 1; n <= attempts; n++ {
		retry, err := h.post(ctx, body)
		if err == nil {
			h.log.Debug().Str("run_id", ev.RunID).Int("attempt", n).Msg("webhook delivered")
			return nil
		}
		lastErr = err
		if !retry || n == attempts {
			break
		}
		h.log.Warn().Err(err).Int("attempt", n).Msg("webhook failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.backoff * time.Duration(n)):
		}
	}
	return lastErr
}

func (h *Hook) post(ctx context.Context, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "catsync/1.0")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}
	if h.cfg.Username != "" {
		req.SetBasicAuth(h.cfg.Username, h.cfg.Password)
	}
	if h.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(h.cfg.Secret, body))
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return true, fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook post: http %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook post: http %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}

func New(log zerolog.Logger, cfg Config) (*Hook, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook: url is required")
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Hook{
		log:     log,
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		backoff: time.Second,
	}, nil
}

func factory(log zerolog.Logger, raw json.RawMessage) (integrations.Notifier, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return New(log, cfg)
}

func init() {
	integrations.Register("webhook", factory)
}
