package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/utils"
)

// Client talks to an Evolution-compatible WhatsApp gateway. Pagination on the
// find-messages endpoints is handled internally; callers always get the full
// flat list.
type Client interface {
	ListAllMessages(ctx context.Context, instanceKey string) ([]ProviderMessage, error)
	ListMessages(ctx context.Context, instanceKey string, remoteJid string) ([]ProviderMessage, error)
	SendMessage(ctx context.Context, instanceKey string, to string, text string) (*SendResult, error)
	ConnectionState(ctx context.Context, instanceKey string) (string, error)
}

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	PageSize   int
}

func ConfigFromEnv(log *logger.Logger) Config {
	timeoutSec := utils.GetEnvAsInt("EVOLUTION_TIMEOUT_SECONDS", 30, log)
	return Config{
		BaseURL:    strings.TrimSpace(os.Getenv("EVOLUTION_BASE_URL")),
		APIKey:     strings.TrimSpace(os.Getenv("EVOLUTION_API_KEY")),
		Timeout:    time.Duration(timeoutSec) * time.Second,
		MaxRetries: utils.GetEnvAsInt("EVOLUTION_MAX_RETRIES", 4, log),
		PageSize:   utils.GetEnvAsInt("EVOLUTION_PAGE_SIZE", 500, log),
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv(log))
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("missing EVOLUTION_BASE_URL")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("missing EVOLUTION_API_KEY")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	return &client{
		log:        log.With("client", "EvolutionClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

type providerHTTPError struct {
	StatusCode int
	Body       string
}

func (e *providerHTTPError) Error() string {
	return fmt.Sprintf("evolution http %d: %s", e.StatusCode, e.Body)
}

func isRetryableHTTP(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var httpErr *providerHTTPError
	if errors.As(err, &httpErr) {
		return isRetryableHTTP(httpErr.StatusCode)
	}
	return false
}

func (c *client) ListAllMessages(ctx context.Context, instanceKey string) ([]ProviderMessage, error) {
	return c.findMessages(ctx, instanceKey, nil)
}

func (c *client) ListMessages(ctx context.Context, instanceKey string, remoteJid string) ([]ProviderMessage, error) {
	where := map[string]any{"key": map[string]any{"remoteJid": remoteJid}}
	return c.findMessages(ctx, instanceKey, where)
}

type findMessagesResponse struct {
	Messages struct {
		Total       int               `json:"total"`
		Pages       int               `json:"pages"`
		CurrentPage int               `json:"currentPage"`
		Records     []json.RawMessage `json:"records"`
	} `json:"messages"`
}

func (c *client) findMessages(ctx context.Context, instanceKey string, where map[string]any) ([]ProviderMessage, error) {
	var out []ProviderMessage
	page := 1
	for {
		body := map[string]any{"page": page, "offset": c.cfg.PageSize}
		if where != nil {
			body["where"] = where
		}
		raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/chat/findMessages/%s", instanceKey), body)
		if err != nil {
			return nil, err
		}
		var resp findMessagesResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("evolution findMessages decode: %w", err)
		}
		for _, rec := range resp.Messages.Records {
			var pm ProviderMessage
			if err := json.Unmarshal(rec, &pm); err != nil {
				c.log.Warn("Skipping undecodable provider message record", "instance", instanceKey, "error", err)
				continue
			}
			pm.Raw = rec
			out = append(out, pm)
		}
		if resp.Messages.Pages <= page || len(resp.Messages.Records) == 0 {
			break
		}
		page++
	}
	return out, nil
}

func (c *client) SendMessage(ctx context.Context, instanceKey string, to string, text string) (*SendResult, error) {
	body := map[string]any{"number": to, "text": text}
	raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/message/sendText/%s", instanceKey), body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
		Status           string `json:"status"`
		MessageTimestamp int64  `json:"messageTimestamp"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("evolution sendText decode: %w", err)
	}
	if resp.Key.ID == "" {
		return nil, fmt.Errorf("evolution sendText returned no message id")
	}
	return &SendResult{ID: resp.Key.ID, Status: resp.Status, Timestamp: resp.MessageTimestamp}, nil
}

func (c *client) ConnectionState(ctx context.Context, instanceKey string) (string, error) {
	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/instance/connectionState/%s", instanceKey), nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("evolution connectionState decode: %w", err)
	}
	return resp.Instance.State, nil
}

func (c *client) do(ctx context.Context, method string, path string, body any) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryableErr(err) {
			return nil, err
		}
		c.log.Warn("Retrying provider call", "path", path, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (c *client) doOnce(ctx context.Context, method string, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &providerHTTPError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	return raw, nil
}

func sleepBackoff(ctx context.Context, attempt int) error {
	base := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
	if base > 8*time.Second {
		base = 8 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(base + jitter):
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
