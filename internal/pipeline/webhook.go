package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"schedq/internal/dispatch"
	"schedq/internal/queue"
	logx "schedq/pkg/logx"
)

// Config wires targets to webhook endpoints.
type Config struct {
	// Targets maps target name -> endpoint URL.
	Targets map[string]string

	// Token, when set, is sent as "Authorization: Bearer <token>".
	Token string

	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// Client POSTs task parameters to pipeline webhook endpoints.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
		log:  log,
	}
}

// Register adds one handler per configured target to reg. Targets with an
// empty URL are skipped with a warning so a half-filled config does not take
// the whole dispatcher down.
func (c *Client) Register(reg *dispatch.Registry) error {
	for target, url := range c.cfg.Targets {
		if url == "" {
			c.log.Warn("pipeline target has no url, skipping", logx.String("target", target))
			continue
		}
		t, u := target, url
		err := reg.Register(t, dispatch.HandlerFunc(func(ctx context.Context, params map[string]any) error {
			return c.post(ctx, t, u, params)
		}))
		if err != nil {
			return fmt.Errorf("register pipeline target %q: %w", t, err)
		}
	}
	return nil
}

// post delivers the task parameters as a JSON body.
//
// Responses are classified the way the pipeline's own error taxonomy does:
// 429 and 5xx are temporary (the task retries with backoff), any other 4xx
// is permanent and the task is dead-lettered without further attempts.
func (c *Client) post(ctx context.Context, target, url string, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return queue.NoRetry(fmt.Errorf("encode parameters for %s: %w", target, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return queue.NoRetry(fmt.Errorf("build request for %s: %w", target, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network-level failures are assumed temporary.
		return fmt.Errorf("pipeline %s: %w", target, err)
	}
	defer resp.Body.Close()

	// Drain a bounded slice of the body for the error message.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.log.Debug("pipeline trigger accepted",
			logx.String("target", target), logx.Int("status", resp.StatusCode))
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("pipeline %s: status %d: %s", target, resp.StatusCode, trimmed(snippet))
	default:
		// Remaining 4xx: bad token, bad payload, unknown route. Retrying
		// the same request cannot succeed.
		return queue.NoRetry(fmt.Errorf("pipeline %s: status %d: %s", target, resp.StatusCode, trimmed(snippet)))
	}
}

func trimmed(b []byte) string {
	if len(b) == 0 {
		return "<empty body>"
	}
	return string(b)
}
