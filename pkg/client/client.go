package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Client talks to a running prefork daemon's control API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // optional
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:9090/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a control API client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// WorkerStatus mirrors the daemon's worker snapshot.
type WorkerStatus struct {
	ID               uint64    `json:"id"`
	Generation       int       `json:"generation"`
	State            string    `json:"state"`
	StartedAt        time.Time `json:"started_at"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	RequestStartedAt time.Time `json:"request_started_at"`
	InFlight         int       `json:"in_flight"`
}

// Health mirrors the daemon's pool health summary.
type Health struct {
	Generation int  `json:"generation"`
	Workers    int  `json:"workers"`
	Ready      int  `json:"ready"`
	Degraded   bool `json:"degraded"`
}

// Status is the full control API status response.
type Status struct {
	Health  Health         `json:"health"`
	Workers []WorkerStatus `json:"workers"`
}

// IsReachable probes the daemon.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

// Status fetches the worker pool snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.get(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Healthz fetches pool health; degraded pools return it alongside an error-free
// result (the HTTP 503 only matters to load balancers).
func (c *Client) Healthz(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, decodeError(resp)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode healthz response: %w", err)
	}
	return &h, nil
}

// Reload asks the daemon for a rolling restart.
func (c *Client) Reload(ctx context.Context) error {
	return c.post(ctx, "/reload", http.StatusOK)
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context, graceful bool) error {
	return c.post(ctx, "/shutdown?graceful="+strconv.FormatBool(graceful), http.StatusAccepted)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string, want int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != want {
		return decodeError(resp)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("daemon returned %d", resp.StatusCode)
}
