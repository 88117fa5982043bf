// Package gateway talks to the central coordination service: agent
// registration, periodic health signalling, and advisory measurement
// status reports. Everything here is best effort; the measurement
// pipeline never depends on the gateway being reachable.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/perigeehq/perigee/internal/metrics"
)

const (
	registerPath          = "/agent-api/agent/register"
	healthPathFormat      = "/agent-api/agent/%s/health"
	measurementPathFormat = "/agent-api/measurement/%s/status"

	userAgent = "perigee-agent/0.1.0"
)

// Config holds the static configuration for a gateway client.
type Config struct {
	BaseURL     string
	AgentID     string
	AgentKey    string
	AgentSecret string
}

// Dependencies allow test overrides for HTTP client, clock, and logging.
type Dependencies struct {
	HTTPClient *http.Client
	Metrics    *metrics.Store
	Now        func() time.Time
	Logger     zerolog.Logger
}

// Client reports agent and measurement state to the gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	agentID    string
	key        string
	secret     string
	metrics    *metrics.Store
	now        func() time.Time
	logger     zerolog.Logger
}

// NewClient builds a gateway client. An empty base URL is allowed and
// yields a disabled client whose methods are no-ops.
func NewClient(cfg Config, deps Dependencies) (*Client, error) {
	if cfg.BaseURL != "" && cfg.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		agentID:    cfg.AgentID,
		key:        cfg.AgentKey,
		secret:     cfg.AgentSecret,
		metrics:    deps.Metrics,
		now:        now,
		logger:     deps.Logger,
	}, nil
}

// Enabled reports whether a gateway is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

type registerPayload struct {
	AgentID      string    `json:"agent_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Register announces the agent. An already-registered conflict is
// success: the agent keeps its identity across restarts.
func (c *Client) Register(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	status, err := c.post(ctx, c.baseURL+registerPath, registerPayload{
		AgentID:      c.agentID,
		RegisteredAt: c.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	if status == http.StatusConflict {
		c.logger.Debug().Str("agent", c.agentID).Msg("agent already registered")
		return nil
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("register agent: status %d", status)
	}
	return nil
}

type healthPayload struct {
	AgentID          string    `json:"agent_id"`
	SentAt           time.Time `json:"sent_at"`
	MessagesConsumed uint64    `json:"messages_consumed"`
	ProbesExecuted   uint64    `json:"probes_executed"`
	RepliesPublished uint64    `json:"replies_published"`
	PublishFailures  uint64    `json:"publish_failures"`
	ActiveCount      int64     `json:"measurements_active"`
}

// ReportHealth posts one health sample. Failures are logged, not
// returned: health is advisory.
func (c *Client) ReportHealth(ctx context.Context) {
	if !c.Enabled() {
		return
	}
	payload := healthPayload{AgentID: c.agentID, SentAt: c.now().UTC()}
	if c.metrics != nil {
		snap := c.metrics.Snapshot()
		payload.MessagesConsumed = snap.MessagesConsumed
		payload.ProbesExecuted = snap.ProbesExecuted
		payload.RepliesPublished = snap.RepliesPublished
		payload.PublishFailures = snap.PublishFailures
		payload.ActiveCount = snap.MeasurementsActive
	}
	url := c.baseURL + fmt.Sprintf(healthPathFormat, c.agentID)
	status, err := c.post(ctx, url, payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("health report failed")
		return
	}
	if status < 200 || status >= 300 {
		c.logger.Warn().Int("status", status).Msg("health report rejected")
	}
}

// RunHealthLoop posts health samples on the configured interval until
// the context is cancelled.
func (c *Client) RunHealthLoop(ctx context.Context, interval time.Duration) error {
	if !c.Enabled() {
		<-ctx.Done()
		return ctx.Err()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.ReportHealth(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.ReportHealth(ctx)
		}
	}
}

type measurementStatusPayload struct {
	AgentID    string    `json:"agent_id"`
	State      string    `json:"state"`
	ProbesSent uint64    `json:"probes_sent"`
	ReportedAt time.Time `json:"reported_at"`
}

// ReportMeasurementStatus posts the terminal state of one measurement
// on this agent.
func (c *Client) ReportMeasurementStatus(ctx context.Context, measurementID, state string, probesSent uint64) error {
	if !c.Enabled() {
		return nil
	}
	url := c.baseURL + fmt.Sprintf(measurementPathFormat, measurementID)
	status, err := c.post(ctx, url, measurementStatusPayload{
		AgentID:    c.agentID,
		State:      state,
		ProbesSent: probesSent,
		ReportedAt: c.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("report measurement %s: %w", measurementID, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("report measurement %s: status %d", measurementID, status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, payload any) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.key != "" {
		req.Header.Set("X-Agent-Key", c.key)
		req.Header.Set("X-Agent-Secret", c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
