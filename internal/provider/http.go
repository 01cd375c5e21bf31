package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	xerrors "atelier/internal/errors"
	"atelier/internal/logging"
)

// HTTPGatewayConfig configures a REST vendor adapter.
type HTTPGatewayConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // per-request timeout, not the task budget
}

// httpGateway speaks the common REST shape AIGC vendors expose:
// POST {base}/v1/tasks to submit, GET {base}/v1/tasks/{id} to poll.
type httpGateway struct {
	cfg    HTTPGatewayConfig
	client *http.Client
	logger logging.Logger
}

// NewHTTPGateway returns a Gateway backed by a vendor REST API.
func NewHTTPGateway(cfg HTTPGatewayConfig, logger logging.Logger) Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logging.OrNop(logger),
	}
}

type submitRequest struct {
	Model  string         `json:"model"`
	Params map[string]any `json:"params"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error,omitempty"`
}

type pollPayload struct {
	Status string         `json:"status"`
	Data   []ResultItem   `json:"data,omitempty"`
	Error  string         `json:"error,omitempty"`
	Raw    map[string]any `json:"-"`
}

func (g *httpGateway) Submit(ctx context.Context, model string, params map[string]any) (string, error) {
	body, err := json.Marshal(submitRequest{Model: model, Params: params})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	var out submitResponse
	if err := g.doJSON(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/tasks", body, &out, nil); err != nil {
		return "", fmt.Errorf("submit %s: %w", model, err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("submit %s: provider returned no task id", model)
	}
	g.logger.Debug("submitted model=%s external_id=%s", model, out.TaskID)
	return out.TaskID, nil
}

func (g *httpGateway) Poll(ctx context.Context, req PollRequest) (PollResponse, error) {
	endpoint := fmt.Sprintf("%s/v1/tasks/%s", g.cfg.BaseURL, url.PathEscape(req.ExternalID))

	var payload pollPayload
	var raw map[string]any
	if err := g.doJSON(ctx, http.MethodGet, endpoint, nil, &payload, &raw); err != nil {
		return PollResponse{}, fmt.Errorf("poll %s: %w", req.ExternalID, err)
	}

	return PollResponse{
		Status: payload.Status,
		Data:   payload.Data,
		Error:  payload.Error,
		Raw:    raw,
	}, nil
}

// doJSON issues one request and decodes the JSON response into out (and,
// when rawOut is non-nil, into an untyped map as well). Non-2xx statuses are
// classified transient/permanent by code.
func (g *httpGateway) doJSON(ctx context.Context, method, endpoint string, body []byte, out any, rawOut *map[string]any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		// Network failures are retried by the poll loop.
		return xerrors.NewTransient(err, "")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return xerrors.NewTransient(err, "")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.FromStatusCode(resp.StatusCode,
			fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(string(data), 200)))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode provider response: %w", err)
		}
	}
	if rawOut != nil {
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err == nil {
			*rawOut = raw
		}
	}
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
