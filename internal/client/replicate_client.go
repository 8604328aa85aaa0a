package client

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
	"golang.org/x/time/rate"

	"github.com/makeastudio/api/internal/config"
)

// Prediction statuses reported by the provider
const (
	PredictionStarting   = "starting"
	PredictionProcessing = "processing"
	PredictionSucceeded  = "succeeded"
	PredictionFailed     = "failed"
	PredictionCanceled   = "canceled"
)

// PredictionAPI is the asynchronous media-generation provider.
type PredictionAPI interface {
	Submit(ctx context.Context, model string, input map[string]interface{}) (*Prediction, error)
	Get(ctx context.Context, id string) (*Prediction, error)
	Cancel(ctx context.Context, id string) error
}

// Prediction is the provider's view of one generation job.
type Prediction struct {
	ID        string          `json:"id"`
	Model     string          `json:"model,omitempty"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     interface{}     `json:"error,omitempty"`
	Logs      string          `json:"logs,omitempty"`
	CreatedAt string          `json:"created_at,omitempty"`
}

// IsTerminal reports whether the provider will not change the status again.
func (p *Prediction) IsTerminal() bool {
	switch p.Status {
	case PredictionSucceeded, PredictionFailed, PredictionCanceled:
		return true
	}
	return false
}

// OutputURL returns the first URL in the output, which is either a string
// or a list of strings depending on the model.
func (p *Prediction) OutputURL() string {
	if len(p.Output) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(p.Output, &many); err == nil && len(many) > 0 {
		return many[0]
	}
	return ""
}

// Diagnostic condenses the provider error and the tail of its logs.
func (p *Prediction) Diagnostic() string {
	var parts []string
	if p.Error != nil {
		switch e := p.Error.(type) {
		case string:
			parts = append(parts, e)
		default:
			if b, err := json.Marshal(e); err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	if logs := strings.TrimSpace(p.Logs); logs != "" {
		lines := strings.Split(logs, "\n")
		if len(lines) > 3 {
			lines = lines[len(lines)-3:]
		}
		parts = append(parts, strings.Join(lines, " | "))
	}
	return strings.Join(parts, "; ")
}

// ReplicateClient implements PredictionAPI for the Replicate predictions API
type ReplicateClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewReplicateClient creates a new provider client. Outbound calls are
// paced by a token bucket shared by every job in the process.
func NewReplicateClient(cfg *config.ReplicateConfig, logger zerolog.Logger) *ReplicateClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &ReplicateClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger.With().Str("component", "replicate").Logger(),
	}
}

// Submit creates a prediction. "owner/name" targets the model's latest
// version, "owner/name:version" pins a version.
func (c *ReplicateClient) Submit(ctx context.Context, model string, input map[string]interface{}) (*Prediction, error) {
	endpoint := fmt.Sprintf("/models/%s/predictions", model)
	body := map[string]interface{}{"input": input}
	if _, version, ok := strings.Cut(model, ":"); ok {
		endpoint = "/predictions"
		body["version"] = version
	}

	var result Prediction
	if err := c.post(ctx, endpoint, body, &result); err != nil {
		return nil, err
	}
	if result.ID == "" {
		return nil, fmt.Errorf("provider returned a prediction without id")
	}
	return &result, nil
}

// Get retrieves the current state of a prediction
func (c *ReplicateClient) Get(ctx context.Context, id string) (*Prediction, error) {
	var result Prediction
	if err := c.get(ctx, "/predictions/"+id, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel asks the provider to stop a prediction
func (c *ReplicateClient) Cancel(ctx context.Context, id string) error {
	var result Prediction
	return c.post(ctx, "/predictions/"+id+"/cancel", nil, &result)
}

// post sends a POST request with JSON body
func (c *ReplicateClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *ReplicateClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *ReplicateClient) doRequest(req *http.Request, result interface{}) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("→ request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", req.Method).Str("url", req.URL.String()).Msg("request failed")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug().Int("status", resp.StatusCode).Str("method", req.Method).Str("url", req.URL.String()).Msg("← response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *ReplicateClient) IsConfigured() bool {
	return c.apiKey != ""
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error (status %d): %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same call may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
