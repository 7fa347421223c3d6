package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRateLimit = 2.0
	defaultBurst     = 1
	defaultTimeout   = 5 * time.Minute
)

// HTTPConfig configures an HTTPExecutor.
type HTTPConfig struct {
	Name    string
	BaseURL string
	APIKey  string `json:"-"`
	Skills  []string

	// RateLimit is requests per second (default: 2). Burst defaults to 1.
	RateLimit float64
	Burst     int

	// Timeout bounds a request when the caller passes no timeout.
	Timeout time.Duration
}

// HTTPExecutor forwards actions to a remote executor service:
//
//	POST {BaseURL}/v1/actions {"action": "...", "timeout_seconds": N}
//
// The response body is a JSON Result with duration in milliseconds.
type HTTPExecutor struct {
	cfg        HTTPConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewHTTPExecutor creates an HTTP executor.
func NewHTTPExecutor(cfg HTTPConfig, logger *zap.Logger) (*HTTPExecutor, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("executor base URL required")
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPExecutor{
		cfg:        cfg,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:     logger.With(zap.String("executor", cfg.Name)),
	}, nil
}

// Name implements Named.
func (h *HTTPExecutor) Name() string {
	return h.cfg.Name
}

// CanExecute implements Executor.
func (h *HTTPExecutor) CanExecute(requiredSkills []string) bool {
	return HasSkills(h.cfg.Skills, requiredSkills)
}

type actionRequest struct {
	Action         string `json:"action"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type actionResponse struct {
	Status     Status  `json:"status"`
	Output     string  `json:"output"`
	Error      string  `json:"error"`
	CostUSD    float64 `json:"cost_usd"`
	Units      int     `json:"units"`
	DurationMS int64   `json:"duration_ms"`
}

// ExecuteAction implements Executor.
func (h *HTTPExecutor) ExecuteAction(ctx context.Context, action string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = h.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := h.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limiter error: %w", err)
	}

	body, err := json.Marshal(actionRequest{Action: action, TimeoutSeconds: int(timeout.Seconds())})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := strings.TrimRight(h.cfg.BaseURL, "/") + "/v1/actions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, fmt.Errorf("executor request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, fmt.Errorf("executor unavailable (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("executor rejected action (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var ar actionResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return Result{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if ar.Status != StatusSuccess && ar.Status != StatusFailure {
		return Result{}, fmt.Errorf("executor returned unknown status %q", ar.Status)
	}

	res := Result{
		Status:   ar.Status,
		Output:   ar.Output,
		Error:    ar.Error,
		CostUSD:  ar.CostUSD,
		Units:    ar.Units,
		Duration: time.Duration(ar.DurationMS) * time.Millisecond,
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	h.logger.Debug("action completed",
		zap.String("action", action),
		zap.String("status", string(res.Status)),
		zap.Float64("cost_usd", res.CostUSD),
		zap.Duration("duration", res.Duration))
	return res, nil
}
