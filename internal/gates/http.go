package gates

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
)

const defaultCheckTimeout = 30 * time.Second

// HTTPCheck runs an audit check on a remote service. It POSTs the check name
// and evidence bundle to URL and expects a Verdict as JSON.
type HTTPCheck struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
}

type checkRequest struct {
	Check  string `json:"check"`
	Bundle Bundle `json:"bundle"`
}

// Run implements AuditCheck. Transport failures and non-200 responses are
// returned as errors, which the recorder records as FAIL.
func (h *HTTPCheck) Run(ctx context.Context, name string, bundle Bundle) (Verdict, error) {
	if h.URL == "" {
		return Verdict{}, errors.New("audit check URL required")
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(checkRequest{Check: name, Bundle: bundle})
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to marshal bundle: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("audit check request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to read verdict: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("audit check %s returned %d: %s", name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return Verdict{}, fmt.Errorf("failed to parse verdict: %w", err)
	}
	if v.DurationMS == 0 {
		v.DurationMS = time.Since(start).Milliseconds()
	}
	return v, nil
}
