// Package remote triggers external executors over HTTP: MCP bridges and
// workflow engines. Failures come back as values in the TriggerResult;
// transient ones are retried with exponential back-off before the result is
// surrendered to the caller.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/recovery"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
)

const (
	// DefaultMaxRetries is the number of retry attempts after the initial
	// request.
	DefaultMaxRetries = 3

	// DefaultRetryInterval seeds the back-off sequence: 2s, 4s, 8s.
	DefaultRetryInterval = 2 * time.Second

	// DefaultRequestTimeout bounds a single HTTP attempt.
	DefaultRequestTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a response body is read. Remote
	// executors return small JSON envelopes; anything larger is suspect.
	maxResponseBytes = 4 * 1024 * 1024
)

// contextKey is the reserved payload field carrying call attribution.
const contextKey = "_context"

// Config holds the adapter's endpoints and retry policy.
type Config struct {
	// MCPEndpoint receives mcp-kind triggers, WorkflowEndpoint workflow-kind
	// ones. A trigger for a kind with no endpoint fails without retrying.
	MCPEndpoint      string
	WorkflowEndpoint string

	// BearerToken is attached as an Authorization header when set.
	BearerToken string

	MaxRetries     int
	RetryInterval  time.Duration
	RequestTimeout time.Duration
}

// Adapter posts trigger payloads to remote executors.
type Adapter struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
}

// NewAdapter creates an adapter with the configured policy. Zero values fall
// back to defaults.
func NewAdapter(cfg Config) *Adapter {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		now:    time.Now,
	}
}

// Trigger posts the payload to the endpoint for kind, naming the remote
// resource in the URL path. The payload is augmented with a _context block
// identifying the originating message, task and session. Transient failures
// (connection errors, 429, 5xx) retry with exponential back-off; the
// returned result reflects the last attempt. Go errors are reserved for
// invalid input.
func (a *Adapter) Trigger(ctx context.Context, kind models.RemoteKind, name string, payload map[string]any, callCtx models.CallContext) (*models.TriggerResult, error) {
	if !kind.IsValid() {
		return nil, services.NewValidationError("kind", "must be mcp or workflow")
	}
	if strings.TrimSpace(name) == "" {
		return nil, services.NewValidationError("name", "is required")
	}

	endpoint := a.endpointFor(kind)
	if endpoint == "" {
		return nil, services.NewValidationError("endpoint",
			fmt.Sprintf("no endpoint configured for kind %s", kind))
	}

	body, err := json.Marshal(a.withContext(payload, callCtx))
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	target := strings.TrimSuffix(endpoint, "/") + "/" + url.PathEscape(name)
	start := a.now()

	var result *models.TriggerResult
	operation := func() error {
		var transportErr error
		result, transportErr = a.attempt(ctx, target, body)
		if result.Success {
			return nil
		}
		err := errors.New(result.Error)
		if retryAction(result.StatusCode, transportErr) == recovery.NoRetry {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(a.newBackOff(), uint64(a.cfg.MaxRetries)), ctx)
	// The last attempt's result carries the verdict; the retry error is
	// already folded into it.
	_ = backoff.Retry(operation, policy)

	if result == nil {
		// Context was cancelled before the first attempt ran.
		result = &models.TriggerResult{Success: false, Error: ctx.Err().Error()}
	}
	result.DurationMS = a.now().Sub(start).Milliseconds()
	return result, nil
}

// newBackOff builds the 2^attempt second sequence: 2s, 4s, 8s, ...
func (a *Adapter) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.RetryInterval
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = a.cfg.RetryInterval * 16
	bo.MaxElapsedTime = 0
	return bo
}

// attempt performs one HTTP round trip and maps it onto the result contract.
// The second return value carries the transport error, if any, for the
// shared failure classifier; completed responses are judged by status code.
func (a *Adapter) attempt(ctx context.Context, target string, body []byte) (*models.TriggerResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return &models.TriggerResult{Success: false, Error: fmt.Sprintf("failed to build request: %v", err)}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.BearerToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return &models.TriggerResult{Success: false, Error: err.Error()}, err
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if readErr != nil {
		return &models.TriggerResult{
			Success:    false,
			StatusCode: resp.StatusCode,
			Error:      fmt.Sprintf("failed to read response: %v", readErr),
		}, readErr
	}

	result := &models.TriggerResult{StatusCode: resp.StatusCode}

	var decoded map[string]any
	if len(data) > 0 && json.Unmarshal(data, &decoded) == nil {
		result.Data = decoded
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Success = true
		return result, nil
	}

	result.Error = remoteError(resp.StatusCode, decoded, data)
	return result, nil
}

// withContext returns a copy of the payload with the _context block set.
// The caller's map is never mutated.
func (a *Adapter) withContext(payload map[string]any, callCtx models.CallContext) map[string]any {
	merged := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		merged[k] = v
	}
	merged[contextKey] = models.RemoteContext{
		MessageID: callCtx.MessageID,
		TaskID:    callCtx.TaskID,
		SessionID: callCtx.SessionID,
		Timestamp: a.now().UTC(),
	}
	return merged
}

func (a *Adapter) endpointFor(kind models.RemoteKind) string {
	switch kind {
	case models.RemoteKindMCP:
		return a.cfg.MCPEndpoint
	case models.RemoteKindWorkflow:
		return a.cfg.WorkflowEndpoint
	}
	return ""
}

// remoteError extracts the most specific error text available: the response
// body's error field, then the raw body, then the HTTP status.
func remoteError(statusCode int, decoded map[string]any, raw []byte) string {
	if decoded != nil {
		if msg, ok := decoded["error"].(string); ok && msg != "" {
			return msg
		}
	}
	if body := strings.TrimSpace(string(raw)); body != "" && len(body) <= 256 {
		return fmt.Sprintf("%s: %s", http.StatusText(statusCode), body)
	}
	return fmt.Sprintf("remote returned %d %s", statusCode, http.StatusText(statusCode))
}

// retryAction classifies a failed attempt. A request that never completed
// goes through the shared transport classifier; a completed response is
// judged by its status code.
func retryAction(statusCode int, transportErr error) recovery.Action {
	if transportErr != nil {
		return recovery.Classify(transportErr)
	}
	return recovery.ClassifyStatus(statusCode)
}
