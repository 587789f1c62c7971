package reasoner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artemis/modernizer/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoProvider is a minimal provider adapter for exercising the client's
// retry and normalization logic against an httptest server.
type echoProvider struct{}

func (echoProvider) Name() string                 { return "echo" }
func (echoProvider) BuildURL(baseURL string) string { return baseURL }
func (echoProvider) SetHeaders(req *http.Request) {}

func (echoProvider) BuildRequestBody(model string, messages []Message, maxTokens int) ([]byte, error) {
	return json.Marshal(map[string]any{"model": model, "messages": messages})
}

func (echoProvider) ParseResponse(body []byte) (*ProviderResponse, error) {
	var resp struct {
		Content      string `json:"content"`
		InputTokens  int    `json:"input_tokens"`
		OutputTokens int    `json:"output_tokens"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewFatalError(err)
	}
	return &ProviderResponse{
		Content:      resp.Content,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

func init() {
	RegisterProvider(echoProvider{})
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	logger, err := observability.NewLogger("error")
	require.NoError(t, err)

	client, err := NewClient("echo", "test-model", logger,
		WithBaseURL(baseURL),
		WithRetryConfig(RetryConfig{
			MaxAttempts:       3,
			BackoffBase:       time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		}),
	)
	require.NoError(t, err)
	return client
}

func planReply(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	err := json.NewEncoder(w).Encode(map[string]any{
		"content":       `{"dependencies": {"express": {"target_version": "4.19.2", "risk": "low"}}}`,
		"input_tokens":  100,
		"output_tokens": 50,
	})
	require.NoError(t, err)
}

func TestClientReasonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		planReply(t, w)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	result, err := client.Reason(context.Background(), TaskPlan, Input{Manifest: "{}"})
	require.NoError(t, err)
	require.NotNil(t, result.Plan)
	assert.Equal(t, "4.19.2", result.Plan.Dependencies["express"].TargetVersion)
	assert.Equal(t, 100, result.Usage.InputTokens)
	assert.Equal(t, 50, result.Usage.OutputTokens)
	assert.Greater(t, result.Usage.CostUSD, 0.0)
}

func TestClientRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		planReply(t, w)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	result, err := client.Reason(context.Background(), TaskPlan, Input{Manifest: "{}"})
	require.NoError(t, err)
	require.NotNil(t, result.Plan)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.Reason(context.Background(), TaskPlan, Input{Manifest: "{}"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientFatalErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.Reason(context.Background(), TaskPlan, Input{Manifest: "{}"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load(), "auth failures must not be retried")
}

func TestClientMalformedReplyNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"content": "I cannot produce a plan today."})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.Reason(context.Background(), TaskPlan, Input{Manifest: "{}"})
	assert.True(t, IsMalformed(err), "got %v", err)
	assert.Equal(t, int32(1), calls.Load(), "a structural failure must not burn more tokens")
}

func TestClientDeployMessagePassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"content": "## Upgrades\n\nAll validations passed."})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	result, err := client.Reason(context.Background(), TaskDeployMessage, Input{})
	require.NoError(t, err)
	assert.Contains(t, result.Message, "All validations passed")
}

func TestClientContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	logger, err := observability.NewLogger("error")
	require.NoError(t, err)

	client, err := NewClient("echo", "test-model", logger,
		WithBaseURL(srv.URL),
		WithRetryConfig(RetryConfig{
			MaxAttempts:       5,
			BackoffBase:       time.Hour, // force the wait path
			MaxBackoff:        time.Hour,
			BackoffMultiplier: 2.0,
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.Reason(ctx, TaskPlan, Input{Manifest: "{}"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClientUnknownProvider(t *testing.T) {
	logger, err := observability.NewLogger("error")
	require.NoError(t, err)

	_, err = NewClient("nonexistent", "model", logger)
	assert.Error(t, err)
}
