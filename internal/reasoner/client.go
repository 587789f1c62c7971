package reasoner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/artemis/modernizer/internal/observability"
	"go.uber.org/zap"
)

// maxResponseSize limits the provider response body to prevent memory
// exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Default per-token pricing used for cost accounting when the config does
// not override it. Rough blended rates in USD.
const (
	defaultInputCostPerToken  = 3.0 / 1_000_000
	defaultOutputCostPerToken = 15.0 / 1_000_000
)

// RetryConfig bounds the retry loop against the provider.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the standard bounded backoff settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Client is the production Reasoner: one HTTP provider, bounded retry with
// jittered backoff, normalization to canonical records, and token/cost
// accounting.
type Client struct {
	provider    Provider
	model       string
	baseURL     string
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *observability.Logger

	inputCostPerToken  float64
	outputCostPerToken float64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithBaseURL overrides the provider's default endpoint.
func WithBaseURL(url string) ClientOption {
	return func(client *Client) {
		client.baseURL = url
	}
}

// WithPricing overrides the per-token cost rates.
func WithPricing(inputPerToken, outputPerToken float64) ClientOption {
	return func(client *Client) {
		client.inputCostPerToken = inputPerToken
		client.outputCostPerToken = outputPerToken
	}
}

// NewClient creates a reasoner client for the named provider.
func NewClient(providerName, model string, logger *observability.Logger, opts ...ClientOption) (*Client, error) {
	provider := GetProvider(providerName)
	if provider == nil {
		return nil, fmt.Errorf("unknown reasoner provider: %s", providerName)
	}

	c := &Client{
		provider:    provider,
		model:       model,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // Allow time for LLM responses
		},
		logger:             logger,
		inputCostPerToken:  defaultInputCostPerToken,
		outputCostPerToken: defaultOutputCostPerToken,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Reason sends one task to the provider and normalizes the reply. Transient
// provider errors are retried with jittered exponential backoff; structural
// parse failures are returned as ErrMalformed without retry. Exhaustion of
// the budget surfaces as ErrUnavailable.
func (c *Client) Reason(ctx context.Context, task TaskKind, input Input) (*Result, error) {
	messages := []Message{
		{Role: "system", Content: systemPrompt(task)},
		{Role: "user", Content: buildUserPrompt(task, input)},
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, messages)
		if err == nil {
			result, nerr := c.normalize(task, resp)
			if nerr != nil {
				// The provider answered; retrying a structural failure
				// would just burn tokens.
				observability.ReasonerCalls.WithLabelValues(string(task), "malformed").Inc()
				return nil, nerr
			}
			observability.ReasonerCalls.WithLabelValues(string(task), "success").Inc()
			observability.ReasonerTokens.WithLabelValues(string(task), "input").Add(float64(resp.InputTokens))
			observability.ReasonerTokens.WithLabelValues(string(task), "output").Add(float64(resp.OutputTokens))
			return result, nil
		}

		lastErr = err
		if IsFatal(err) {
			observability.ReasonerCalls.WithLabelValues(string(task), "fatal").Inc()
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("reasoner request failed, retrying",
				zap.String("task", string(task)),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)

			select {
			case <-ctx.Done():
				observability.ReasonerCalls.WithLabelValues(string(task), "canceled").Inc()
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	observability.ReasonerCalls.WithLabelValues(string(task), "unavailable").Inc()
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) normalize(task TaskKind, resp *ProviderResponse) (*Result, error) {
	usage := Usage{
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      float64(resp.InputTokens)*c.inputCostPerToken + float64(resp.OutputTokens)*c.outputCostPerToken,
	}

	result := &Result{Usage: usage}
	switch task {
	case TaskPlan:
		plan, err := NormalizePlan(resp.Content)
		if err != nil {
			return nil, err
		}
		result.Plan = plan
	case TaskDiagnose:
		diag, err := NormalizeDiagnosis(resp.Content)
		if err != nil {
			return nil, err
		}
		result.Diagnosis = diag
	case TaskDeployMessage:
		if resp.Content == "" {
			return nil, fmt.Errorf("%w: empty message", ErrMalformed)
		}
		result.Message = resp.Content
	default:
		return nil, fmt.Errorf("unknown task kind: %s", task)
	}
	return result, nil
}

// calculateBackoff computes exponential backoff duration with jitter.
// Jitter prevents thundering herd when multiple workflows retry together.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	// Add jitter: +/- 25% to prevent synchronized retries
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP request to the provider endpoint.
func (c *Client) doRequest(ctx context.Context, messages []Message) (*ProviderResponse, error) {
	url := c.provider.BuildURL(c.baseURL)

	body, err := c.provider.BuildRequestBody(c.model, messages, 0)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	c.provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	return c.provider.ParseResponse(respBody)
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("provider API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient
		return NewTransientError(err)
	case statusCode >= 500:
		// Server errors are transient
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Auth errors are fatal
		return NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		// Bad requests are fatal
		return NewFatalError(err)
	default:
		// Unknown errors default to fatal
		return NewFatalError(err)
	}
}
