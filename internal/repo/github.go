package repo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/artemis/modernizer/internal/observability"
	"go.uber.org/zap"
)

const (
	defaultAPIBase = "https://api.github.com"

	// gatewayMaxAttempts bounds the in-gateway retry loop for transient
	// failures. Workflow-level retry does not apply to gateway calls.
	gatewayMaxAttempts = 3
	gatewayBackoffBase = 500 * time.Millisecond

	maxGatewayResponse = 4 * 1024 * 1024 // 4MB
)

// GitHubGateway talks to the GitHub REST v3 API.
type GitHubGateway struct {
	apiBase    string
	httpClient *http.Client
	logger     *observability.Logger
}

// GitHubOption configures a GitHubGateway.
type GitHubOption func(*GitHubGateway)

// WithAPIBase overrides the API endpoint, used for tests and GitHub
// Enterprise installs.
func WithAPIBase(base string) GitHubOption {
	return func(g *GitHubGateway) {
		g.apiBase = base
	}
}

// WithGitHubHTTPClient sets a custom HTTP client.
func WithGitHubHTTPClient(c *http.Client) GitHubOption {
	return func(g *GitHubGateway) {
		g.httpClient = c
	}
}

// NewGitHubGateway creates a gateway against api.github.com.
func NewGitHubGateway(logger *observability.Logger, opts ...GitHubOption) *GitHubGateway {
	g := &GitHubGateway{
		apiBase: defaultAPIBase,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ReadFile fetches raw file content from the contents API.
func (g *GitHubGateway) ReadFile(ctx context.Context, ref Ref, path, branch string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s",
		g.apiBase, ref.Owner, ref.Name, url.PathEscape(path), url.QueryEscape(branch))

	body, err := g.do(ctx, "read_file", ref, http.MethodGet, endpoint, nil, "application/vnd.github.raw+json")
	if err != nil {
		return nil, err
	}
	return body, nil
}

// CreateBranch resolves the tip of fromBranch and creates branch at it.
// An existing branch surfaces as a conflict; the deployer reacts by
// suffixing the name.
func (g *GitHubGateway) CreateBranch(ctx context.Context, ref Ref, branch, fromBranch string) error {
	refEndpoint := fmt.Sprintf("%s/repos/%s/%s/git/ref/heads/%s",
		g.apiBase, ref.Owner, ref.Name, url.PathEscape(fromBranch))

	body, err := g.do(ctx, "create_branch", ref, http.MethodGet, refEndpoint, nil, "")
	if err != nil {
		return err
	}

	var tip struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := json.Unmarshal(body, &tip); err != nil {
		return NewError(KindPermanent, "create_branch", fmt.Errorf("parse ref reply: %w", err))
	}
	if tip.Object.SHA == "" {
		return NewError(KindNotFound, "create_branch", fmt.Errorf("branch %s has no tip", fromBranch))
	}

	payload, _ := json.Marshal(map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": tip.Object.SHA,
	})

	createEndpoint := fmt.Sprintf("%s/repos/%s/%s/git/refs", g.apiBase, ref.Owner, ref.Name)
	_, err = g.do(ctx, "create_branch", ref, http.MethodPost, createEndpoint, payload, "")
	return err
}

// PushFiles commits each file onto branch via the contents API, fetching
// the current blob SHA first so updates replace rather than conflict.
func (g *GitHubGateway) PushFiles(ctx context.Context, ref Ref, branch string, files map[string][]byte, commitMessage string) error {
	for path, content := range files {
		endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
			g.apiBase, ref.Owner, ref.Name, url.PathEscape(path))

		payload := map[string]string{
			"message": commitMessage,
			"content": base64.StdEncoding.EncodeToString(content),
			"branch":  branch,
		}
		if sha := g.blobSHA(ctx, ref, path, branch); sha != "" {
			payload["sha"] = sha
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return NewError(KindPermanent, "push_files", err)
		}
		if _, err := g.do(ctx, "push_files", ref, http.MethodPut, endpoint, body, ""); err != nil {
			return err
		}
	}
	return nil
}

// blobSHA returns the existing blob SHA for path on branch, or empty when
// the file does not exist yet.
func (g *GitHubGateway) blobSHA(ctx context.Context, ref Ref, path, branch string) string {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s",
		g.apiBase, ref.Owner, ref.Name, url.PathEscape(path), url.QueryEscape(branch))

	body, err := g.do(ctx, "push_files", ref, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return ""
	}
	var meta struct {
		SHA string `json:"sha"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return ""
	}
	return meta.SHA
}

// OpenPullRequest opens a PR from head into base and returns its web URL.
func (g *GitHubGateway) OpenPullRequest(ctx context.Context, ref Ref, title, body, head, base string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	})
	if err != nil {
		return "", NewError(KindPermanent, "open_pull_request", err)
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls", g.apiBase, ref.Owner, ref.Name)
	respBody, err := g.do(ctx, "open_pull_request", ref, http.MethodPost, endpoint, payload, "")
	if err != nil {
		return "", err
	}

	var pr struct {
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return "", NewError(KindPermanent, "open_pull_request", fmt.Errorf("parse PR reply: %w", err))
	}
	if pr.HTMLURL == "" {
		return "", NewError(KindPermanent, "open_pull_request", fmt.Errorf("reply missing html_url"))
	}
	return pr.HTMLURL, nil
}

// do executes one API request with bounded retry on transient failures.
func (g *GitHubGateway) do(ctx context.Context, op string, ref Ref, method, endpoint string, body []byte, accept string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= gatewayMaxAttempts; attempt++ {
		respBody, err := g.doOnce(ctx, op, ref, method, endpoint, body, accept)
		if err == nil {
			observability.GatewayCalls.WithLabelValues(op, "success").Inc()
			return respBody, nil
		}

		lastErr = err
		if !IsTransient(err) {
			observability.GatewayCalls.WithLabelValues(op, string(KindOf(err))).Inc()
			return nil, err
		}

		if attempt < gatewayMaxAttempts {
			backoff := gatewayBackoffBase * time.Duration(1<<(attempt-1))
			g.logger.Debug("gateway call failed, retrying",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				observability.GatewayCalls.WithLabelValues(op, "canceled").Inc()
				return nil, NewError(KindTransient, op, ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	observability.GatewayCalls.WithLabelValues(op, "transient").Inc()
	return nil, lastErr
}

func (g *GitHubGateway) doOnce(ctx context.Context, op string, ref Ref, method, endpoint string, body []byte, accept string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, NewError(KindPermanent, op, err)
	}

	if accept == "" {
		accept = "application/vnd.github+json"
	}
	req.Header.Set("Accept", accept)
	if ref.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ref.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, NewError(KindTransient, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayResponse))
	if err != nil {
		return nil, NewError(KindTransient, op, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	return nil, classifyStatus(op, resp.StatusCode, respBody)
}

func classifyStatus(op string, status int, body []byte) *Error {
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	err := fmt.Errorf("status %d: %s", status, msg)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(KindUnauthorized, op, err)
	case status == http.StatusNotFound:
		return NewError(KindNotFound, op, err)
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return NewError(KindConflict, op, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return NewError(KindTransient, op, err)
	default:
		return NewError(KindPermanent, op, err)
	}
}
