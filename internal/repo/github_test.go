package repo

import (
	"context"
	"encoding/base64"
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

func newTestGateway(t *testing.T, srv *httptest.Server) *GitHubGateway {
	t.Helper()
	logger, err := observability.NewLogger("error")
	require.NoError(t, err)
	return NewGitHubGateway(logger,
		WithAPIBase(srv.URL),
		WithGitHubHTTPClient(&http.Client{Timeout: 5 * time.Second}),
	)
}

func testRef() Ref {
	return Ref{Owner: "acme", Name: "demo", BaseBranch: "main", Token: "ghp_test"}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		url   string
		owner string
		name  string
	}{
		{"https://github.com/acme/demo.git", "acme", "demo"},
		{"https://github.com/acme/demo", "acme", "demo"},
		{"git@github.com:acme/demo.git", "acme", "demo"},
		{"https://github.com/acme/demo/", "acme", "demo"},
	}
	for _, tt := range tests {
		ref, err := ParseRef(tt.url, "develop", "tok")
		require.NoError(t, err, "url %s", tt.url)
		assert.Equal(t, tt.owner, ref.Owner)
		assert.Equal(t, tt.name, ref.Name)
		assert.Equal(t, "develop", ref.Base())
	}

	_, err := ParseRef("not a url", "main", "")
	assert.Error(t, err)

	assert.Equal(t, "main", Ref{Owner: "a", Name: "b"}.Base())
}

func TestGitHubReadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/demo/contents/package.json", r.URL.Path)
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		assert.Equal(t, "application/vnd.github.raw+json", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer ghp_test", r.Header.Get("Authorization"))
		w.Write([]byte(`{"name": "demo"}`))
	}))
	defer srv.Close()

	gw := newTestGateway(t, srv)
	data, err := gw.ReadFile(context.Background(), testRef(), "package.json", "main")
	require.NoError(t, err)
	assert.Equal(t, `{"name": "demo"}`, string(data))
}

func TestGitHubReadFileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message": "Not Found"}`))
	}))
	defer srv.Close()

	gw := newTestGateway(t, srv)
	_, err := gw.ReadFile(context.Background(), testRef(), "missing.json", "main")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestGitHubCreateBranch(t *testing.T) {
	var created atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/demo/git/ref/heads/main":
			json.NewEncoder(w).Encode(map[string]any{
				"object": map[string]string{"sha": "abc123"},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/demo/git/refs":
			var payload map[string]string
			json.NewDecoder(r.Body).Decode(&payload)
			assert.Equal(t, "refs/heads/upgrade/dependencies-20260824", payload["ref"])
			assert.Equal(t, "abc123", payload["sha"])
			created.Store(true)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	gw := newTestGateway(t, srv)
	err := gw.CreateBranch(context.Background(), testRef(), "upgrade/dependencies-20260824", "main")
	require.NoError(t, err)
	assert.True(t, created.Load())
}

func TestGitHubCreateBranchConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]any{
				"object": map[string]string{"sha": "abc123"},
			})
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message": "Reference already exists"}`))
	}))
	defer srv.Close()

	gw := newTestGateway(t, srv)
	err := gw.CreateBranch(context.Background(), testRef(), "upgrade/dependencies-20260824", "main")
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err), "an existing branch must surface as a conflict")
}

func TestGitHubPushFiles(t *testing.T) {
	var put atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			// Existing blob lookup.
			json.NewEncoder(w).Encode(map[string]string{"sha": "blob42"})
		case http.MethodPut:
			assert.Equal(t, "/repos/acme/demo/contents/package.json", r.URL.Path)
			var payload map[string]string
			json.NewDecoder(r.Body).Decode(&payload)

			content, err := base64.StdEncoding.DecodeString(payload["content"])
			require.NoError(t, err)
			assert.Equal(t, `{"deps": true}`, string(content))
			assert.Equal(t, "chore(deps): upgrades", payload["message"])
			assert.Equal(t, "upgrade/x", payload["branch"])
			assert.Equal(t, "blob42", payload["sha"], "updates carry the existing blob SHA")

			put.Store(true)
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	gw := newTestGateway(t, srv)
	err := gw.PushFiles(context.Background(), testRef(), "upgrade/x",
		map[string][]byte{"package.json": []byte(`{"deps": true}`)}, "chore(deps): upgrades")
	require.NoError(t, err)
	assert.True(t, put.Load())
}

func TestGitHubOpenPullRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/demo/pulls", r.URL.Path)
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		assert.Equal(t, "upgrade/x", payload["head"])
		assert.Equal(t, "main", payload["base"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"html_url": "https://github.com/acme/demo/pull/12"})
	}))
	defer srv.Close()

	gw := newTestGateway(t, srv)
	url, err := gw.OpenPullRequest(context.Background(), testRef(), "Upgrades", "body", "upgrade/x", "main")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/demo/pull/12", url)
}

func TestGitHubRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("content"))
	}))
	defer srv.Close()

	logger, err := observability.NewLogger("error")
	require.NoError(t, err)
	gw := NewGitHubGateway(logger, WithAPIBase(srv.URL))

	data, err := gw.ReadFile(context.Background(), testRef(), "f", "main")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGitHubUnauthorizedNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	gw := newTestGateway(t, srv)
	_, err := gw.ReadFile(context.Background(), testRef(), "f", "main")
	require.Error(t, err)
	assert.Equal(t, KindUnauthorized, KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindUnauthorized},
		{http.StatusNotFound, KindNotFound},
		{http.StatusConflict, KindConflict},
		{http.StatusUnprocessableEntity, KindConflict},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusTeapot, KindPermanent},
	}
	for _, tt := range tests {
		err := classifyStatus("op", tt.status, nil)
		assert.Equal(t, tt.want, err.Kind, "status %d", tt.status)
	}
}
