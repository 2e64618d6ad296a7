package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/model"
)

func newTestClient(t *testing.T, baseURL string) *OpenAIClient {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewOpenAIClient(cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	return c
}

func TestDispatch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer tok-1")
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/v1/chat/completions")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/v1")
	pr := &model.ProxyRequest{
		Method: http.MethodPost,
		Path:   "chat/completions",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{}`),
	}

	att := c.Dispatch(context.Background(), pr, "tok-1")

	if att.Outcome != model.OutcomeSuccess {
		t.Fatalf("Outcome = %v, want success (err=%v)", att.Outcome, att.Err)
	}
	defer func() { _ = att.Response.Body.Close() }()

	body, err := io.ReadAll(att.Response.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"choices":[]}` {
		t.Errorf("body = %q, want %q", body, `{"choices":[]}`)
	}
}

func TestDispatch_StripsCallerIdentityHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer pool-token" {
			t.Errorf("Authorization = %q, want pool token substituted", got)
		}
		for _, key := range []string{"Openai-Organization", "Openai-Project", "Connection"} {
			if r.Header.Get(key) != "" {
				t.Errorf("header %s leaked upstream", key)
			}
		}
		// The upstream must see its own host, not whatever the caller sent.
		if r.Host == "spoofed.example" {
			t.Errorf("host = %q, want the upstream's own host", r.Host)
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	pr := &model.ProxyRequest{
		Method: http.MethodPost,
		Path:   "chat/completions",
		Header: http.Header{
			"Authorization":       {"Bearer caller-secret"},
			"Openai-Organization": {"org-123"},
			"Openai-Project":      {"proj-456"},
			"Connection":          {"keep-alive"},
			"Host":                {"spoofed.example"},
			"X-Custom":            {"kept"},
		},
	}

	att := c.Dispatch(context.Background(), pr, "pool-token")
	if att.Outcome != model.OutcomeSuccess {
		t.Fatalf("Outcome = %v, want success (err=%v)", att.Outcome, att.Err)
	}
	_ = att.Response.Body.Close()
}

func TestDispatch_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	att := c.Dispatch(context.Background(), &model.ProxyRequest{Method: http.MethodPost, Path: "chat/completions"}, "tok")

	if att.Outcome != model.OutcomeRateLimited {
		t.Fatalf("Outcome = %v, want rate_limited", att.Outcome)
	}
	if len(att.ErrBody) == 0 {
		t.Error("ErrBody is empty, want captured 429 body")
	}
	if att.Response != nil {
		t.Error("Response should be nil for a rate-limited attempt")
	}
}

func TestDispatch_NetworkErrorIsTransient(t *testing.T) {
	// Closed server: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(t, srv.URL)
	att := c.Dispatch(context.Background(), &model.ProxyRequest{Method: http.MethodGet, Path: "models"}, "tok")

	if att.Outcome != model.OutcomeTransient {
		t.Fatalf("Outcome = %v, want transient", att.Outcome)
	}
	if att.Err == nil {
		t.Error("Err is nil, want network error")
	}
}

func TestDispatch_Non429ErrorStatusIsSuccess(t *testing.T) {
	// Body validity is judged later; a 500 is still a "success" attempt.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	att := c.Dispatch(context.Background(), &model.ProxyRequest{Method: http.MethodPost, Path: "chat/completions"}, "tok")

	if att.Outcome != model.OutcomeSuccess {
		t.Fatalf("Outcome = %v, want success with deferred validation", att.Outcome)
	}
	if att.Response.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want %d", att.Response.StatusCode, http.StatusInternalServerError)
	}
	_ = att.Response.Body.Close()
}

func TestBuildURL(t *testing.T) {
	c := newTestClient(t, "https://api.venice.ai/api/v1")

	tests := []struct {
		name  string
		path  string
		query url.Values
		want  string
	}{
		{
			name: "plain path",
			path: "chat/completions",
			want: "https://api.venice.ai/api/v1/chat/completions",
		},
		{
			name:  "path with query",
			path:  "models",
			query: url.Values{"limit": {"5"}},
			want:  "https://api.venice.ai/api/v1/models?limit=5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.buildURL(&model.ProxyRequest{Path: tt.path, Query: tt.query})
			if got != tt.want {
				t.Errorf("buildURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
