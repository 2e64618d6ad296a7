package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/model"
	"openai-proxy-go/internal/service"
)

type fakeExecutor struct {
	calls   int
	lastReq *model.ProxyRequest
	res     *model.Result
	err     error
}

func (f *fakeExecutor) Execute(_ context.Context, pr *model.ProxyRequest) (*model.Result, error) {
	f.calls++
	f.lastReq = pr
	return f.res, f.err
}

func newTestProxyHandler(fake *fakeExecutor) *ProxyHandler {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{PathPrefix: "/api/v1"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProxyHandler(fake, cfg, logger)
}

func jsonResult(status int, body string) *model.Result {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &model.Result{StatusCode: status, Header: header, Body: []byte(body)}
}

func TestHandle_BufferedResponse(t *testing.T) {
	fake := &fakeExecutor{res: jsonResult(http.StatusOK, `{"choices":[{"message":{"content":"hi"}}]}`)}
	h := newTestProxyHandler(fake)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", strings.NewReader(`{"model":"m"}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != `{"choices":[{"message":{"content":"hi"}}]}` {
		t.Errorf("body = %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestHandle_PathStripping(t *testing.T) {
	tests := []struct {
		name    string
		reqPath string
		want    string
	}{
		{"nested", "/api/v1/chat/completions", "chat/completions"},
		{"root", "/api/v1", ""},
		{"root slash", "/api/v1/", ""},
		{"models", "/api/v1/models", "models"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeExecutor{res: jsonResult(http.StatusOK, `{}`)}
			h := newTestProxyHandler(fake)

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.reqPath, http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.Handle(c); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if fake.lastReq.Path != tt.want {
				t.Errorf("forwarded path = %q, want %q", fake.lastReq.Path, tt.want)
			}
		})
	}
}

func TestHandle_BodyAndQueryForwarded(t *testing.T) {
	fake := &fakeExecutor{res: jsonResult(http.StatusOK, `{}`)}
	h := newTestProxyHandler(fake)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions?foo=bar", strings.NewReader(`{"model":"m"}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if string(fake.lastReq.Body) != `{"model":"m"}` {
		t.Errorf("forwarded body = %q", fake.lastReq.Body)
	}
	if fake.lastReq.Query.Get("foo") != "bar" {
		t.Errorf("forwarded query foo = %q, want %q", fake.lastReq.Query.Get("foo"), "bar")
	}
	if fake.lastReq.Method != http.MethodPost {
		t.Errorf("forwarded method = %q, want POST", fake.lastReq.Method)
	}
}

func TestHandle_StreamingRelay(t *testing.T) {
	payload := "data: {\"id\":\"1\"}\n\ndata: [DONE]\n\n"
	header := make(http.Header)
	header.Set("Content-Type", "text/event-stream")
	fake := &fakeExecutor{res: &model.Result{
		StatusCode: http.StatusOK,
		Header:     header,
		Stream:     io.NopCloser(strings.NewReader(payload)),
	}}
	h := newTestProxyHandler(fake)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", strings.NewReader(`{"stream":true}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != payload {
		t.Errorf("relayed body = %q, want %q", got, payload)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if !rec.Flushed {
		t.Error("streamed response was never flushed")
	}
}

func TestHandle_NoTokens(t *testing.T) {
	fake := &fakeExecutor{err: service.ErrNoTokens}
	h := newTestProxyHandler(fake)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var env model.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("body is not an error envelope: %v", err)
	}
	if env.Error.Type != "configuration_error" {
		t.Errorf("error.type = %q, want %q", env.Error.Type, "configuration_error")
	}
}

func TestHandle_GenericError(t *testing.T) {
	fake := &fakeExecutor{err: errors.New("boom")}
	h := newTestProxyHandler(fake)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var env model.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("body is not an error envelope: %v", err)
	}
	if env.Error.Type != "upstream_error" {
		t.Errorf("error.type = %q, want %q", env.Error.Type, "upstream_error")
	}
}

func TestHandle_ClientCanceled(t *testing.T) {
	fake := &fakeExecutor{err: context.Canceled}
	h := newTestProxyHandler(fake)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want nothing written for a canceled request", rec.Body.String())
	}
}
