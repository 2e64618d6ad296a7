package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/model"
	"openai-proxy-go/internal/service"
)

// Executor runs one inbound request through the rotation engine.
type Executor interface {
	Execute(ctx context.Context, pr *model.ProxyRequest) (*model.Result, error)
}

// ProxyHandler forwards OpenAI-compatible API requests to the upstream.
type ProxyHandler struct {
	service Executor
	prefix  string
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc Executor, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		prefix:  cfg.Upstream.PathPrefix,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle materializes the request body, runs the rotation engine, and writes
// the single terminal response. Streaming results are relayed chunk by chunk
// with a flush after every read so clients see tokens as they arrive.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		h.logger.Warn("reading request body", "err", err, "path", req.URL.Path)
		return c.JSON(http.StatusBadRequest,
			model.NewErrorEnvelope("failed to read request body", "invalid_request_error"))
	}

	pr := &model.ProxyRequest{
		Method: req.Method,
		Path:   relativePath(h.prefix, req.URL.Path),
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   body,
	}

	res, err := h.service.Execute(req.Context(), pr)
	if err != nil {
		return h.mapError(c, err)
	}

	header := c.Response().Header()
	for key, vals := range res.Header {
		for _, v := range vals {
			header.Add(key, v)
		}
	}

	if res.Stream == nil {
		return c.Blob(res.StatusCode, header.Get("Content-Type"), res.Body)
	}

	defer func() { _ = res.Stream.Close() }()
	c.Response().WriteHeader(res.StatusCode)

	// Once the status line is out a mid-stream failure can only truncate the
	// response; log it and stop.
	buf := make([]byte, 32*1024)
	for {
		n, rerr := res.Stream.Read(buf)
		if n > 0 {
			if _, werr := c.Response().Write(buf[:n]); werr != nil {
				h.logger.Warn("writing stream to client", "err", werr, "path", req.URL.Path)
				return nil
			}
			c.Response().Flush()
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				h.logger.Warn("reading upstream stream", "err", rerr, "path", req.URL.Path)
			}
			return nil
		}
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		// Client is gone; nothing useful can be written.
		h.logger.Debug("request canceled by client", "path", c.Request().URL.Path)
		return nil
	}

	h.logger.Error("proxy error", "err", err, "path", c.Request().URL.Path)

	if errors.Is(err, service.ErrNoTokens) {
		return c.JSON(http.StatusInternalServerError,
			model.NewErrorEnvelope("no upstream API tokens configured", "configuration_error"))
	}

	return c.JSON(http.StatusBadGateway,
		model.NewErrorEnvelope("upstream request failed", "upstream_error"))
}

// relativePath strips the configured proxy prefix and the leading slash so
// the remainder can be resolved against the upstream base URL.
func relativePath(prefix, path string) string {
	path = strings.TrimPrefix(path, strings.TrimSuffix(prefix, "/"))
	return strings.TrimPrefix(path, "/")
}
