// Package client provides the upstream HTTP client for the OpenAI-compatible API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/metrics"
	"openai-proxy-go/internal/model"
)

// strippedRequestHeaders never cross from caller to upstream. The caller's
// authorization is replaced by the pool token, and organization/project
// identifiers would leak the caller's upstream account. The Host header
// needs no entry: outgoing requests take their host from the URL, never
// from the header map.
var strippedRequestHeaders = []string{
	"Authorization",
	"Openai-Organization",
	"Openai-Project",
	"Content-Length",
	// Let the transport negotiate encoding itself; forwarding the caller's
	// Accept-Encoding would hand the validator a compressed body.
	"Accept-Encoding",
	// Hop-by-hop headers.
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// maxCapturedErrorBody bounds how much of a 429 body is retained for the
// terminal error envelope.
const maxCapturedErrorBody = 8 * 1024

const userAgent = "openai-proxy-go/1.0"

// OpenAIClient dispatches single upstream attempts.
type OpenAIClient struct {
	httpClient *http.Client
	baseURL    *url.URL
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewOpenAIClient creates an OpenAIClient with connection pooling and the
// configured per-attempt timeout. The client timeout covers the full
// exchange including body reads, which bounds both buffered responses and
// streaming relays. The metrics parameter is optional; pass nil to disable
// upstream metrics recording.
func NewOpenAIClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*OpenAIClient, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &OpenAIClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Upstream.Timeout(),
		},
		baseURL: u,
		logger:  logger.With("component", "openai_client"),
		metrics: m,
	}, nil
}

// Dispatch issues exactly one upstream call for the given request and token
// and classifies the outcome. Network-level failures are transient, a 429 is
// rate-limited, and every other status is a success whose body validity is
// judged by the caller. On success the caller owns the response body. The
// context controls the lifetime of the upstream call: when the caller
// disconnects, the in-flight attempt is canceled.
func (c *OpenAIClient) Dispatch(ctx context.Context, pr *model.ProxyRequest, token string) *model.Attempt {
	req, err := http.NewRequestWithContext(ctx, pr.Method, c.buildURL(pr), bytes.NewReader(pr.Body))
	if err != nil {
		return &model.Attempt{Outcome: model.OutcomeTransient, Err: fmt.Errorf("build upstream request: %w", err)}
	}
	req.Header = c.scrubHeaders(pr.Header)
	req.Header.Set("Authorization", "Bearer "+token)

	c.logger.Debug("upstream attempt",
		"method", pr.Method,
		"path", pr.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via Attempt
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(pr.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		c.recordOutcome(model.OutcomeTransient)
		return &model.Attempt{Outcome: model.OutcomeTransient, Err: fmt.Errorf("upstream request: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxCapturedErrorBody))
		_ = resp.Body.Close()
		c.recordOutcome(model.OutcomeRateLimited)
		return &model.Attempt{Outcome: model.OutcomeRateLimited, ErrBody: body}
	}

	c.recordOutcome(model.OutcomeSuccess)
	return &model.Attempt{
		Outcome: model.OutcomeSuccess,
		Response: &model.ProxyResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       resp.Body,
		},
	}
}

func (c *OpenAIClient) buildURL(pr *model.ProxyRequest) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + pr.Path
	u.RawQuery = pr.Query.Encode()
	return u.String()
}

// scrubHeaders copies the caller's headers minus auth, identity, and
// hop-by-hop entries.
func (c *OpenAIClient) scrubHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, key := range strippedRequestHeaders {
		dst.Del(key)
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

func (c *OpenAIClient) recordOutcome(o model.Outcome) {
	if c.metrics != nil {
		c.metrics.UpstreamAttempts.WithLabelValues(o.String()).Inc()
	}
}
