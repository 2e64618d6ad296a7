// Package service implements the request dispatch and resilience engine:
// token rotation, retry with backoff, and response validation routing.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/metrics"
	"openai-proxy-go/internal/model"
	"openai-proxy-go/internal/stream"
	"openai-proxy-go/internal/token"
	"openai-proxy-go/internal/transform"
	"openai-proxy-go/internal/validate"
)

// ErrNoTokens is returned when the pool is empty. The server stays up; only
// proxied requests fail, as a configuration error.
var ErrNoTokens = errors.New("no upstream API tokens configured")

// failedAttemptsMarker identifies the upstream's special 429 that asks
// clients to back off for a fixed window rather than until quota reset.
var failedAttemptsMarker = []byte("Too many failed attempts")

// nonForwardedResponseHeaders are stripped from upstream responses before
// they reach the caller: hop-by-hop entries, credentials, lengths that no
// longer match the re-serialized body, and the upstream's CORS headers,
// which would stack on top of the proxy's own.
var nonForwardedResponseHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Authorization",
	"Set-Cookie",
	"Content-Length",
	"Content-Encoding",
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Methods",
	"Access-Control-Allow-Headers",
	"Access-Control-Allow-Credentials",
	"Access-Control-Expose-Headers",
	"Access-Control-Max-Age",
}

// Dispatcher issues one upstream attempt with one token.
type Dispatcher interface {
	Dispatch(ctx context.Context, pr *model.ProxyRequest, token string) *model.Attempt
}

// RotationService drives a request through the token pool until one attempt
// yields a usable response or the pool is exhausted. Attempts within one
// request are strictly sequential; concurrent speculation would burn quota
// and risk duplicate side effects upstream.
type RotationService struct {
	dispatcher  Dispatcher
	pool        *token.Pool
	transformer *transform.Transformer
	cfg         *config.Config
	logger      *slog.Logger
	metrics     *metrics.Metrics

	sleep func(context.Context, time.Duration) error // injectable for tests
}

// NewRotationService creates a RotationService. The metrics parameter is
// optional; pass nil to disable rotation metrics.
func NewRotationService(d Dispatcher, pool *token.Pool, tr *transform.Transformer, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RotationService {
	return &RotationService{
		dispatcher:  d,
		pool:        pool,
		transformer: tr,
		cfg:         cfg,
		logger:      logger.With("component", "rotation_service"),
		metrics:     m,
		sleep:       sleepCtx,
	}
}

// Execute transforms the inbound request and runs the rotation loop. It
// returns exactly one Result per call: the first usable upstream response,
// or a 429 error envelope once every token is exhausted. A non-nil error
// means no response should be written at all (empty pool, caller gone).
func (s *RotationService) Execute(ctx context.Context, in *model.ProxyRequest) (*model.Result, error) {
	if s.pool.IsEmpty() {
		return nil, ErrNoTokens
	}

	path, body, streaming := s.transformer.Apply(in.Method, in.Path, in.Body)
	pr := &model.ProxyRequest{
		Method: in.Method,
		Path:   path,
		Query:  in.Query,
		Header: in.Header,
		Body:   body,
		Stream: streaming,
	}

	var lastErr *model.ErrorEnvelope

	tokens := s.pool.Tokens()
rotation:
	for i, tok := range tokens {
		if i > 0 && s.metrics != nil {
			s.metrics.TokenRotations.Inc()
		}

		for attempt := 0; attempt <= s.cfg.Retry.MaxRetries; attempt++ {
			att := s.dispatcher.Dispatch(ctx, pr, tok)

			switch att.Outcome {
			case model.OutcomeRateLimited:
				lastErr = s.envelopeFromRateLimit(att.ErrBody)
				s.logger.Warn("token rate limited, rotating",
					"token_index", i,
					"path", pr.Path,
				)
				// The fixed-window wait only pays off when there is no other
				// token to advance to.
				if s.pool.Len() == 1 && attempt < s.cfg.Retry.MaxRetries && bytes.Contains(att.ErrBody, failedAttemptsMarker) {
					if err := s.sleep(ctx, s.cfg.Retry.RateLimitWait()); err != nil {
						return nil, err
					}
					continue
				}
				continue rotation

			case model.OutcomeTransient:
				lastErr = envelope(att.Err.Error(), "upstream_error")
				if attempt < s.cfg.Retry.MaxRetries {
					delay := s.backoff(attempt)
					s.logger.Warn("transient upstream failure, retrying",
						"token_index", i,
						"attempt", attempt,
						"delay", delay,
						"err", att.Err,
					)
					if err := s.sleep(ctx, delay); err != nil {
						return nil, err
					}
					continue
				}
				s.logger.Warn("retries exhausted for token, rotating",
					"token_index", i,
					"err", att.Err,
				)
				continue rotation

			case model.OutcomeSuccess:
				res, reject := s.finish(att.Response, pr)
				if reject != nil {
					// The upstream answered deterministically; retrying the
					// same token cannot help.
					lastErr = envelope(reject.Error(), "upstream_error")
					s.logger.Warn("upstream body rejected, rotating",
						"token_index", i,
						"status", att.Response.StatusCode,
						"reason", reject,
					)
					continue rotation
				}
				return res, nil
			}
		}
	}

	if s.metrics != nil {
		s.metrics.PoolExhaustions.Inc()
	}
	return s.exhausted(lastErr), nil
}

// finish routes a successful attempt's body to the validator or the stream
// relay. A non-nil error rejects the attempt.
func (s *RotationService) finish(resp *model.ProxyResponse, pr *model.ProxyRequest) (*model.Result, error) {
	header := s.filterResponseHeaders(resp.Header)

	if pr.Stream {
		out, err := stream.Peek(resp.Body)
		if err != nil {
			return nil, err
		}
		return &model.Result{
			StatusCode: http.StatusOK,
			Header:     header,
			Stream:     out,
		}, nil
	}

	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	repaired, err := validate.Repair(body, isModelEndpoint(pr.Path))
	if err != nil {
		return nil, err
	}

	header.Set("Content-Type", "application/json")
	return &model.Result{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       repaired,
	}, nil
}

// exhausted packages the last recorded upstream error into a terminal 429.
func (s *RotationService) exhausted(lastErr *model.ErrorEnvelope) *model.Result {
	env := lastErr
	if env == nil {
		env = envelope("Rate limit exceeded: all upstream tokens exhausted", "rate_limit_error")
	}

	body, err := json.Marshal(env)
	if err != nil {
		body = []byte(`{"error":{"message":"all upstream tokens exhausted","type":"rate_limit_error"}}`)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &model.Result{
		StatusCode: http.StatusTooManyRequests,
		Header:     header,
		Body:       body,
	}
}

// backoff returns the delay before retry number attempt+1 on the same token.
func (s *RotationService) backoff(attempt int) time.Duration {
	delay := s.cfg.Retry.BaseDelay() << attempt
	if maxDelay := s.cfg.Retry.MaxDelay(); delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}

// envelopeFromRateLimit reuses the upstream's own error shape when the 429
// body carries one.
func (s *RotationService) envelopeFromRateLimit(body []byte) *model.ErrorEnvelope {
	var env model.ErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		if env.Error.Type == "" {
			env.Error.Type = "rate_limit_error"
		}
		return &env
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "Rate limit exceeded"
	}
	return envelope(msg, "rate_limit_error")
}

func envelope(message, errType string) *model.ErrorEnvelope {
	env := model.NewErrorEnvelope(message, errType)
	return &env
}

func (s *RotationService) filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, key := range nonForwardedResponseHeaders {
		dst.Del(key)
	}
	return dst
}

// isModelEndpoint reports whether the upstream path is the model listing or
// a model detail lookup; those bodies legitimately carry no choices.
func isModelEndpoint(path string) bool {
	return path == "models" || strings.HasPrefix(path, "models/")
}

// sleepCtx blocks for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
