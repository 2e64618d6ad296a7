// Package transform normalizes inbound requests into their upstream form.
package transform

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"openai-proxy-go/internal/config"
)

// unsupportedParams are silently stripped; the upstream rejects them.
var unsupportedParams = []string{
	"prompt_cache_key",
	"logprobs",
	"top_logprobs",
}

// paramAliases maps alternate-case keys some clients send to the snake_case
// form the upstream expects. The alias only wins when the canonical key is
// absent.
var paramAliases = map[string]string{
	"maxTokens":           "max_tokens",
	"maxCompletionTokens": "max_completion_tokens",
	"topP":                "top_p",
	"topK":                "top_k",
	"frequencyPenalty":    "frequency_penalty",
	"presencePenalty":     "presence_penalty",
}

// Transformer rewrites request paths and payloads for upstream compatibility.
// All body rewriting is best effort: a body that fails to parse is forwarded
// untouched rather than rejected.
type Transformer struct {
	baseSegment string // first path segment of the upstream base URL, e.g. "api"
	logger      *slog.Logger
}

// New creates a Transformer for the configured upstream.
func New(cfg *config.Config, logger *slog.Logger) (*Transformer, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	seg := ""
	if trimmed := strings.Trim(u.Path, "/"); trimmed != "" {
		seg = strings.SplitN(trimmed, "/", 2)[0]
	}

	return &Transformer{
		baseSegment: seg,
		logger:      logger.With("component", "transformer"),
	}, nil
}

// Apply rewrites the relative upstream path and body, and reports whether the
// client asked for a streaming response. The input path is relative to the
// proxy prefix with no leading slash.
func (t *Transformer) Apply(method, path string, body []byte) (string, []byte, bool) {
	path = t.rewritePath(method, path)

	if len(body) == 0 {
		return path, body, false
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		// Not a JSON object; forward as-is.
		return path, body, false
	}

	stream, _ := doc["stream"].(bool)

	for _, p := range unsupportedParams {
		delete(doc, p)
	}

	// parallel_tool_calls is kept when well-formed; a non-boolean value would
	// be rejected upstream.
	if v, ok := doc["parallel_tool_calls"]; ok {
		if _, isBool := v.(bool); !isBool {
			delete(doc, "parallel_tool_calls")
		}
	}

	for alias, canonical := range paramAliases {
		v, ok := doc[alias]
		if !ok {
			continue
		}
		if _, exists := doc[canonical]; !exists {
			doc[canonical] = v
		}
		delete(doc, alias)
	}

	if msgs, ok := doc["messages"].([]any); ok {
		doc["messages"] = filterMessages(msgs)
	}

	// The upstream does not support base64-encoded embeddings.
	if path == "embeddings" {
		if enc, _ := doc["encoding_format"].(string); enc == "base64" {
			doc["encoding_format"] = "float"
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		t.logger.Warn("re-encoding transformed body failed, forwarding original", "err", err)
		return path, body, stream
	}

	return path, out, stream
}

// rewritePath applies path-level compatibility fixes.
func (t *Transformer) rewritePath(method, path string) string {
	path = strings.Trim(path, "/")

	// Probes against the bare versioned root are answered by the model list.
	if method == "GET" && path == "" {
		return "models"
	}

	// Some clients re-state the version prefix that is already part of the
	// base URL (e.g. /api/v1/api/tags against a base ending in /api/v1).
	if t.baseSegment != "" && strings.HasPrefix(path, t.baseSegment+"/") {
		path = strings.TrimPrefix(path, t.baseSegment+"/")
	}

	return path
}

// filterMessages drops assistant messages that carry neither textual content
// nor tool calls; the upstream rejects such messages. Order is preserved.
func filterMessages(msgs []any) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			out = append(out, m)
			continue
		}
		if role, _ := msg["role"].(string); role == "assistant" && !messageHasData(msg) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// messageHasData reports whether a message has textual content or tool calls.
func messageHasData(msg map[string]any) bool {
	switch content := msg["content"].(type) {
	case string:
		if strings.TrimSpace(content) != "" {
			return true
		}
	case []any:
		if len(content) > 0 {
			return true
		}
	}
	if calls, ok := msg["tool_calls"].([]any); ok && len(calls) > 0 {
		return true
	}
	return false
}
