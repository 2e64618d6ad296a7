// Package validate judges and repairs buffered upstream response bodies.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Rejection reasons. Each one means the attempt that produced the body is
// treated as failed and rotation moves to the next token.
var (
	ErrEmptyBody       = errors.New("empty response body")
	ErrNotObject       = errors.New("response body is not a JSON object")
	ErrUpstreamError   = errors.New("upstream reported an error payload")
	ErrMissingChoices  = errors.New("response has no choices")
	ErrNoUsableChoices = errors.New("every choice was empty")
)

// Repair validates a buffered upstream body and returns it re-serialized
// with unusable choices filtered out. isModelList exempts the body from the
// choices requirement (the model-listing endpoint returns a data array
// instead). A non-nil error marks the attempt as failed.
func Repair(body []byte, isModelList bool) ([]byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyBody
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, ErrNotObject
	}

	// A 2xx body can still carry a self-reported failure.
	if _, ok := doc["error"]; ok {
		return nil, ErrUpstreamError
	}

	raw, ok := doc["choices"]
	if !ok {
		if isModelList {
			return json.Marshal(doc)
		}
		return nil, ErrMissingChoices
	}

	choices, ok := raw.([]any)
	if !ok {
		return nil, ErrMissingChoices
	}

	kept := make([]any, 0, len(choices))
	for _, c := range choices {
		if choiceHasData(c) {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil, ErrNoUsableChoices
	}
	doc["choices"] = kept

	return json.Marshal(doc)
}

// choiceHasData reports whether a choice's message carries textual content
// or tool calls.
func choiceHasData(c any) bool {
	choice, ok := c.(map[string]any)
	if !ok {
		return false
	}
	msg, ok := choice["message"].(map[string]any)
	if !ok {
		return false
	}
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
