// Package token holds the immutable pool of upstream API tokens.
package token

import "strings"

// Pool is an ordered, read-only set of upstream bearer tokens.
// Rotation always walks the pool first-to-last, so attempt order is
// deterministic for a given request.
type Pool struct {
	tokens []string
}

// NewPool builds a pool from the given tokens, dropping empty entries.
func NewPool(tokens []string) *Pool {
	cleaned := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t != "" {
			cleaned = append(cleaned, t)
		}
	}
	return &Pool{tokens: cleaned}
}

// ParseList splits a comma-delimited token list, trimming whitespace.
func ParseList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Tokens returns the tokens in rotation order. The returned slice is a copy.
func (p *Pool) Tokens() []string {
	out := make([]string, len(p.tokens))
	copy(out, p.tokens)
	return out
}

// Len returns the number of tokens in the pool.
func (p *Pool) Len() int {
	return len(p.tokens)
}

// IsEmpty reports whether the pool has no tokens.
func (p *Pool) IsEmpty() bool {
	return len(p.tokens) == 0
}
