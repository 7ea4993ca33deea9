// Package optimize rewrites user prompts through an LLM backend and
// charges the rewrite against the user's quota.
package optimize

import (
	"context"
	"errors"
)

// Errors
var (
	ErrNotConfigured = errors.New("optimize: completion backend is not configured")
)

// Request is a prompt optimization request.
type Request struct {
	Prompt  string `json:"prompt"`
	Model   string `json:"model,omitempty"`
	Context string `json:"context,omitempty"`
}

// Result is the outcome of a prompt optimization.
type Result struct {
	Original       string   `json:"original"`
	Optimized      string   `json:"optimized"`
	Improvements   []string `json:"improvements"`
	TokensEstimate int64    `json:"tokensEstimate"`
}

// Completion produces an optimized prompt. The OpenAI client implements
// it; tests substitute a fake.
type Completion interface {
	Optimize(ctx context.Context, req Request) (*Result, error)
}
