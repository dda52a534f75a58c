package graph

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Provider generates agent node output. The runtime ships a deterministic
// default so workflows run without external credentials; deployments plug in
// a model-backed implementation.
type Provider interface {
	Complete(ctx context.Context, nodeID, prompt string) (string, TokenUsage, error)
}

// EchoProvider is the default provider. It produces a stable summary of the
// prompt so runs are reproducible in tests and offline environments.
type EchoProvider struct{}

func (EchoProvider) Complete(_ context.Context, nodeID, prompt string) (string, TokenUsage, error) {
	trimmed := strings.TrimSpace(prompt)
	out := fmt.Sprintf("[%s] %s", nodeID, firstLine(trimmed))
	usage := TokenUsage{
		PromptTokens:     approxTokens(trimmed),
		CompletionTokens: approxTokens(out),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return out, usage, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// approxTokens estimates a token count at four characters per token.
func approxTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return n/4 + 1
}
