package graph

import "sync"

// TokenUsage counts tokens consumed by one model call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TokenTracker accumulates usage across a run, broken down per node.
type TokenTracker struct {
	mu      sync.Mutex
	total   TokenUsage
	perNode map[string]TokenUsage
}

// NewTokenTracker returns an empty tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{perNode: make(map[string]TokenUsage)}
}

// Record adds usage attributed to a node.
func (t *TokenTracker) Record(nodeID string, usage TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total.PromptTokens += usage.PromptTokens
	t.total.CompletionTokens += usage.CompletionTokens
	t.total.TotalTokens += usage.TotalTokens
	node := t.perNode[nodeID]
	node.PromptTokens += usage.PromptTokens
	node.CompletionTokens += usage.CompletionTokens
	node.TotalTokens += usage.TotalTokens
	t.perNode[nodeID] = node
}

// Total returns the aggregate usage so far.
func (t *TokenTracker) Total() TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Summary returns the serializable usage report.
func (t *TokenTracker) Summary() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	perNode := make(map[string]TokenUsage, len(t.perNode))
	for id, usage := range t.perNode {
		perNode[id] = usage
	}
	return map[string]any{
		"prompt_tokens":     t.total.PromptTokens,
		"completion_tokens": t.total.CompletionTokens,
		"total_tokens":      t.total.TotalTokens,
		"per_node":          perNode,
	}
}
