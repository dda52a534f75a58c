package graph

import "github.com/OpenBMB/ChatDev-sub003/internal/attachments"

// PromptResult carries the user's reply to a human node.
type PromptResult struct {
	Text   string
	Blocks []attachments.MessageBlock
}

// PromptChannel bridges human nodes to an interactive frontend. Request
// blocks until the user replies, the run is cancelled, or the channel's
// timeout elapses.
type PromptChannel interface {
	Request(nodeID, task, currentOutput string) (PromptResult, error)
}
