// Package session implements the conversation layer on top of the MCP
// runtime: system prompt assembly, history projection, streaming tool-call
// extraction, and the coordinator that drives the turn loop.
package session

import (
	"context"

	"github.com/haasonsaas/mcpcore/pkg/models"
)

// Message is one entry in a provider conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StreamRequest is the input to one provider call.
type StreamRequest struct {
	SystemPrompt string
	Messages     []Message
}

// StreamChunk is one event on a provider stream. Exactly one of Text,
// Usage, Done, or Err is meaningful per chunk.
type StreamChunk struct {
	Text  string
	Usage *models.TokenUsage
	Done  bool
	Err   error
}

// Provider streams model output for a prompt and message history.
type Provider interface {
	// Stream starts one model call. The returned channel closes after a
	// Done or Err chunk.
	Stream(ctx context.Context, req StreamRequest) (<-chan StreamChunk, error)
}
