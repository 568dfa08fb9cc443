// Package models defines the session history data model shared by the
// coordinator and session store implementations.
package models

import "time"

// TurnStatus describes the lifecycle state of a single assistant turn.
type TurnStatus string

const (
	// TurnStreaming means the turn is actively receiving model output.
	TurnStreaming TurnStatus = "streaming"

	// TurnCompleted means the turn finished normally.
	TurnCompleted TurnStatus = "completed"

	// TurnError means the turn was terminated by an unrecoverable error.
	TurnError TurnStatus = "error"
)

// Session is a top-level conversation container.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Round is one user request and its full assistant response.
// A round contains exactly one request.
type Round struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Request   Request   `json:"request"`
	Response  Response  `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

// Request holds the user content that opened a round.
type Request struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Response holds the ordered assistant turns produced for a round.
type Response struct {
	ID    string  `json:"id"`
	Turns []*Turn `json:"turns"`
}

// Turn is one contiguous assistant segment, optionally ending in a tool call.
// At most one turn per response is streaming at a time.
type Turn struct {
	ID          string `json:"id"`
	ResponseID  string `json:"response_id"`
	Content     string `json:"content"`
	RawResponse string `json:"raw_response,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	Status        TurnStatus `json:"status"`
	StreamEndTime time.Time  `json:"stream_end_time"`

	ToolCalls *ToolCallRecord `json:"tool_calls,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the turn. Snapshots handed to stream
// consumers must not alias the store's mutable state.
func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	cp := *t
	cp.ToolCalls = t.ToolCalls.Clone()
	return &cp
}

// ToolCallRecord captures one tool exchange attached to a turn.
// Response is nil until the call resolves.
type ToolCallRecord struct {
	Call     ToolCall        `json:"call"`
	Response *ToolCallResult `json:"response,omitempty"`
}

// Clone returns a deep copy of the record. Stores keep their own copy
// so later caller mutations never reach persisted state.
func (r *ToolCallRecord) Clone() *ToolCallRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Call.Arguments != nil {
		args := make(map[string]any, len(r.Call.Arguments))
		for k, v := range r.Call.Arguments {
			args[k] = v
		}
		cp.Call.Arguments = args
	}
	if r.Response != nil {
		resp := *r.Response
		resp.Content = append([]ResultContent(nil), r.Response.Content...)
		cp.Response = &resp
	}
	return &cp
}

// ToolCall identifies a tool invocation routed through the runtime.
type ToolCall struct {
	ServerName string         `json:"serverName"`
	MethodName string         `json:"methodName"`
	Arguments  map[string]any `json:"arguments"`
}

// ToolCallResult records the outcome of a tool invocation. Error is set
// when the invocation itself failed before producing a result.
type ToolCallResult struct {
	IsError bool            `json:"isError,omitempty"`
	Content []ResultContent `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ResultContent is one piece of content in a tool result.
type ResultContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TokenUsage reports token counts observed on a provider stream.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
