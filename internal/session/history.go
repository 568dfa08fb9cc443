package session

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/mcpcore/pkg/models"
)

// DefaultSafetyBuffer is the token headroom reserved beyond the system
// prompt when trimming history.
const DefaultSafetyBuffer = 50

// TokenCounter estimates the token cost of a string.
type TokenCounter func(s string) int

// defaultTokenCounter approximates tokens as one per four characters.
func defaultTokenCounter(s string) int {
	n := (len(s) + 3) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// HistoryOptions bounds a projected history.
type HistoryOptions struct {
	// ModelContextWindow is the provider's total token budget.
	ModelContextWindow int

	// SystemPrompt is counted against the window before any history.
	SystemPrompt string

	// SafetyBuffer defaults to DefaultSafetyBuffer when zero.
	SafetyBuffer int

	// Counter defaults to one token per four characters.
	Counter TokenCounter
}

// ProjectHistory folds a session's rounds into a provider message list
// and trims it to the token budget. Each round contributes one user
// message and one assistant message; all of a round's turns fold into
// that single assistant message, with completed tool exchanges rendered
// as call and result blocks in the same JSON shape the extractor parses.
func ProjectHistory(rounds []*models.Round, opts HistoryOptions) []Message {
	messages := foldRounds(rounds)
	return trimToBudget(messages, opts)
}

func foldRounds(rounds []*models.Round) []Message {
	var messages []Message
	for _, round := range rounds {
		messages = append(messages, Message{
			Role:    RoleUser,
			Content: round.Request.Content,
		})

		var sb strings.Builder
		for _, turn := range round.Response.Turns {
			if content := turnContent(turn); content != "" {
				sb.WriteString(content)
			}
			if tc := turn.ToolCalls; tc != nil {
				sb.WriteString("\n" + renderToolCall(tc.Call))
				if tc.Response != nil {
					sb.WriteString("\n" + renderToolResult(tc.Response))
				}
			}
		}
		if assistant := sb.String(); assistant != "" {
			messages = append(messages, Message{
				Role:    RoleAssistant,
				Content: assistant,
			})
		}
	}
	return messages
}

// turnContent returns a turn's content, flattening the JSON-encoded
// array form some stores persist.
func turnContent(turn *models.Turn) string {
	c := turn.Content
	if !strings.HasPrefix(strings.TrimSpace(c), "[") {
		return c
	}
	var parts []string
	if err := json.Unmarshal([]byte(c), &parts); err != nil {
		return c
	}
	return strings.Join(parts, "")
}

// renderToolCall emits the call in the extractor's wire shape.
func renderToolCall(call models.ToolCall) string {
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(map[string]any{
		"name":      call.ServerName + "." + call.MethodName,
		"arguments": args,
	})
	if err != nil {
		return ""
	}
	return string(data)
}

// renderToolResult emits the result, or an error envelope when the
// invocation failed outright.
func renderToolResult(result *models.ToolCallResult) string {
	var payload any = result
	if result.Error != "" {
		payload = map[string]string{"error": result.Error}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}

// trimToBudget applies the standard trim strategy: the last user message
// and everything after it are always preserved; earlier messages are
// prepended one at a time, newest first, while they fit.
func trimToBudget(messages []Message, opts HistoryOptions) []Message {
	counter := opts.Counter
	if counter == nil {
		counter = defaultTokenCounter
	}
	buffer := opts.SafetyBuffer
	if buffer == 0 {
		buffer = DefaultSafetyBuffer
	}

	available := opts.ModelContextWindow - counter(opts.SystemPrompt) - buffer

	total := 0
	for _, m := range messages {
		total += counter(m.Content)
	}
	if total <= available {
		return messages
	}

	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		lastUser = len(messages) - 1
	}

	kept := messages[lastUser:]
	used := 0
	for _, m := range kept {
		used += counter(m.Content)
	}

	start := lastUser
	for i := lastUser - 1; i >= 0; i-- {
		cost := counter(messages[i].Content)
		if used+cost > available {
			break
		}
		used += cost
		start = i
	}
	return messages[start:]
}
