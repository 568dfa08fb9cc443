package session

import (
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/mcpcore/pkg/models"
)

func round(user string, turns ...*models.Turn) *models.Round {
	return &models.Round{
		Request:  models.Request{Content: user},
		Response: models.Response{Turns: turns},
	}
}

func TestFoldRoundsOneUserOneAssistant(t *testing.T) {
	rounds := []*models.Round{
		round("hi",
			&models.Turn{Content: "hello ", Status: models.TurnCompleted},
			&models.Turn{Content: "there", Status: models.TurnCompleted},
		),
	}

	messages := ProjectHistory(rounds, HistoryOptions{ModelContextWindow: 100000})
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].Role != RoleUser || messages[0].Content != "hi" {
		t.Errorf("user message = %+v", messages[0])
	}
	if messages[1].Role != RoleAssistant || messages[1].Content != "hello there" {
		t.Errorf("assistant message = %+v", messages[1])
	}
}

func TestFoldParsesJSONArrayContent(t *testing.T) {
	rounds := []*models.Round{
		round("q", &models.Turn{Content: `["part one, ","part two"]`, Status: models.TurnCompleted}),
	}

	messages := ProjectHistory(rounds, HistoryOptions{ModelContextWindow: 100000})
	if messages[1].Content != "part one, part two" {
		t.Errorf("content = %q", messages[1].Content)
	}
}

func TestFoldRendersToolExchange(t *testing.T) {
	rounds := []*models.Round{
		round("list files",
			&models.Turn{
				Content: "Let me check.",
				Status:  models.TurnCompleted,
				ToolCalls: &models.ToolCallRecord{
					Call: models.ToolCall{
						ServerName: "fs",
						MethodName: "ls",
						Arguments:  map[string]any{"path": "/tmp"},
					},
					Response: &models.ToolCallResult{
						Content: []models.ResultContent{{Type: "text", Text: "a.txt"}},
					},
				},
			},
			&models.Turn{Content: "One file: a.txt", Status: models.TurnCompleted},
		),
	}

	messages := ProjectHistory(rounds, HistoryOptions{ModelContextWindow: 100000})
	assistant := messages[1].Content

	if !strings.Contains(assistant, `"name":"fs.ls"`) {
		t.Errorf("call block missing: %q", assistant)
	}
	if !strings.Contains(assistant, `"a.txt"`) {
		t.Errorf("result block missing: %q", assistant)
	}
	if !strings.Contains(assistant, "One file: a.txt") {
		t.Errorf("following turn content missing: %q", assistant)
	}
}

func TestFoldRendersToolError(t *testing.T) {
	rounds := []*models.Round{
		round("q",
			&models.Turn{
				Status: models.TurnCompleted,
				ToolCalls: &models.ToolCallRecord{
					Call:     models.ToolCall{ServerName: "s", MethodName: "m"},
					Response: &models.ToolCallResult{IsError: true, Error: "server unreachable"},
				},
			},
		),
	}

	messages := ProjectHistory(rounds, HistoryOptions{ModelContextWindow: 100000})
	if !strings.Contains(messages[1].Content, `{"error":"server unreachable"}`) {
		t.Errorf("error envelope missing: %q", messages[1].Content)
	}
}

func TestTrimUnderBudgetUnchanged(t *testing.T) {
	rounds := []*models.Round{
		round("short", &models.Turn{Content: "reply", Status: models.TurnCompleted}),
	}
	messages := ProjectHistory(rounds, HistoryOptions{ModelContextWindow: 10000})
	if len(messages) != 2 {
		t.Errorf("trimmed a history that fits: %d messages", len(messages))
	}
}

func TestTrimPreservesLastUserAndTail(t *testing.T) {
	// 100 rounds of ~200 tokens each against a 2000-token window with a
	// ~400-token system prompt: only a handful of earlier messages fit.
	content := strings.Repeat("w ", 400) // ~200 tokens at len/4

	var rounds []*models.Round
	for i := 0; i < 100; i++ {
		rounds = append(rounds, round(
			fmt.Sprintf("%03d %s", i, content[:len(content)-4]),
			&models.Turn{Content: content, Status: models.TurnCompleted},
		))
	}

	systemPrompt := strings.Repeat("s ", 800) // ~400 tokens
	counter := defaultTokenCounter
	messages := ProjectHistory(rounds, HistoryOptions{
		ModelContextWindow: 2000,
		SystemPrompt:       systemPrompt,
	})

	last := messages[len(messages)-1]
	if last.Role != RoleAssistant || !strings.Contains(messages[len(messages)-2].Content, "099") {
		t.Errorf("final user+assistant pair not preserved")
	}

	available := 2000 - counter(systemPrompt) - DefaultSafetyBuffer
	used := 0
	for _, m := range messages {
		used += counter(m.Content)
	}
	if used > available {
		t.Errorf("projection uses %d tokens, budget %d", used, available)
	}

	maxEarlier := (2000 - 400 - 50) / 200
	if earlier := len(messages) - 2; earlier > maxEarlier {
		t.Errorf("kept %d earlier messages, cap %d", earlier, maxEarlier)
	}
}

func TestTrimDegeneratesToLastUserMessage(t *testing.T) {
	big := strings.Repeat("x", 4000) // ~1000 tokens
	rounds := []*models.Round{
		round(big, &models.Turn{Content: big, Status: models.TurnCompleted}),
		round(big),
	}

	messages := ProjectHistory(rounds, HistoryOptions{ModelContextWindow: 500})
	if len(messages) != 1 || messages[0].Role != RoleUser {
		t.Fatalf("got %d messages, want just the last user message", len(messages))
	}
	if messages[0].Content != big {
		t.Error("wrong message preserved")
	}
}
