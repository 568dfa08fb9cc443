package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/mcpcore/internal/backoff"
	"github.com/haasonsaas/mcpcore/internal/mcp"
	"github.com/haasonsaas/mcpcore/pkg/models"
)

// maxLoopRetries is the consecutive-error budget of the turn loop. The
// third consecutive failure is fatal to the round.
const maxLoopRetries = 3

// ToolRunner is the slice of the MCP manager the coordinator drives.
type ToolRunner interface {
	InvokeTool(ctx context.Context, serverID, method string, args map[string]any) (*mcp.ToolCallResult, error)
	ListAllTools(ctx context.Context) ([]*mcp.ToolWithServer, error)
}

// CoordinatorConfig is the static configuration of a coordinator.
type CoordinatorConfig struct {
	// Prompt is the static portion of the system prompt; the tool catalog
	// is refreshed from the runtime on every provider call.
	Prompt PromptConfig

	// ModelContextWindow bounds the provider's token budget.
	ModelContextWindow int

	// SafetyBuffer defaults to DefaultSafetyBuffer.
	SafetyBuffer int

	// Counter defaults to one token per four characters.
	Counter TokenCounter
}

// Handle tracks one background round.
type Handle struct {
	// ResponseID identifies the response being produced.
	ResponseID string

	done chan error
}

// Done resolves once the round reaches a terminal state. It carries the
// terminal error, nil on success; errors are captured here rather than
// tearing down any streaming channel.
func (h *Handle) Done() <-chan error {
	return h.done
}

// Coordinator orchestrates request-response cycles: assemble prompt and
// history, stream model output while extracting tool calls, execute them
// through the runtime, persist turn records, and loop until the model
// produces a final non-tool turn.
type Coordinator struct {
	store    Store
	provider Provider
	tools    ToolRunner
	broker   *TurnBroker
	builder  *PromptBuilder
	logger   *slog.Logger
	cfg      CoordinatorConfig

	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a coordinator over a store, provider, and tool
// runtime.
func NewCoordinator(store Store, provider Provider, tools ToolRunner, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		provider: provider,
		tools:    tools,
		broker:   NewTurnBroker(),
		builder:  NewPromptBuilder(),
		logger:   logger.With("component", "coordinator"),
		cfg:      cfg,
		sleep:    backoff.SleepWithContext,
	}
}

// HandleRequest opens a round for the request and returns before any
// provider call; processing continues in the background.
func (c *Coordinator) HandleRequest(ctx context.Context, sessionID, content string) (*Handle, error) {
	round, err := c.store.CreateRound(ctx, sessionID, content)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		ResponseID: round.Response.ID,
		done:       make(chan error, 1),
	}
	go c.process(ctx, sessionID, content, round.Response.ID, h)
	return h, nil
}

// StreamRequest is HandleRequest plus a subscription delivering turn
// snapshots in FIFO order. Cancelling the subscription detaches the
// consumer; the round runs to completion regardless.
func (c *Coordinator) StreamRequest(ctx context.Context, sessionID, content string) (*Handle, *Subscription, error) {
	round, err := c.store.CreateRound(ctx, sessionID, content)
	if err != nil {
		return nil, nil, err
	}

	sub := c.broker.Subscribe(round.Response.ID)
	h := &Handle{
		ResponseID: round.Response.ID,
		done:       make(chan error, 1),
	}
	go c.process(ctx, sessionID, content, round.Response.ID, h)
	return h, sub, nil
}

// TrackStreamingTurns invokes cb for every turn snapshot of a response.
// The returned function unsubscribes.
func (c *Coordinator) TrackStreamingTurns(responseID string, cb func(*models.Turn)) func() {
	sub := c.broker.Subscribe(responseID)
	go func() {
		for turn := range sub.Updates() {
			cb(turn)
		}
	}()
	return sub.Cancel
}

func (c *Coordinator) process(ctx context.Context, sessionID, content, responseID string, h *Handle) {
	defer c.broker.Close(responseID)

	err := c.run(ctx, sessionID, content, responseID)
	if err != nil {
		c.logger.Error("round failed", "responseId", responseID, "error", err)
	}
	h.done <- err
}

// run drives the turn loop until the model produces a non-tool turn,
// retrying transient iteration errors with linear waits.
func (c *Coordinator) run(ctx context.Context, sessionID, content, responseID string) error {
	retryCount := 0
	var lastTurnID string

	for {
		turnID, final, err := c.iterate(ctx, sessionID, content, responseID)
		if turnID != "" {
			lastTurnID = turnID
		}

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// The current turn was already closed by iterate.
				return err
			}

			retryCount++
			c.logger.Warn("iteration failed", "responseId", responseID, "attempt", retryCount, "error", err)
			if retryCount >= maxLoopRetries {
				c.sealFailedTurn(lastTurnID, err)
				return err
			}
			if serr := c.sleep(ctx, time.Duration(retryCount)*time.Second); serr != nil {
				c.sealFailedTurn(lastTurnID, err)
				return err
			}
			continue
		}

		retryCount = 0
		if final {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// sealFailedTurn closes the current turn as completed with an error
// sentinel in its content.
func (c *Coordinator) sealFailedTurn(turnID string, cause error) {
	if turnID == "" {
		return
	}
	status := models.TurnCompleted
	content := fmt.Sprintf("[error] %v", cause)
	now := time.Now()
	turn, err := c.store.UpdateTurn(context.Background(), turnID, TurnPatch{
		Content:       &content,
		Status:        &status,
		StreamEndTime: &now,
	})
	if err != nil {
		c.logger.Error("failed to seal turn", "turnId", turnID, "error", err)
		return
	}
	c.broker.Publish(turn.ResponseID, turn)
}

// iterate runs one pass of the inner loop: build context, stream one
// provider call into a fresh turn, and execute any extracted tool calls.
// It reports final=true when the pass ended without a tool call.
func (c *Coordinator) iterate(ctx context.Context, sessionID, content, responseID string) (turnID string, final bool, err error) {
	systemPrompt := c.buildSystemPrompt(ctx)

	messages, err := c.buildMessages(ctx, sessionID, content, systemPrompt)
	if err != nil {
		return "", false, err
	}

	turn, err := c.store.CreateTurn(ctx, responseID)
	if err != nil {
		return "", false, err
	}
	c.broker.Publish(responseID, turn)

	stream, err := c.provider.Stream(ctx, StreamRequest{
		SystemPrompt: systemPrompt,
		Messages:     messages,
	})
	if err != nil {
		return turn.ID, false, c.markTurnError(turn.ID, err)
	}

	extractor := NewExtractor()
	var raw strings.Builder
	var calls []ExtractedCall

	for chunk := range stream {
		switch {
		case chunk.Err != nil:
			if ctx.Err() != nil {
				return turn.ID, true, c.cancelTurn(turn.ID, responseID, extractor, raw.String())
			}
			return turn.ID, false, c.markTurnError(turn.ID, chunk.Err)

		case chunk.Usage != nil:
			c.patchTurn(ctx, responseID, turn.ID, TurnPatch{
				InputTokens:  &chunk.Usage.InputTokens,
				OutputTokens: &chunk.Usage.OutputTokens,
			})

		case chunk.Text != "":
			raw.WriteString(chunk.Text)
			extractor.Append(chunk.Text)
			calls = append(calls, extractor.Extract()...)

			visible := extractor.VisibleContent()
			rawText := raw.String()
			c.patchTurn(ctx, responseID, turn.ID, TurnPatch{
				Content:     &visible,
				RawResponse: &rawText,
			})
		}

		if chunk.Done {
			break
		}
	}

	if ctx.Err() != nil {
		// Cancelled mid-stream: close the turn with what arrived and stop.
		return turn.ID, true, c.cancelTurn(turn.ID, responseID, extractor, raw.String())
	}

	calls = append(calls, extractor.Flush()...)
	visible := extractor.VisibleContent()
	rawText := raw.String()
	now := time.Now()
	completed := models.TurnCompleted

	if len(calls) == 0 {
		updated, err := c.store.UpdateTurn(ctx, turn.ID, TurnPatch{
			Content:       &visible,
			RawResponse:   &rawText,
			Status:        &completed,
			StreamEndTime: &now,
		})
		if err != nil {
			return turn.ID, false, err
		}
		c.broker.Publish(responseID, updated)
		return turn.ID, true, nil
	}

	// Close the turn with the first call attached; additional calls each
	// get their own completed turn so every exchange stays addressable.
	if err := c.executeCalls(ctx, responseID, turn.ID, calls, visible, rawText, now); err != nil {
		return turn.ID, false, err
	}
	return turn.ID, false, nil
}

// executeCalls persists and runs extracted tool calls strictly in
// emission order. Invocations run on a detached context so an outer
// cancellation does not abandon an in-flight tool.
func (c *Coordinator) executeCalls(ctx context.Context, responseID, turnID string, calls []ExtractedCall, visible, rawText string, endTime time.Time) error {
	completed := models.TurnCompleted

	for i, call := range calls {
		record := &models.ToolCallRecord{
			Call: models.ToolCall{
				ServerName: call.ServerName,
				MethodName: call.MethodName,
				Arguments:  call.Arguments,
			},
		}

		id := turnID
		patch := TurnPatch{
			Status:        &completed,
			StreamEndTime: &endTime,
			ToolCalls:     record,
		}
		if i == 0 {
			patch.Content = &visible
			patch.RawResponse = &rawText
		} else {
			extra, err := c.store.CreateTurn(ctx, responseID)
			if err != nil {
				return err
			}
			id = extra.ID
		}

		updated, err := c.store.UpdateTurn(ctx, id, patch)
		if err != nil {
			return err
		}
		c.broker.Publish(responseID, updated)

		result := c.invoke(context.WithoutCancel(ctx), call)

		// A fresh record for the resolved exchange; the one already handed
		// to the store is never written again.
		resolved := &models.ToolCallRecord{Call: record.Call, Response: result}
		updated, err = c.store.UpdateTurn(ctx, id, TurnPatch{ToolCalls: resolved})
		if err != nil {
			return err
		}
		c.broker.Publish(responseID, updated)
	}
	return nil
}

// invoke routes one call through the runtime, folding invocation
// failures into an error result rather than an error return.
func (c *Coordinator) invoke(ctx context.Context, call ExtractedCall) *models.ToolCallResult {
	result, err := c.tools.InvokeTool(ctx, call.ServerName, call.MethodName, call.Arguments)
	if err != nil {
		return &models.ToolCallResult{
			IsError: true,
			Error:   err.Error(),
		}
	}

	out := &models.ToolCallResult{IsError: result.IsError}
	for _, part := range result.Content {
		out.Content = append(out.Content, models.ResultContent{
			Type:     part.Type,
			Text:     part.Text,
			Data:     part.Data,
			MimeType: part.MimeType,
		})
	}
	return out
}

// buildSystemPrompt refreshes the tool catalog and assembles the prompt.
// Catalog failures degrade to a prompt without tools.
func (c *Coordinator) buildSystemPrompt(ctx context.Context) string {
	promptCfg := c.cfg.Prompt
	tools, err := c.tools.ListAllTools(ctx)
	if err != nil {
		c.logger.Warn("tool catalog unavailable for prompt", "error", err)
	} else {
		promptCfg.Tools = tools
	}
	return c.builder.Build(promptCfg)
}

// buildMessages rereads the session history through the store and trims
// it to budget. The current request is appended when the projection does
// not already end with a user message.
func (c *Coordinator) buildMessages(ctx context.Context, sessionID, content, systemPrompt string) ([]Message, error) {
	rounds, err := c.store.ListRounds(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	messages := ProjectHistory(rounds, HistoryOptions{
		ModelContextWindow: c.cfg.ModelContextWindow,
		SystemPrompt:       systemPrompt,
		SafetyBuffer:       c.cfg.SafetyBuffer,
		Counter:            c.cfg.Counter,
	})

	if len(messages) == 0 || messages[len(messages)-1].Role != RoleUser {
		messages = append(messages, Message{Role: RoleUser, Content: content})
	}
	return messages, nil
}

// patchTurn applies a streaming update and fans the snapshot out.
// Failures are logged; a dropped progress update never aborts the round.
func (c *Coordinator) patchTurn(ctx context.Context, responseID, turnID string, patch TurnPatch) {
	updated, err := c.store.UpdateTurn(ctx, turnID, patch)
	if err != nil {
		c.logger.Warn("turn update failed", "turnId", turnID, "error", err)
		return
	}
	c.broker.Publish(responseID, updated)
}

// markTurnError closes a turn in the error state and returns the cause.
func (c *Coordinator) markTurnError(turnID string, cause error) error {
	status := models.TurnError
	now := time.Now()
	if _, err := c.store.UpdateTurn(context.Background(), turnID, TurnPatch{
		Status:        &status,
		StreamEndTime: &now,
	}); err != nil {
		c.logger.Error("failed to mark turn", "turnId", turnID, "error", err)
	}
	return cause
}

// cancelTurn closes the current turn as completed with whatever content
// arrived before cancellation.
func (c *Coordinator) cancelTurn(turnID, responseID string, extractor *Extractor, rawText string) error {
	status := models.TurnCompleted
	visible := extractor.VisibleContent()
	now := time.Now()
	updated, err := c.store.UpdateTurn(context.Background(), turnID, TurnPatch{
		Content:       &visible,
		RawResponse:   &rawText,
		Status:        &status,
		StreamEndTime: &now,
	})
	if err != nil {
		c.logger.Error("failed to close cancelled turn", "turnId", turnID, "error", err)
		return context.Canceled
	}
	c.broker.Publish(responseID, updated)
	return context.Canceled
}
