package sessionstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/mcpcore/internal/session"
	"github.com/haasonsaas/mcpcore/pkg/models"
)

// stores returns every Store implementation under its name so the
// shared behavior is exercised against both.
func stores(t *testing.T) map[string]session.Store {
	t.Helper()

	sq, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	return map[string]session.Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestCreateRoundShape(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			round, err := store.CreateRound(context.Background(), "sess-1", "hello")
			if err != nil {
				t.Fatalf("createRound failed: %v", err)
			}
			if round.ID == "" || round.Request.ID == "" || round.Response.ID == "" {
				t.Errorf("missing ids: %+v", round)
			}
			if round.SessionID != "sess-1" || round.Request.Content != "hello" {
				t.Errorf("round = %+v", round)
			}
			if len(round.Response.Turns) != 0 {
				t.Errorf("new round has %d turns", len(round.Response.Turns))
			}
		})
	}
}

func TestCreateRoundRequiresSession(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.CreateRound(context.Background(), "", "hello"); err == nil {
				t.Error("empty session id accepted")
			}
		})
	}
}

func TestCreateTurnRequiresResponse(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.CreateTurn(context.Background(), "ghost"); err == nil {
				t.Error("unknown response id accepted")
			}
		})
	}
}

func TestTurnLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			round, err := store.CreateRound(ctx, "sess-1", "hello")
			if err != nil {
				t.Fatalf("createRound failed: %v", err)
			}

			turn, err := store.CreateTurn(ctx, round.Response.ID)
			if err != nil {
				t.Fatalf("createTurn failed: %v", err)
			}
			if turn.Status != models.TurnStreaming {
				t.Errorf("new turn status = %q", turn.Status)
			}

			content := "partial"
			updated, err := store.UpdateTurn(ctx, turn.ID, session.TurnPatch{Content: &content})
			if err != nil {
				t.Fatalf("updateTurn failed: %v", err)
			}
			if updated.Content != "partial" || updated.Status != models.TurnStreaming {
				t.Errorf("partial update wrong: %+v", updated)
			}

			status := models.TurnCompleted
			end := time.Now()
			tokens := 42
			updated, err = store.UpdateTurn(ctx, turn.ID, session.TurnPatch{
				Status:        &status,
				StreamEndTime: &end,
				OutputTokens:  &tokens,
			})
			if err != nil {
				t.Fatalf("updateTurn failed: %v", err)
			}
			if updated.Status != models.TurnCompleted || updated.OutputTokens != 42 {
				t.Errorf("final update wrong: %+v", updated)
			}
			// Earlier fields survive a patch that omits them.
			if updated.Content != "partial" {
				t.Errorf("content lost on patch: %q", updated.Content)
			}

			got, err := store.GetTurn(ctx, turn.ID)
			if err != nil {
				t.Fatalf("getTurn failed: %v", err)
			}
			if got.Content != "partial" || got.Status != models.TurnCompleted {
				t.Errorf("reread turn = %+v", got)
			}
		})
	}
}

func TestUpdateUnknownTurn(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			content := "x"
			if _, err := store.UpdateTurn(context.Background(), "ghost", session.TurnPatch{Content: &content}); err == nil {
				t.Error("unknown turn id accepted")
			}
		})
	}
}

func TestToolCallRecordRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			round, _ := store.CreateRound(ctx, "sess-1", "list files")
			turn, _ := store.CreateTurn(ctx, round.Response.ID)

			record := &models.ToolCallRecord{
				Call: models.ToolCall{
					ServerName: "fs",
					MethodName: "ls",
					Arguments:  map[string]any{"path": "/tmp"},
				},
				Response: &models.ToolCallResult{
					Content: []models.ResultContent{{Type: "text", Text: "a.txt"}},
				},
			}
			if _, err := store.UpdateTurn(ctx, turn.ID, session.TurnPatch{ToolCalls: record}); err != nil {
				t.Fatalf("updateTurn failed: %v", err)
			}

			got, err := store.GetTurn(ctx, turn.ID)
			if err != nil {
				t.Fatalf("getTurn failed: %v", err)
			}
			if got.ToolCalls == nil {
				t.Fatal("tool record not persisted")
			}
			if got.ToolCalls.Call.ServerName != "fs" || got.ToolCalls.Call.MethodName != "ls" {
				t.Errorf("call = %+v", got.ToolCalls.Call)
			}
			if got.ToolCalls.Call.Arguments["path"] != "/tmp" {
				t.Errorf("arguments = %+v", got.ToolCalls.Call.Arguments)
			}
			if resp := got.ToolCalls.Response; resp == nil || len(resp.Content) != 1 || resp.Content[0].Text != "a.txt" {
				t.Errorf("response = %+v", got.ToolCalls.Response)
			}
		})
	}
}

func TestListRoundsCreationOrder(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				if _, err := store.CreateRound(ctx, "sess-1", fmt.Sprintf("round %d", i)); err != nil {
					t.Fatalf("createRound failed: %v", err)
				}
			}
			store.CreateRound(ctx, "other", "not mine")

			rounds, err := store.ListRounds(ctx, "sess-1")
			if err != nil {
				t.Fatalf("listRounds failed: %v", err)
			}
			if len(rounds) != 3 {
				t.Fatalf("got %d rounds, want 3", len(rounds))
			}
			for i, round := range rounds {
				if want := fmt.Sprintf("round %d", i); round.Request.Content != want {
					t.Errorf("round %d content = %q, want %q", i, round.Request.Content, want)
				}
			}
		})
	}
}

func TestGetRoundIncludesTurnsInOrder(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			round, _ := store.CreateRound(ctx, "sess-1", "hello")

			for i := 0; i < 3; i++ {
				turn, err := store.CreateTurn(ctx, round.Response.ID)
				if err != nil {
					t.Fatalf("createTurn failed: %v", err)
				}
				content := fmt.Sprintf("turn %d", i)
				if _, err := store.UpdateTurn(ctx, turn.ID, session.TurnPatch{Content: &content}); err != nil {
					t.Fatalf("updateTurn failed: %v", err)
				}
			}

			got, err := store.GetRound(ctx, round.ID)
			if err != nil {
				t.Fatalf("getRound failed: %v", err)
			}
			if len(got.Response.Turns) != 3 {
				t.Fatalf("got %d turns, want 3", len(got.Response.Turns))
			}
			for i, turn := range got.Response.Turns {
				if want := fmt.Sprintf("turn %d", i); turn.Content != want {
					t.Errorf("turn %d content = %q, want %q", i, turn.Content, want)
				}
			}
		})
	}
}

func TestListSessionsImplicitCreation(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.CreateRound(ctx, "a", "x")
			store.CreateRound(ctx, "b", "y")
			store.CreateRound(ctx, "a", "z")

			sessions, err := store.ListSessions(ctx)
			if err != nil {
				t.Fatalf("listSessions failed: %v", err)
			}
			if len(sessions) != 2 {
				t.Fatalf("got %d sessions, want 2", len(sessions))
			}
		})
	}
}

func TestRenderSessionHistory(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			round, _ := store.CreateRound(ctx, "sess-1", "list files")
			turn, _ := store.CreateTurn(ctx, round.Response.ID)

			content := "Let me check."
			record := &models.ToolCallRecord{
				Call:     models.ToolCall{ServerName: "fs", MethodName: "ls"},
				Response: &models.ToolCallResult{IsError: true, Error: "denied"},
			}
			store.UpdateTurn(ctx, turn.ID, session.TurnPatch{Content: &content, ToolCalls: record})

			transcript, err := store.RenderSessionHistory(ctx, "sess-1")
			if err != nil {
				t.Fatalf("render failed: %v", err)
			}
			for _, want := range []string{"User: list files", "Assistant: Let me check.", "[tool fs.ls]", "error: denied"} {
				if !strings.Contains(transcript, want) {
					t.Errorf("transcript missing %q:\n%s", want, transcript)
				}
			}
		})
	}
}

func TestToolCallRecordDetachedFromCaller(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			round, _ := store.CreateRound(ctx, "sess-1", "q")
			turn, _ := store.CreateTurn(ctx, round.Response.ID)

			record := &models.ToolCallRecord{
				Call: models.ToolCall{ServerName: "s", MethodName: "m"},
			}
			if _, err := store.UpdateTurn(ctx, turn.ID, session.TurnPatch{ToolCalls: record}); err != nil {
				t.Fatalf("updateTurn failed: %v", err)
			}

			// Mutating the record after the patch must not reach the store.
			record.Response = &models.ToolCallResult{IsError: true, Error: "late write"}

			got, err := store.GetTurn(ctx, turn.ID)
			if err != nil {
				t.Fatalf("getTurn failed: %v", err)
			}
			if got.ToolCalls == nil {
				t.Fatal("record not persisted")
			}
			if got.ToolCalls.Response != nil {
				t.Errorf("caller mutation leaked into store: %+v", got.ToolCalls.Response)
			}
		})
	}
}

func TestMemoryConcurrentReadsDuringRecordUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	round, _ := store.CreateRound(ctx, "sess-1", "q")
	turn, _ := store.CreateTurn(ctx, round.Response.ID)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, err := store.ListRounds(ctx, "sess-1"); err != nil {
				t.Errorf("listRounds failed: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		record := &models.ToolCallRecord{
			Call: models.ToolCall{ServerName: "s", MethodName: "m"},
		}
		if _, err := store.UpdateTurn(ctx, turn.ID, session.TurnPatch{ToolCalls: record}); err != nil {
			t.Fatalf("updateTurn failed: %v", err)
		}
		record.Response = &models.ToolCallResult{Content: []models.ResultContent{{Type: "text", Text: "ok"}}}
	}
	close(done)
	wg.Wait()
}

func TestMemoryReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	round, _ := store.CreateRound(ctx, "sess-1", "hello")
	turn, _ := store.CreateTurn(ctx, round.Response.ID)

	got, _ := store.GetTurn(ctx, turn.ID)
	got.Content = "mutated by caller"

	reread, _ := store.GetTurn(ctx, turn.ID)
	if reread.Content == "mutated by caller" {
		t.Error("caller mutation leaked into store state")
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/history.db"

	first, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	round, err := first.CreateRound(ctx, "sess-1", "remember me")
	if err != nil {
		t.Fatalf("createRound failed: %v", err)
	}
	turn, _ := first.CreateTurn(ctx, round.Response.ID)
	content := "persisted"
	status := models.TurnCompleted
	first.UpdateTurn(ctx, turn.ID, session.TurnPatch{Content: &content, Status: &status})
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer second.Close()

	rounds, err := second.ListRounds(ctx, "sess-1")
	if err != nil {
		t.Fatalf("listRounds failed: %v", err)
	}
	if len(rounds) != 1 || rounds[0].Request.Content != "remember me" {
		t.Fatalf("rounds = %+v", rounds)
	}
	turns := rounds[0].Response.Turns
	if len(turns) != 1 || turns[0].Content != "persisted" || turns[0].Status != models.TurnCompleted {
		t.Errorf("turns = %+v", turns)
	}
}
