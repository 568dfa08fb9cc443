// Package sessionstore provides session.Store implementations: an
// in-memory store for tests and single-process use, and a SQLite-backed
// store for durable history.
package sessionstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/mcpcore/internal/session"
	"github.com/haasonsaas/mcpcore/pkg/models"
)

// Memory is an in-memory session store. Safe for concurrent use. All
// reads return deep copies so callers never alias store state.
type Memory struct {
	mu sync.Mutex

	sessions map[string]*models.Session
	rounds   map[string]*models.Round
	bySess   map[string][]string // session id -> round ids, creation order
	turns    map[string]*models.Turn
	byResp   map[string][]string // response id -> turn ids, creation order
	respRnd  map[string]string   // response id -> round id
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*models.Session),
		rounds:   make(map[string]*models.Round),
		bySess:   make(map[string][]string),
		turns:    make(map[string]*models.Turn),
		byResp:   make(map[string][]string),
		respRnd:  make(map[string]string),
	}
}

// CreateRound opens a round; the session is created implicitly on first
// use.
func (m *Memory) CreateRound(_ context.Context, sessionID, content string) (*models.Round, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if _, ok := m.sessions[sessionID]; !ok {
		m.sessions[sessionID] = &models.Session{
			ID:        sessionID,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	m.sessions[sessionID].UpdatedAt = now

	round := &models.Round{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Request: models.Request{
			ID:        uuid.NewString(),
			Content:   content,
			CreatedAt: now,
		},
		Response: models.Response{
			ID: uuid.NewString(),
		},
		CreatedAt: now,
	}

	m.rounds[round.ID] = round
	m.bySess[sessionID] = append(m.bySess[sessionID], round.ID)
	m.respRnd[round.Response.ID] = round.ID

	return m.cloneRound(round), nil
}

// CreateTurn appends a streaming turn to a response.
func (m *Memory) CreateTurn(_ context.Context, responseID string) (*models.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.respRnd[responseID]; !ok {
		return nil, fmt.Errorf("no such response: %s", responseID)
	}

	turn := &models.Turn{
		ID:         uuid.NewString(),
		ResponseID: responseID,
		Status:     models.TurnStreaming,
		CreatedAt:  time.Now(),
	}
	m.turns[turn.ID] = turn
	m.byResp[responseID] = append(m.byResp[responseID], turn.ID)

	return turn.Clone(), nil
}

// UpdateTurn applies a patch and returns the updated turn.
func (m *Memory) UpdateTurn(_ context.Context, turnID string, patch session.TurnPatch) (*models.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	turn, ok := m.turns[turnID]
	if !ok {
		return nil, fmt.Errorf("no such turn: %s", turnID)
	}

	applyPatch(turn, patch)
	return turn.Clone(), nil
}

func applyPatch(turn *models.Turn, patch session.TurnPatch) {
	if patch.Content != nil {
		turn.Content = *patch.Content
	}
	if patch.RawResponse != nil {
		turn.RawResponse = *patch.RawResponse
	}
	if patch.InputTokens != nil {
		turn.InputTokens = *patch.InputTokens
	}
	if patch.OutputTokens != nil {
		turn.OutputTokens = *patch.OutputTokens
	}
	if patch.Status != nil {
		turn.Status = *patch.Status
	}
	if patch.StreamEndTime != nil {
		turn.StreamEndTime = *patch.StreamEndTime
	}
	if patch.ToolCalls != nil {
		turn.ToolCalls = patch.ToolCalls.Clone()
	}
}

// GetTurn fetches one turn.
func (m *Memory) GetTurn(_ context.Context, turnID string) (*models.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	turn, ok := m.turns[turnID]
	if !ok {
		return nil, fmt.Errorf("no such turn: %s", turnID)
	}
	return turn.Clone(), nil
}

// GetRound fetches one round with its turns.
func (m *Memory) GetRound(_ context.Context, roundID string) (*models.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	round, ok := m.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("no such round: %s", roundID)
	}
	return m.cloneRound(round), nil
}

// ListRounds returns a session's rounds in creation order.
func (m *Memory) ListRounds(_ context.Context, sessionID string) ([]*models.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.bySess[sessionID]
	out := make([]*models.Round, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.cloneRound(m.rounds[id]))
	}
	return out, nil
}

// ListSessions enumerates sessions sorted by creation time.
func (m *Memory) ListSessions(_ context.Context) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RenderSessionHistory renders a session as a plain-text transcript.
func (m *Memory) RenderSessionHistory(ctx context.Context, sessionID string) (string, error) {
	rounds, err := m.ListRounds(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return renderTranscript(rounds), nil
}

// cloneRound deep-copies a round and its turns. Caller holds the lock.
func (m *Memory) cloneRound(round *models.Round) *models.Round {
	cp := *round
	ids := m.byResp[round.Response.ID]
	cp.Response.Turns = make([]*models.Turn, 0, len(ids))
	for _, id := range ids {
		cp.Response.Turns = append(cp.Response.Turns, m.turns[id].Clone())
	}
	return &cp
}

// renderTranscript is shared by the store implementations.
func renderTranscript(rounds []*models.Round) string {
	var sb strings.Builder
	for i, round := range rounds {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("User: " + round.Request.Content)
		for _, turn := range round.Response.Turns {
			sb.WriteString("\n\nAssistant: " + turn.Content)
			if tc := turn.ToolCalls; tc != nil {
				fmt.Fprintf(&sb, "\n[tool %s.%s]", tc.Call.ServerName, tc.Call.MethodName)
				if tc.Response != nil && tc.Response.Error != "" {
					fmt.Fprintf(&sb, " error: %s", tc.Response.Error)
				}
			}
		}
	}
	return sb.String()
}
