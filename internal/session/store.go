package session

import (
	"context"
	"time"

	"github.com/haasonsaas/mcpcore/pkg/models"
)

// TurnPatch carries the fields of a turn update. Nil fields are left
// unchanged.
type TurnPatch struct {
	Content       *string
	RawResponse   *string
	InputTokens   *int
	OutputTokens  *int
	Status        *models.TurnStatus
	StreamEndTime *time.Time
	ToolCalls     *models.ToolCallRecord
}

// Store is the persistence boundary for sessions, rounds, and turns.
// Implementations must be safe for concurrent use; the coordinator never
// caches history across tool invocations and rereads through the store
// after every tool exchange.
type Store interface {
	// CreateRound opens a new round for a session: one request holding
	// the user content and an empty response.
	CreateRound(ctx context.Context, sessionID, content string) (*models.Round, error)

	// CreateTurn appends a new streaming turn to a response.
	CreateTurn(ctx context.Context, responseID string) (*models.Turn, error)

	// UpdateTurn applies a patch to a turn and returns the updated record.
	UpdateTurn(ctx context.Context, turnID string, patch TurnPatch) (*models.Turn, error)

	// GetTurn fetches one turn.
	GetTurn(ctx context.Context, turnID string) (*models.Turn, error)

	// GetRound fetches one round with its request and turns.
	GetRound(ctx context.Context, roundID string) (*models.Round, error)

	// ListRounds returns a session's rounds in creation order.
	ListRounds(ctx context.Context, sessionID string) ([]*models.Round, error)

	// ListSessions enumerates known sessions.
	ListSessions(ctx context.Context) ([]*models.Session, error)

	// RenderSessionHistory renders a session as a plain-text transcript.
	RenderSessionHistory(ctx context.Context, sessionID string) (string, error)
}
