package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/mcpcore/internal/session"
	"github.com/haasonsaas/mcpcore/pkg/models"
)

// SQLite is a session store backed by a SQLite database. Times are
// stored as RFC 3339 strings and tool-call records as JSON.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a store at path. Use ":memory:" for an
// ephemeral database.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rounds (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			request_content TEXT NOT NULL,
			response_id TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			response_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			raw_response TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			stream_end_time TEXT,
			tool_calls TEXT,
			created_at TEXT NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_rounds_session ON rounds(session_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_turns_response ON turns(response_id, seq)",
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// CreateRound opens a round; the session row is created on first use.
func (s *SQLite) CreateRound(ctx context.Context, sessionID, content string) (*models.Round, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	now := time.Now()
	ts := now.Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, sessionID, ts, ts); err != nil {
		return nil, fmt.Errorf("failed to upsert session: %w", err)
	}

	round := &models.Round{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Request: models.Request{
			ID:        uuid.NewString(),
			Content:   content,
			CreatedAt: now,
		},
		Response:  models.Response{ID: uuid.NewString()},
		CreatedAt: now,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rounds (id, session_id, request_id, request_content, response_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, round.ID, sessionID, round.Request.ID, content, round.Response.ID, ts); err != nil {
		return nil, fmt.Errorf("failed to insert round: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return round, nil
}

// CreateTurn appends a streaming turn to a response.
func (s *SQLite) CreateTurn(ctx context.Context, responseID string) (*models.Turn, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM rounds WHERE response_id = ?", responseID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to look up response: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("no such response: %s", responseID)
	}

	var seq int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE response_id = ?", responseID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to compute sequence: %w", err)
	}

	now := time.Now()
	turn := &models.Turn{
		ID:         uuid.NewString(),
		ResponseID: responseID,
		Status:     models.TurnStreaming,
		CreatedAt:  now,
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, response_id, seq, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, turn.ID, responseID, seq, string(turn.Status), now.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("failed to insert turn: %w", err)
	}
	return turn, nil
}

// UpdateTurn applies a patch and returns the updated turn.
func (s *SQLite) UpdateTurn(ctx context.Context, turnID string, patch session.TurnPatch) (*models.Turn, error) {
	var (
		sets []string
		args []any
	)
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.RawResponse != nil {
		sets = append(sets, "raw_response = ?")
		args = append(args, *patch.RawResponse)
	}
	if patch.InputTokens != nil {
		sets = append(sets, "input_tokens = ?")
		args = append(args, *patch.InputTokens)
	}
	if patch.OutputTokens != nil {
		sets = append(sets, "output_tokens = ?")
		args = append(args, *patch.OutputTokens)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.StreamEndTime != nil {
		sets = append(sets, "stream_end_time = ?")
		args = append(args, patch.StreamEndTime.Format(time.RFC3339Nano))
	}
	if patch.ToolCalls != nil {
		data, err := json.Marshal(patch.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		sets = append(sets, "tool_calls = ?")
		args = append(args, string(data))
	}

	if len(sets) > 0 {
		query := "UPDATE turns SET " + joinSets(sets) + " WHERE id = ?"
		args = append(args, turnID)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to update turn: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("no such turn: %s", turnID)
		}
	}
	return s.GetTurn(ctx, turnID)
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

// GetTurn fetches one turn.
func (s *SQLite) GetTurn(ctx context.Context, turnID string) (*models.Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, response_id, content, raw_response, input_tokens, output_tokens,
		       status, stream_end_time, tool_calls, created_at
		FROM turns WHERE id = ?
	`, turnID)

	turn, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no such turn: %s", turnID)
	}
	return turn, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*models.Turn, error) {
	var (
		turn      models.Turn
		status    string
		endTime   sql.NullString
		toolCalls sql.NullString
		createdAt string
	)
	if err := row.Scan(&turn.ID, &turn.ResponseID, &turn.Content, &turn.RawResponse,
		&turn.InputTokens, &turn.OutputTokens, &status, &endTime, &toolCalls, &createdAt); err != nil {
		return nil, err
	}

	turn.Status = models.TurnStatus(status)
	turn.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if endTime.Valid && endTime.String != "" {
		turn.StreamEndTime, _ = time.Parse(time.RFC3339Nano, endTime.String)
	}
	if toolCalls.Valid && toolCalls.String != "" {
		var record models.ToolCallRecord
		if err := json.Unmarshal([]byte(toolCalls.String), &record); err != nil {
			return nil, fmt.Errorf("failed to decode tool calls: %w", err)
		}
		turn.ToolCalls = &record
	}
	return &turn, nil
}

// GetRound fetches one round with its turns.
func (s *SQLite) GetRound(ctx context.Context, roundID string) (*models.Round, error) {
	round, err := s.scanRound(ctx, "id = ?", roundID)
	if err != nil {
		return nil, err
	}
	if round == nil {
		return nil, fmt.Errorf("no such round: %s", roundID)
	}
	return round, nil
}

func (s *SQLite) scanRound(ctx context.Context, where string, arg any) (*models.Round, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, request_id, request_content, response_id, created_at
		FROM rounds WHERE `+where, arg)

	var (
		round     models.Round
		createdAt string
	)
	err := row.Scan(&round.ID, &round.SessionID, &round.Request.ID,
		&round.Request.Content, &round.Response.ID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan round: %w", err)
	}

	round.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	round.Request.CreatedAt = round.CreatedAt

	turns, err := s.listTurns(ctx, round.Response.ID)
	if err != nil {
		return nil, err
	}
	round.Response.Turns = turns
	return &round, nil
}

func (s *SQLite) listTurns(ctx context.Context, responseID string) ([]*models.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, response_id, content, raw_response, input_tokens, output_tokens,
		       status, stream_end_time, tool_calls, created_at
		FROM turns WHERE response_id = ? ORDER BY seq
	`, responseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	var out []*models.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, turn)
	}
	return out, rows.Err()
}

// ListRounds returns a session's rounds in creation order.
func (s *SQLite) ListRounds(ctx context.Context, sessionID string) ([]*models.Round, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM rounds WHERE session_id = ? ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.Round, 0, len(ids))
	for _, id := range ids {
		round, err := s.GetRound(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, round)
	}
	return out, nil
}

// ListSessions enumerates sessions sorted by creation time.
func (s *SQLite) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at FROM sessions ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var (
			sess               models.Session
			createdAt, updated string
		)
		if err := rows.Scan(&sess.ID, &sess.Title, &createdAt, &updated); err != nil {
			return nil, err
		}
		sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// RenderSessionHistory renders a session as a plain-text transcript.
func (s *SQLite) RenderSessionHistory(ctx context.Context, sessionID string) (string, error) {
	rounds, err := s.ListRounds(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return renderTranscript(rounds), nil
}
