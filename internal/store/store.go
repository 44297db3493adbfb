// Package store persists run records to PostgreSQL. The store is optional;
// when no database is configured the orchestrator runs without one.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/stapply-ai/agent/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	SessionID  string
	UserID     string
	TargetURL  string
	State      schemas.RunState
	Success    bool
	Message    string
	Error      string
	Usage      schemas.Usage
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Store provides the PostgreSQL implementation of run persistence.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const insertRunSQL = `
    INSERT INTO runs (session_id, user_id, target_url, state, started_at)
    VALUES ($1, $2, $3, $4, $5);
`

// CreateRun inserts the initial record for a freshly accepted run.
func (s *Store) CreateRun(ctx context.Context, sessionID, userID, targetURL string) error {
	_, err := s.pool.Exec(ctx, insertRunSQL,
		sessionID, userID, targetURL, string(schemas.StateCreated), time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", sessionID, err)
	}
	return nil
}

const updateStateSQL = `
    UPDATE runs SET state = $2 WHERE session_id = $1;
`

// UpdateState records a non-terminal lifecycle transition. Terminal states
// carry outcome and accounting columns and must go through FinishRun.
func (s *Store) UpdateState(ctx context.Context, sessionID string, state schemas.RunState) error {
	if state.Terminal() {
		return fmt.Errorf("terminal state %s for run %s must be recorded via FinishRun", state, sessionID)
	}
	tag, err := s.pool.Exec(ctx, updateStateSQL, sessionID, string(state))
	if err != nil {
		return fmt.Errorf("failed to update state for run %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", sessionID)
	}
	return nil
}

const finishRunSQL = `
    UPDATE runs SET
        state = $2,
        success = $3,
        message = $4,
        error = $5,
        prompt_tokens = $6,
        completion_tokens = $7,
        total_tokens = $8,
        cost_usd = $9,
        finished_at = $10
    WHERE session_id = $1;
`

// FinishRun writes the terminal state and accounting for a run.
func (s *Store) FinishRun(ctx context.Context, sessionID string, result *schemas.RunResult) error {
	state := schemas.StateCompleted
	if !result.Success {
		state = schemas.StateFailed
	}
	tag, err := s.pool.Exec(ctx, finishRunSQL,
		sessionID, string(state),
		result.Success, result.Message, result.Error,
		result.Usage.PromptTokens, result.Usage.CompletionTokens,
		result.Usage.TotalTokens, result.Usage.CostUSD,
		time.Now())
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", sessionID)
	}
	return nil
}

const getRunSQL = `
    SELECT session_id, user_id, target_url, state, success, message, error,
           prompt_tokens, completion_tokens, total_tokens, cost_usd,
           started_at, finished_at
    FROM runs
    WHERE session_id = $1;
`

// GetRun loads a single run record.
func (s *Store) GetRun(ctx context.Context, sessionID string) (*RunRecord, error) {
	rows, err := s.pool.Query(ctx, getRunSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", sessionID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error reading run %s: %w", sessionID, err)
		}
		return nil, fmt.Errorf("run %s not found", sessionID)
	}

	var r RunRecord
	var state string
	if err := rows.Scan(
		&r.SessionID, &r.UserID, &r.TargetURL, &state,
		&r.Success, &r.Message, &r.Error,
		&r.Usage.PromptTokens, &r.Usage.CompletionTokens,
		&r.Usage.TotalTokens, &r.Usage.CostUSD,
		&r.StartedAt, &r.FinishedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan run row: %w", err)
	}
	r.State = schemas.RunState(state)
	return &r, nil
}

const listRunsByUserSQL = `
    SELECT session_id, user_id, target_url, state, success, message, error,
           prompt_tokens, completion_tokens, total_tokens, cost_usd,
           started_at, finished_at
    FROM runs
    WHERE user_id = $1
    ORDER BY started_at DESC;
`

// ListRunsByUser returns all runs for one user, newest first.
func (s *Store) ListRunsByUser(ctx context.Context, userID string) ([]RunRecord, error) {
	rows, err := s.pool.Query(ctx, listRunsByUserSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs for user %s: %w", userID, err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		var state string
		if err := rows.Scan(
			&r.SessionID, &r.UserID, &r.TargetURL, &state,
			&r.Success, &r.Message, &r.Error,
			&r.Usage.PromptTokens, &r.Usage.CompletionTokens,
			&r.Usage.TotalTokens, &r.Usage.CostUSD,
			&r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.State = schemas.RunState(state)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}
