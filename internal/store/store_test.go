package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stapply-ai/agent/api/schemas"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return s, mockPool
}

// loosen whitespace so the expectation survives query reformatting
func sqlPattern(sql string) string {
	pattern := regexp.QuoteMeta(strings.TrimSpace(sql))
	return regexp.MustCompile(`\s+`).ReplaceAllString(pattern, `\s+`)
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestCreateRun(t *testing.T) {
	ctx := context.Background()
	sessionID := uuid.NewString()

	t.Run("should insert the initial record", func(t *testing.T) {
		s, mockPool := newMockStore(t)

		mockPool.ExpectExec(sqlPattern(insertRunSQL)).
			WithArgs(sessionID, "user-1", "https://jobs.example.com/1",
				string(schemas.StateCreated), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.CreateRun(ctx, sessionID, "user-1", "https://jobs.example.com/1"))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should propagate insert failure", func(t *testing.T) {
		s, mockPool := newMockStore(t)

		insertErr := errors.New("constraint violation")
		mockPool.ExpectExec(sqlPattern(insertRunSQL)).
			WithArgs(sessionID, "user-1", "https://jobs.example.com/1",
				string(schemas.StateCreated), pgxmock.AnyArg()).
			WillReturnError(insertErr)

		err := s.CreateRun(ctx, sessionID, "user-1", "https://jobs.example.com/1")
		require.Error(t, err)
		assert.ErrorIs(t, err, insertErr)
	})
}

func TestUpdateState(t *testing.T) {
	ctx := context.Background()
	sessionID := uuid.NewString()

	t.Run("should update the state", func(t *testing.T) {
		s, mockPool := newMockStore(t)

		mockPool.ExpectExec(sqlPattern(updateStateSQL)).
			WithArgs(sessionID, string(schemas.StateRunning)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.UpdateState(ctx, sessionID, schemas.StateRunning))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should fail for an unknown run", func(t *testing.T) {
		s, mockPool := newMockStore(t)

		mockPool.ExpectExec(sqlPattern(updateStateSQL)).
			WithArgs(sessionID, string(schemas.StateRunning)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.UpdateState(ctx, sessionID, schemas.StateRunning)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("should reject terminal states", func(t *testing.T) {
		s, mockPool := newMockStore(t)

		for _, state := range []schemas.RunState{schemas.StateCompleted, schemas.StateFailed} {
			err := s.UpdateState(ctx, sessionID, state)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "FinishRun")
		}
		assert.NoError(t, mockPool.ExpectationsWereMet(), "no query may be issued")
	})
}

func TestFinishRun(t *testing.T) {
	ctx := context.Background()
	sessionID := uuid.NewString()

	t.Run("should store a successful result as COMPLETED", func(t *testing.T) {
		s, mockPool := newMockStore(t)

		result := &schemas.RunResult{
			Success: true,
			Message: "Application submitted",
			Usage:   schemas.Usage{PromptTokens: 500, CompletionTokens: 50, TotalTokens: 550, CostUSD: 0.0175},
		}

		mockPool.ExpectExec(sqlPattern(finishRunSQL)).
			WithArgs(sessionID, string(schemas.StateCompleted),
				true, "Application submitted", "",
				int64(500), int64(50), int64(550), 0.0175,
				pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.FinishRun(ctx, sessionID, result))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should store a failed result as FAILED", func(t *testing.T) {
		s, mockPool := newMockStore(t)

		result := &schemas.RunResult{Success: false, Error: "browser crashed"}

		mockPool.ExpectExec(sqlPattern(finishRunSQL)).
			WithArgs(sessionID, string(schemas.StateFailed),
				false, "", "browser crashed",
				int64(0), int64(0), int64(0), 0.0,
				pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.FinishRun(ctx, sessionID, result))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestGetRun(t *testing.T) {
	ctx := context.Background()
	sessionID := uuid.NewString()
	columns := []string{
		"session_id", "user_id", "target_url", "state", "success", "message", "error",
		"prompt_tokens", "completion_tokens", "total_tokens", "cost_usd",
		"started_at", "finished_at",
	}

	t.Run("should retrieve a finished run", func(t *testing.T) {
		s, mockPool := newMockStore(t)

		started := time.Now().Add(-2 * time.Minute)
		finished := time.Now()
		rows := pgxmock.NewRows(columns).AddRow(
			sessionID, "user-1", "https://jobs.example.com/1",
			string(schemas.StateCompleted), true, "done", "",
			int64(500), int64(50), int64(550), 0.0175,
			started, &finished,
		)

		mockPool.ExpectQuery(sqlPattern(getRunSQL)).
			WithArgs(sessionID).
			WillReturnRows(rows)

		record, err := s.GetRun(ctx, sessionID)
		require.NoError(t, err)
		assert.Equal(t, schemas.StateCompleted, record.State)
		assert.True(t, record.Success)
		assert.Equal(t, int64(550), record.Usage.TotalTokens)
		require.NotNil(t, record.FinishedAt)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should fail for an unknown run", func(t *testing.T) {
		s, mockPool := newMockStore(t)

		mockPool.ExpectQuery(sqlPattern(getRunSQL)).
			WithArgs(sessionID).
			WillReturnRows(pgxmock.NewRows(columns))

		_, err := s.GetRun(ctx, sessionID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestListRunsByUser(t *testing.T) {
	ctx := context.Background()
	columns := []string{
		"session_id", "user_id", "target_url", "state", "success", "message", "error",
		"prompt_tokens", "completion_tokens", "total_tokens", "cost_usd",
		"started_at", "finished_at",
	}

	s, mockPool := newMockStore(t)

	rows := pgxmock.NewRows(columns).
		AddRow("s-1", "user-1", "https://a.example.com", string(schemas.StateCompleted),
			true, "ok", "", int64(1), int64(1), int64(2), 0.0, time.Now(), (*time.Time)(nil)).
		AddRow("s-2", "user-1", "https://b.example.com", string(schemas.StateRunning),
			false, "", "", int64(0), int64(0), int64(0), 0.0, time.Now(), (*time.Time)(nil))

	mockPool.ExpectQuery(sqlPattern(listRunsByUserSQL)).
		WithArgs("user-1").
		WillReturnRows(rows)

	records, err := s.ListRunsByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "s-1", records[0].SessionID)
	assert.Equal(t, schemas.StateRunning, records[1].State)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
