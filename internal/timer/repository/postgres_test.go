package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timepulse/backend/internal/timer/domain"
)

var cols = []string{"id", "user_id", "project_id", "task_id", "label", "started_at", "stopped_at", "duration_seconds"}

func newMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock
}

func TestStart_StopsPreviousInSameTransaction(t *testing.T) {
	repo, mock := newMock(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE time_entries`).
		WithArgs("u1", t1).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("e1", "u1", "p1", "t1", "old", t0, t1, int64(3600)))
	mock.ExpectExec(`INSERT INTO time_entries`).
		WithArgs("e2", "u1", "p1", "t2", "new", t1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	prev, err := repo.Start(ctx, &domain.TimeEntry{ID: "e2", UserID: "u1", ProjectID: "p1", TaskID: "t2", Label: "new", StartedAt: t1})
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "e1", prev.ID)
	assert.Equal(t, int64(3600), prev.DurationSeconds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStart_NothingRunning(t *testing.T) {
	repo, mock := newMock(t)
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE time_entries`).WithArgs("u1", t0).WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectExec(`INSERT INTO time_entries`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	prev, err := repo.Start(context.Background(), &domain.TimeEntry{ID: "e1", UserID: "u1", ProjectID: "p", TaskID: "t", StartedAt: t0})
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStart_InsertFailureRollsBack(t *testing.T) {
	repo, mock := newMock(t)
	t0 := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE time_entries`).WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectExec(`INSERT INTO time_entries`).WillReturnError(errors.New("unique violation"))
	mock.ExpectRollback()

	_, err := repo.Start(context.Background(), &domain.TimeEntry{ID: "e1", UserID: "u1", ProjectID: "p", TaskID: "t", StartedAt: t0})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStop_NoneRunning(t *testing.T) {
	repo, mock := newMock(t)
	at := time.Now().UTC()
	mock.ExpectQuery(`UPDATE time_entries`).WithArgs("u1", at).WillReturnRows(sqlmock.NewRows(cols))

	e, err := repo.Stop(context.Background(), "u1", at)
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunning(t *testing.T) {
	repo, mock := newMock(t)
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .+ FROM time_entries WHERE user_id = \$1 AND stopped_at IS NULL`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("e1", "u1", "p1", "t1", "label", t0, nil, nil))

	e, err := repo.GetRunning(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.True(t, e.Running())
	assert.Equal(t, t0, e.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunning(t *testing.T) {
	repo, mock := newMock(t)
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .+ FROM time_entries WHERE stopped_at IS NULL ORDER BY started_at`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("e1", "u1", "p1", "t1", "a", t0, nil, nil).
			AddRow("e2", "u2", "p1", "t2", "b", t0.Add(time.Minute), nil, nil))

	list, err := repo.ListRunning(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "u2", list[1].UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
