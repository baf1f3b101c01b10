package queue

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deliveryPayload struct {
	CampaignID string `json:"campaign_id"`
}

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, TaskCampaignDelivery, deliveryPayload{CampaignID: "c1"}))
	require.NoError(t, q.Enqueue(ctx, TaskRecomputeList, deliveryPayload{CampaignID: "c2"}))
	assert.Equal(t, 2, q.Len())

	task, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, TaskCampaignDelivery, task.Kind)

	var p deliveryPayload
	require.NoError(t, task.Decode(&p))
	assert.Equal(t, "c1", p.CampaignID)

	task, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, TaskRecomputeList, task.Kind)

	_, err = q.Claim(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMemoryQueueFailRequeues(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, TaskRunImport, deliveryPayload{}))
	task, err := q.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, task, "boom"))
	assert.Equal(t, 1, q.Len())

	again, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempts)
}

func TestPostgresQueueClaimEmpty(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	q := NewPostgresQueue(db, 5)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, kind, payload`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err = q.Claim(context.Background())
	assert.ErrorIs(t, err, ErrEmpty)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueueFailDeadLetters(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	q := NewPostgresQueue(db, 2)
	task := &Task{ID: 7, Kind: TaskCampaignDelivery, Attempts: 1}

	mock.ExpectExec(`UPDATE tasks SET status = 'failed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.Fail(context.Background(), task, "smtp down"))
	assert.Equal(t, 2, task.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueueFailRequeuesWithBackoff(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	q := NewPostgresQueue(db, 5)
	task := &Task{ID: 7, Kind: TaskCampaignDelivery}

	mock.ExpectExec(`UPDATE tasks SET status = 'pending'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.Fail(context.Background(), task, "transient"))
	assert.Equal(t, 1, task.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}
