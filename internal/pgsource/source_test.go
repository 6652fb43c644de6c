package pgsource

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/livequery/internal/livequery"
)

const multiplexedQuery = `SELECT q.id, to_jsonb(r) FROM unnest($1::uuid[], $2::jsonb[]) q(id, vars), LATERAL (SELECT 1) r`

func newMockExecutor(t *testing.T) (*Executor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	exec := NewWithDB(sqlx.NewDb(db, "sqlmock"), Config{Logger: zerolog.Nop()})
	return exec, mock
}

func TestExecute_ReturnsPerCohortPayloads(t *testing.T) {
	exec, mock := newMockExecutor(t)

	c1 := livequery.NewCohortID()
	c2 := livequery.NewCohortID()
	batch := []livequery.CohortBatchItem{
		{CohortID: c1, Variables: json.RawMessage(`{"sym":"A"}`)},
		{CohortID: c2, Variables: json.RawMessage(`{"sym":"B"}`)},
	}

	mock.ExpectQuery("SELECT q.id").WillReturnRows(
		sqlmock.NewRows([]string{"cohort_id", "result"}).
			AddRow(c1.String(), []byte(`{"data":{"sym":"A"}}`)).
			AddRow(c2.String(), []byte(`{"data":{"sym":"B"}}`)))

	results, err := exec.Execute(context.Background(), "default", multiplexedQuery, batch)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, c1, results[0].CohortID)
	assert.Equal(t, []byte(`{"data":{"sym":"A"}}`), results[0].Payload)
	assert.Equal(t, c2, results[1].CohortID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_PartialResultIsNotAnError(t *testing.T) {
	exec, mock := newMockExecutor(t)

	c1 := livequery.NewCohortID()
	c2 := livequery.NewCohortID()
	batch := []livequery.CohortBatchItem{
		{CohortID: c1, Variables: json.RawMessage(`{}`)},
		{CohortID: c2, Variables: json.RawMessage(`{}`)},
	}

	mock.ExpectQuery("SELECT q.id").WillReturnRows(
		sqlmock.NewRows([]string{"cohort_id", "result"}).
			AddRow(c1.String(), []byte(`{"data":1}`)))

	results, err := exec.Execute(context.Background(), "default", multiplexedQuery, batch)
	require.NoError(t, err)
	assert.Len(t, results, 1, "rows filtered out on the database side just vanish")
}

func TestExecute_QueryErrorPropagates(t *testing.T) {
	exec, mock := newMockExecutor(t)

	mock.ExpectQuery("SELECT q.id").WillReturnError(errors.New("connection refused"))

	_, err := exec.Execute(context.Background(), "default", multiplexedQuery,
		[]livequery.CohortBatchItem{{CohortID: livequery.NewCohortID(), Variables: json.RawMessage(`{}`)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiplexed query failed")
}

func TestExecute_MalformedCohortIDIsAnError(t *testing.T) {
	exec, mock := newMockExecutor(t)

	mock.ExpectQuery("SELECT q.id").WillReturnRows(
		sqlmock.NewRows([]string{"cohort_id", "result"}).
			AddRow("not-a-uuid", []byte(`{}`)))

	_, err := exec.Execute(context.Background(), "default", multiplexedQuery,
		[]livequery.CohortBatchItem{{CohortID: livequery.NewCohortID(), Variables: json.RawMessage(`{}`)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed cohort id")
}

func TestExecute_BreakerTripsAfterConsecutiveFailures(t *testing.T) {
	exec, mock := newMockExecutor(t)

	batch := []livequery.CohortBatchItem{{CohortID: livequery.NewCohortID(), Variables: json.RawMessage(`{}`)}}

	for i := 0; i < 5; i++ {
		mock.ExpectQuery("SELECT q.id").WillReturnError(errors.New("down"))
		_, err := exec.Execute(context.Background(), "default", multiplexedQuery, batch)
		require.Error(t, err)
	}

	// Sixth call fails fast without touching the database: no further
	// query expectation is registered, so reaching the driver would fail
	// the ExpectationsWereMet check below.
	_, err := exec.Execute(context.Background(), "default", multiplexedQuery, batch)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
