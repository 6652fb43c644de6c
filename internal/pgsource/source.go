package pgsource

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/adred-codev/livequery/internal/livequery"
)

// Executor runs multiplexed live-query statements against PostgreSQL.
//
// Statement contract: the generated SQL takes two parallel array
// parameters - $1 the cohort ids (uuid[]) and $2 the per-cohort variables
// (jsonb[]) - and returns one row (cohort_id, result) per cohort that
// matched. Fewer rows than cohorts is normal; the caller treats missing
// cohorts as "no update".
//
// A circuit breaker sits in front of the database. Pollers retry every
// tick forever, so without it a downed database is hammered once per
// refetch interval per poller; with it the calls fail fast until the
// breaker half-opens.
type Executor struct {
	db      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  zerolog.Logger
}

// Config for the PostgreSQL executor.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	// QueryTimeout bounds one multiplexed round-trip. This is the
	// statement timeout the poll loop relies on; the core imposes none.
	QueryTimeout time.Duration
	Logger       zerolog.Logger
}

// New connects to PostgreSQL and wraps it in an Executor.
func New(cfg Config) (*Executor, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	return NewWithDB(db, cfg), nil
}

// NewWithDB wraps an existing handle. Used by tests with a mock driver.
func NewWithDB(db *sqlx.DB, cfg Config) *Executor {
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:     "pgsource",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}

	return &Executor{
		db:      db,
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: timeout,
		logger:  cfg.Logger,
	}
}

// Execute implements livequery.SourceExecutor.
func (e *Executor) Execute(ctx context.Context, source, query string, batch []livequery.CohortBatchItem) ([]livequery.CohortResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ids := make(pq.StringArray, len(batch))
	vars := make(pq.StringArray, len(batch))
	for i, item := range batch {
		ids[i] = item.CohortID.String()
		vars[i] = string(item.Variables)
	}

	res, err := e.breaker.Execute(func() (interface{}, error) {
		rows, err := e.db.QueryContext(ctx, query, ids, vars)
		if err != nil {
			return nil, fmt.Errorf("multiplexed query failed: %w", err)
		}
		defer rows.Close()

		results := make([]livequery.CohortResult, 0, len(batch))
		for rows.Next() {
			var rawID string
			var payload []byte
			if err := rows.Scan(&rawID, &payload); err != nil {
				return nil, fmt.Errorf("failed to scan multiplexed row: %w", err)
			}
			cohortID, err := livequery.ParseCohortID(rawID)
			if err != nil {
				return nil, fmt.Errorf("malformed cohort id %q: %w", rawID, err)
			}
			results = append(results, livequery.CohortResult{CohortID: cohortID, Payload: payload})
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("multiplexed row iteration failed: %w", err)
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]livequery.CohortResult), nil
}

// Close releases the connection pool.
func (e *Executor) Close() error {
	return e.db.Close()
}
