package writer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arclight-data/candle-ingest/internal/model"
)

// Store is the database-facing half of the Writer, isolated behind an
// interface so the upsert algorithm can be exercised with a fake in tests
// without a live Postgres instance.
type Store interface {
	// UpsertCandles writes every Candle in one transaction, idempotent on
	// (symbol, interval, open_time) collision, and returns only after the
	// transaction commits.
	UpsertCandles(ctx context.Context, candles []model.Candle) error
	Close()
}

// PgStore upserts into a TimescaleDB hypertable via pgx, following
// celerfi-stellar-indexer-go/utils/database.go's transaction-then-commit
// shape (Begin, statement, Commit-or-Rollback) but built around a bulk
// ON CONFLICT DO UPDATE instead of CopyFrom, since CopyFrom cannot express
// upsert semantics.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore builds a pool from a parsed pgxpool.Config. The caller supplies
// the config (assembled from internal/config) rather than a DSN string so
// pool-size and timeout values stay in one typed place.
func NewPgStore(ctx context.Context, cfg *pgxpool.Config) (*PgStore, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("writer: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("writer: ping: %w", err)
	}
	return &PgStore{pool: pool}, nil
}

const upsertStmt = `
INSERT INTO candles (symbol, interval, open_time, open, high, low, close, volume, trade_count, ingest_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
	open = EXCLUDED.open,
	high = EXCLUDED.high,
	low = EXCLUDED.low,
	close = EXCLUDED.close,
	volume = EXCLUDED.volume,
	trade_count = EXCLUDED.trade_count,
	ingest_time = EXCLUDED.ingest_time
`

func (s *PgStore) UpsertCandles(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("writer: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(upsertStmt,
			c.Symbol, c.Interval, c.OpenTime,
			c.Open, c.High, c.Low, c.Close, c.Volume,
			c.TradeCount, c.IngestTime,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range candles {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("writer: commit: %w", err)
	}
	return nil
}

func (s *PgStore) Close() { s.pool.Close() }

// pgSQLStateClass returns the two-digit SQLSTATE class (the first two
// characters of the five-character code, per the Postgres error code
// table) for a pgconn.PgError, or "" if err does not wrap one.
func pgSQLStateClass(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	if len(pgErr.Code) < 2 {
		return ""
	}
	return pgErr.Code[:2]
}

// IsRetryable classifies a Store error per spec.md §4.5 step 4: connection
// loss, serialization failures, deadlocks, and pool exhaustion are
// transient; constraint violations, schema errors, and auth failures are
// permanent. A non-pg error has no SQLSTATE to reason about: it is
// retryable only if its message mentions a context deadline or a connection
// acquire (pool exhaustion), and permanent otherwise.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	class := pgSQLStateClass(err)
	switch class {
	case "08": // connection exception
		return true
	case "40": // transaction rollback (serialization failure, deadlock)
		return true
	case "53": // insufficient resources (pool/connection exhaustion)
		return true
	case "":
		// No SQLSTATE at all usually means the pool itself rejected the
		// request (e.g. context deadline while acquiring a connection).
		return strings.Contains(err.Error(), "context deadline exceeded") ||
			strings.Contains(err.Error(), "acquire")
	default:
		return false
	}
}
