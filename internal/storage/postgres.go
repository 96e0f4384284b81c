package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/unitrack/unitrack/internal/config"
)

// uniqueViolation is the Postgres error code for unique-constraint failures.
const uniqueViolation = "23505"

// Postgres is the production Store implementation.
type Postgres struct {
	queries
	db *sqlx.DB
}

// queries implements the row operations against either a *sqlx.DB or a
// *sqlx.Tx, so the same code serves both pooled and transactional paths.
type queries struct {
	ext sqlx.ExtContext
}

// Open connects to Postgres with exponential backoff and configures the
// pool. The statement timeout applies to every connection in the pool.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	dsn := withStatementTimeout(cfg.DSN, cfg.StatementTimeout)

	var db *sqlx.DB
	connect := func() error {
		var err error
		db, err = sqlx.ConnectContext(ctx, "postgres", dsn)
		return err
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(30*time.Second),
	), ctx)
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return NewPostgres(db), nil
}

// withStatementTimeout appends statement_timeout to a DSN in whichever
// form the DSN uses: a query parameter for postgres:// URLs, a
// space-separated key for keyword/value strings.
func withStatementTimeout(dsn string, timeout time.Duration) string {
	if timeout <= 0 {
		return dsn
	}
	ms := timeout.Milliseconds()
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sstatement_timeout=%d", dsn, sep, ms)
	}
	if dsn == "" {
		return fmt.Sprintf("statement_timeout=%d", ms)
	}
	return fmt.Sprintf("%s statement_timeout=%d", dsn, ms)
}

// NewPostgres wraps an existing connection pool. Used by tests with sqlmock.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{queries: queries{ext: db}, db: db}
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// Ping verifies connectivity.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// WithTx runs fn against a transaction-scoped store.
func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	sqlxTx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txStore := &txPostgres{queries: queries{ext: sqlxTx}}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := sqlxTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlxTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// txPostgres is the transaction-scoped Store. Nested transactions are not
// supported; WithTx inside a transaction runs fn on the same transaction.
type txPostgres struct {
	queries
}

func (t *txPostgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

// QueryRows executes a whitelisted named-parameter query and returns rows
// as generic maps. Byte slices are converted to strings so the JSON
// response is readable.
func (p *Postgres) QueryRows(ctx context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, error) {
	rows, err := sqlx.NamedQueryContext(ctx, p.db, query, params)
	if err != nil {
		return nil, fmt.Errorf("named query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []map[string]interface{}
	for rows.Next() {
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// isUniqueViolation reports whether err is a Postgres 23505.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
