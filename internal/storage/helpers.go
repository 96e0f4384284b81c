package storage

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Thin wrappers so the query methods read uniformly against either a pooled
// or transaction-scoped executor.

func sqlxGet(ctx context.Context, ext sqlx.ExtContext, dest interface{}, query string, args ...interface{}) error {
	return sqlx.GetContext(ctx, ext, dest, query, args...)
}

func sqlxSelect(ctx context.Context, ext sqlx.ExtContext, dest interface{}, query string, args ...interface{}) error {
	return sqlx.SelectContext(ctx, ext, dest, query, args...)
}
