package store

import (
	"context"
	"strings"
)

// Open selects a backend by DSN:
//
//   - "" or "memory" selects the in-process backend
//   - "postgres://..." (or "postgresql://...") selects Postgres
//   - anything else is treated as a SQLite file path, with an
//     optional "sqlite://" prefix
func Open(ctx context.Context, dsn string) (Backend, error) {
	switch {
	case dsn == "" || dsn == "memory" || strings.HasPrefix(dsn, "memory://"):
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	default:
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	}
}
