package store

import "strings"

// New selects a Store backend from a DSN. A "postgres://" or "postgresql://"
// prefix selects PostgresStore; anything else (a bare file path, by
// default "./acp2.db" per spec.md §6) is opened as SQLite.
func New(dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(dsn)
	}
	return NewSQLite(dsn)
}
