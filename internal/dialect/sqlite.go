package dialect

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/Syncano/syncano-platform-sub000/internal/config"
	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

// SQLite stores every tenant in its own database file. Documents are JSON
// text and indexes are expression indexes over json_extract.
type SQLite struct{}

var _ Dialect = SQLite{}

func (SQLite) Name() config.Dialect { return config.DialectSQLite }

func (SQLite) AutoIncrementKey() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (SQLite) BlobType() string         { return "BLOB" }
func (SQLite) DocumentType() string     { return "TEXT" }

func (SQLite) Rebind(query string) string { return query }

// ForUpdate is empty: tenant write transactions are opened with
// _txlock=immediate, which takes the database write lock up front.
func (SQLite) ForUpdate() string { return "" }

func (SQLite) SupportsConcurrent() bool { return false }

func (SQLite) ColumnType(ft types.FieldType) string {
	switch ft {
	case types.FieldInteger, types.FieldBoolean, types.FieldReference:
		return "INTEGER"
	case types.FieldFloat:
		return "REAL"
	}
	return "TEXT"
}

func (SQLite) IndexExpression(key string, ft types.FieldType, columnType string) (string, string) {
	return "", fmt.Sprintf(`CAST(json_extract(data, '$."%s"') AS %s)`, key, columnType)
}

func (d SQLite) CreateIndexSQL(spec IndexSpec) string {
	method, expr := d.IndexExpression(spec.Key, spec.FieldType, spec.ColumnType)
	return partialIndexSQL(spec, "", method, expr)
}

func (SQLite) DropIndexSQL(name string, concurrent bool) string {
	return "DROP INDEX IF EXISTS " + name
}

// IndexStatus never reports IndexInvalid: SQLite builds indexes inside a
// transaction, so a failed build leaves nothing behind.
func (SQLite) IndexStatus(ctx context.Context, q Querier, name string) (IndexStatus, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", name,
	).Scan(&n)
	if err != nil {
		return IndexMissing, fmt.Errorf("dialect: failed to inspect index %s: %w", name, err)
	}
	if n == 0 {
		return IndexMissing, nil
	}
	return IndexValid, nil
}

func (SQLite) ListIndexes(ctx context.Context, q Querier, prefix string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'index' AND substr(name, 1, ?) = ? ORDER BY name",
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("dialect: failed to list indexes: %w", err)
	}
	defer rows.Close()
	return scanNames(rows)
}

func (SQLite) IsTransient(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func (SQLite) IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

type nameRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanNames(rows nameRows) ([]string, error) {
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("dialect: failed to scan index name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dialect: failed to iterate index names: %w", err)
	}
	return names, nil
}
