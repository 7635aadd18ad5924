package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Syncano/syncano-platform-sub000/internal/config"
	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

// Postgres stores every tenant in its own schema, selected through the
// connection search_path. Documents are jsonb.
type Postgres struct{}

var _ Dialect = Postgres{}

// SQLSTATE codes treated as transient.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"55006": true, // object_in_use
	"57014": true, // query_canceled, raised by lock_timeout and statement_timeout
}

const uniqueViolation = "23505"

func (Postgres) Name() config.Dialect { return config.DialectPostgres }

func (Postgres) AutoIncrementKey() string { return "BIGSERIAL PRIMARY KEY" }
func (Postgres) BlobType() string         { return "BYTEA" }
func (Postgres) DocumentType() string     { return "JSONB" }

func (Postgres) Rebind(query string) string { return rebindNumbered(query) }

func (Postgres) ForUpdate() string { return " FOR UPDATE" }

func (Postgres) SupportsConcurrent() bool { return true }

// ColumnType returns types whose casts from text are immutable, so they can
// be used in index expressions. Datetimes are indexed as their normalized
// ISO-8601 text.
func (Postgres) ColumnType(ft types.FieldType) string {
	switch ft {
	case types.FieldInteger, types.FieldReference:
		return "bigint"
	case types.FieldFloat:
		return "double precision"
	case types.FieldBoolean:
		return "boolean"
	case types.FieldArray, types.FieldRelation:
		return "jsonb"
	case types.FieldGeopoint:
		return "point"
	}
	return "text"
}

func (Postgres) IndexExpression(key string, ft types.FieldType, columnType string) (string, string) {
	switch ft {
	case types.FieldArray, types.FieldRelation:
		return "gin", fmt.Sprintf("(data->'%s')", key)
	case types.FieldGeopoint:
		return "gist", fmt.Sprintf("point((data->'%[1]s'->>'longitude')::double precision, (data->'%[1]s'->>'latitude')::double precision)", key)
	case types.FieldString, types.FieldText, types.FieldDatetime, types.FieldFile, types.FieldObject:
		return "", fmt.Sprintf("(data->>'%s')", key)
	}
	return "", fmt.Sprintf("((data->>'%s')::%s)", key, columnType)
}

func (d Postgres) CreateIndexSQL(spec IndexSpec) string {
	method, expr := d.IndexExpression(spec.Key, spec.FieldType, spec.ColumnType)
	return partialIndexSQL(spec, "CONCURRENTLY", method, expr)
}

func (Postgres) DropIndexSQL(name string, concurrent bool) string {
	if concurrent {
		return "DROP INDEX CONCURRENTLY IF EXISTS " + name
	}
	return "DROP INDEX IF EXISTS " + name
}

func (Postgres) IndexStatus(ctx context.Context, q Querier, name string) (IndexStatus, error) {
	var ok bool
	err := q.QueryRowContext(ctx, `
		SELECT i.indisvalid AND i.indisready
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indexrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relname = $1 AND n.nspname = current_schema()`, name,
	).Scan(&ok)
	if errors.Is(err, sql.ErrNoRows) {
		return IndexMissing, nil
	}
	if err != nil {
		return IndexMissing, fmt.Errorf("dialect: failed to inspect index %s: %w", name, err)
	}
	if !ok {
		return IndexInvalid, nil
	}
	return IndexValid, nil
}

func (Postgres) ListIndexes(ctx context.Context, q Querier, prefix string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'i' AND n.nspname = current_schema() AND left(c.relname, length($1)) = $1
		ORDER BY c.relname`, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("dialect: failed to list indexes: %w", err)
	}
	defer rows.Close()
	return scanNames(rows)
}

func (Postgres) IsTransient(err error) bool {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return transientCodes[pe.Code]
	}
	return false
}

func (Postgres) IsUniqueViolation(err error) bool {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == uniqueViolation
	}
	return false
}
