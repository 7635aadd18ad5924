// Package dialect isolates the relational engine specifics of tenant stores:
// table and index DDL, index catalog introspection, placeholder style and
// error classification.
package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Syncano/syncano-platform-sub000/internal/config"
	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

// ObjectsTable is the physical table shared by all klasses of a tenant.
const ObjectsTable = "objects"

// IndexStatus is the state of a named index in the engine catalog.
type IndexStatus int

const (
	IndexMissing IndexStatus = iota
	IndexValid
	// IndexInvalid is left behind by a failed concurrent build.
	IndexInvalid
)

func (s IndexStatus) String() string {
	switch s {
	case IndexMissing:
		return "missing"
	case IndexValid:
		return "valid"
	case IndexInvalid:
		return "invalid"
	}
	return fmt.Sprintf("IndexStatus(%d)", int(s))
}

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// IndexSpec describes one index over a field of a klass.
type IndexSpec struct {
	Name       string
	KlassID    int64
	Key        string
	FieldType  types.FieldType
	ColumnType string
	Unique     bool
	Concurrent bool
}

// Dialect is a relational engine backing tenant stores.
type Dialect interface {
	// Name returns the configured dialect name.
	Name() config.Dialect

	// Column types used by the tenant tables.
	AutoIncrementKey() string
	BlobType() string
	DocumentType() string

	// Rebind rewrites ? placeholders into the engine's style.
	Rebind(query string) string

	// ForUpdate returns the row locking suffix for SELECT statements, if any.
	ForUpdate() string

	// SupportsConcurrent reports whether indexes can be built without
	// blocking writes.
	SupportsConcurrent() bool

	// ColumnType resolves the physical column type for a field type.
	ColumnType(ft types.FieldType) string

	// IndexExpression returns the index method (empty for the default) and
	// the expression extracting key from the document column.
	IndexExpression(key string, ft types.FieldType, columnType string) (method, expr string)

	CreateIndexSQL(spec IndexSpec) string
	DropIndexSQL(name string, concurrent bool) string

	// IndexStatus inspects the engine catalog for the named index.
	IndexStatus(ctx context.Context, q Querier, name string) (IndexStatus, error)

	// ListIndexes returns the names of indexes starting with prefix.
	ListIndexes(ctx context.Context, q Querier, prefix string) ([]string, error)

	// IsTransient reports whether err is lock contention or a timeout that
	// may succeed when retried.
	IsTransient(err error) bool

	// IsUniqueViolation reports whether err is a unique constraint failure.
	IsUniqueViolation(err error) bool
}

// New returns the dialect for name.
func New(name config.Dialect) (Dialect, error) {
	switch name {
	case config.DialectSQLite:
		return SQLite{}, nil
	case config.DialectPostgres:
		return Postgres{}, nil
	}
	return nil, fmt.Errorf("dialect: unsupported dialect %q", name)
}

// rebindNumbered replaces ? placeholders outside quoted literals with $1..$n.
func rebindNumbered(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '?':
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// partialIndexSQL assembles a CREATE INDEX statement scoped to one klass.
func partialIndexSQL(spec IndexSpec, concurrently, method, expr string) string {
	var b strings.Builder
	b.WriteString("CREATE ")
	if spec.Unique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString("INDEX ")
	if spec.Concurrent && concurrently != "" {
		b.WriteString(concurrently)
		b.WriteByte(' ')
	}
	b.WriteString(spec.Name)
	b.WriteString(" ON ")
	b.WriteString(ObjectsTable)
	if method != "" {
		b.WriteString(" USING ")
		b.WriteString(method)
	}
	fmt.Fprintf(&b, " (%s) WHERE klass_id = %d", expr, spec.KlassID)
	return b.String()
}
