package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Syncano/syncano-platform-sub000/internal/config"
	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

func TestNew(t *testing.T) {
	d, err := New(config.DialectSQLite)
	require.NoError(t, err)
	assert.Equal(t, config.DialectSQLite, d.Name())

	d, err = New(config.DialectPostgres)
	require.NoError(t, err)
	assert.Equal(t, config.DialectPostgres, d.Name())

	_, err = New("oracle")
	assert.Error(t, err)
}

func TestRebindNumbered(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM klasses WHERE id = ?", "SELECT * FROM klasses WHERE id = $1"},
		{"UPDATE t SET a = ?, b = ? WHERE c = ?", "UPDATE t SET a = $1, b = $2 WHERE c = $3"},
		{"SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
		{`SELECT "we?rd" FROM t WHERE a = ?`, `SELECT "we?rd" FROM t WHERE a = $1`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rebindNumbered(tt.in))
	}
	assert.Equal(t, "a = ?", SQLite{}.Rebind("a = ?"))
	assert.Equal(t, "a = $1", Postgres{}.Rebind("a = ?"))
}

func TestSQLite_CreateIndexSQL(t *testing.T) {
	d := SQLite{}
	spec := IndexSpec{
		Name:       "idx_k7_f_abc",
		KlassID:    7,
		Key:        "2_b",
		FieldType:  types.FieldString,
		ColumnType: d.ColumnType(types.FieldString),
		Unique:     true,
		Concurrent: true,
	}
	assert.Equal(t,
		`CREATE UNIQUE INDEX idx_k7_f_abc ON objects (CAST(json_extract(data, '$."2_b"') AS TEXT)) WHERE klass_id = 7`,
		d.CreateIndexSQL(spec))
	assert.Equal(t, "DROP INDEX IF EXISTS idx_k7_f_abc", d.DropIndexSQL("idx_k7_f_abc", true))
}

func TestPostgres_CreateIndexSQL(t *testing.T) {
	d := Postgres{}
	tests := []struct {
		name string
		spec IndexSpec
		want string
	}{
		{
			name: "text concurrent",
			spec: IndexSpec{Name: "i1", KlassID: 3, Key: "1_a", FieldType: types.FieldString, Concurrent: true},
			want: `CREATE INDEX CONCURRENTLY i1 ON objects ((data->>'1_a')) WHERE klass_id = 3`,
		},
		{
			name: "integer unique",
			spec: IndexSpec{Name: "i2", KlassID: 3, Key: "1_n", FieldType: types.FieldInteger, ColumnType: "bigint", Unique: true},
			want: `CREATE UNIQUE INDEX i2 ON objects (((data->>'1_n')::bigint)) WHERE klass_id = 3`,
		},
		{
			name: "array",
			spec: IndexSpec{Name: "i3", KlassID: 3, Key: "1_t", FieldType: types.FieldArray, ColumnType: "jsonb"},
			want: `CREATE INDEX i3 ON objects USING gin ((data->'1_t')) WHERE klass_id = 3`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.CreateIndexSQL(tt.spec))
		})
	}

	assert.Equal(t, "DROP INDEX CONCURRENTLY IF EXISTS i1", d.DropIndexSQL("i1", true))
	assert.Equal(t, "DROP INDEX IF EXISTS i1", d.DropIndexSQL("i1", false))
}

func TestColumnTypes(t *testing.T) {
	for _, ft := range types.FieldTypes {
		assert.NotEmpty(t, SQLite{}.ColumnType(ft), ft)
		assert.NotEmpty(t, Postgres{}.ColumnType(ft), ft)
	}
	assert.Equal(t, "INTEGER", SQLite{}.ColumnType(types.FieldBoolean))
	assert.Equal(t, "double precision", Postgres{}.ColumnType(types.FieldFloat))
}

func TestErrorClassification(t *testing.T) {
	s := SQLite{}
	assert.True(t, s.IsTransient(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, s.IsTransient(fmt.Errorf("wrapped: %w", sqlite3.Error{Code: sqlite3.ErrLocked})))
	assert.False(t, s.IsTransient(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.True(t, s.IsUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	assert.False(t, s.IsTransient(fmt.Errorf("plain")))

	p := Postgres{}
	assert.True(t, p.IsTransient(&pgconn.PgError{Code: "55P03"}))
	assert.True(t, p.IsTransient(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"})))
	assert.False(t, p.IsTransient(&pgconn.PgError{Code: "23505"}))
	assert.True(t, p.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, p.IsUniqueViolation(fmt.Errorf("plain")))
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "tenant.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE objects (id INTEGER PRIMARY KEY, klass_id INTEGER NOT NULL, data TEXT NOT NULL)`)
	require.NoError(t, err)
	return db
}

func TestSQLite_IndexIntrospection(t *testing.T) {
	db := openSQLite(t)
	d := SQLite{}
	ctx := context.Background()

	status, err := d.IndexStatus(ctx, db, "idx_k1_f_aa")
	require.NoError(t, err)
	assert.Equal(t, IndexMissing, status)

	for _, spec := range []IndexSpec{
		{Name: "idx_k1_f_aa", KlassID: 1, Key: "1_a", FieldType: types.FieldString, ColumnType: "TEXT"},
		{Name: "idx_k1_o_bb", KlassID: 1, Key: "1_b", FieldType: types.FieldInteger, ColumnType: "INTEGER"},
		{Name: "idx_k12_f_cc", KlassID: 12, Key: "1_c", FieldType: types.FieldFloat, ColumnType: "REAL"},
	} {
		_, err := db.Exec(d.CreateIndexSQL(spec))
		require.NoError(t, err, spec.Name)
	}

	status, err = d.IndexStatus(ctx, db, "idx_k1_f_aa")
	require.NoError(t, err)
	assert.Equal(t, IndexValid, status)

	names, err := d.ListIndexes(ctx, db, "idx_k1_")
	require.NoError(t, err)
	assert.Equal(t, []string{"idx_k1_f_aa", "idx_k1_o_bb"}, names)

	_, err = db.Exec(d.DropIndexSQL("idx_k1_f_aa", false))
	require.NoError(t, err)
	_, err = db.Exec(d.DropIndexSQL("idx_k1_f_aa", false))
	require.NoError(t, err, "drop must be idempotent")

	names, err = d.ListIndexes(ctx, db, "idx_k1_")
	require.NoError(t, err)
	assert.Equal(t, []string{"idx_k1_o_bb"}, names)
}

func TestSQLite_UniqueIndexScopedToKlass(t *testing.T) {
	db := openSQLite(t)
	d := SQLite{}

	_, err := db.Exec(`INSERT INTO objects (klass_id, data) VALUES (1, '{"1_a":"x"}'), (2, '{"1_a":"x"}')`)
	require.NoError(t, err)

	_, err = db.Exec(d.CreateIndexSQL(IndexSpec{
		Name: "idx_k1_f_u", KlassID: 1, Key: "1_a", FieldType: types.FieldString, ColumnType: "TEXT", Unique: true,
	}))
	require.NoError(t, err, "rows of other klasses must not collide")

	_, err = db.Exec(`INSERT INTO objects (klass_id, data) VALUES (1, '{"1_a":"x"}')`)
	require.Error(t, err)
	assert.True(t, d.IsUniqueViolation(err))
}
