package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Syncano/syncano-platform-sub000/internal/dialect"
	"github.com/Syncano/syncano-platform-sub000/internal/errors"
	"github.com/Syncano/syncano-platform-sub000/internal/tenant"
	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

const klassColumns = `id, name, schema, mapping, existing_indexes, index_changes, lock_state, revision, created_at, updated_at`

// Store manages klass records of one tenant.
type Store struct {
	db      *sql.DB // Write connection
	readDB  *sql.DB // Read connection pool
	dialect dialect.Dialect
	now     func() time.Time
}

// NewStore creates a store over a tenant connection.
func NewStore(conn *tenant.Conn) *Store {
	readDB := conn.ReadDB
	if readDB == nil {
		readDB = conn.DB
	}
	return &Store{db: conn.DB, readDB: readDB, dialect: conn.Dialect, now: time.Now}
}

// Open returns the store of an existing tenant.
func Open(ctx context.Context, p tenant.Provider, tenantID string) (*Store, error) {
	conn, err := p.Open(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return NewStore(conn), nil
}

// Create creates a tenant, or opens it if it exists, and initializes its
// store.
func Create(ctx context.Context, p tenant.Provider, tenantID string) (*Store, error) {
	conn, err := p.Create(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	store := NewStore(conn)
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range AllSchemaSQL(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("manifest: failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// DB returns the write connection, used for DDL.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the dialect of the tenant store.
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// Tx is a write transaction on the klass catalog.
type Tx struct {
	tx    *sql.Tx
	store *Store
	now   time.Time
}

// WithTx runs fn in a write transaction, committing when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.storageError("failed to begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, store: s, now: s.now()}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return s.storageError("failed to commit transaction", err)
	}
	return nil
}

func (s *Store) storageError(message string, err error) error {
	if s.dialect.IsTransient(err) {
		return errors.NewConflictError(errors.CodeConcurrentEdit, "manifest: "+message+": "+err.Error())
	}
	return errors.NewCatalogError(errors.CodeStorageFailed, "manifest: "+message, err)
}

// GetKlass retrieves a klass by ID.
func (s *Store) GetKlass(ctx context.Context, id int64) (*types.Klass, error) {
	row := s.readDB.QueryRowContext(ctx, s.rebind("SELECT "+klassColumns+" FROM klasses WHERE id = ?"), id)
	return s.scanKlassRow(row, fmt.Sprintf("klass %d", id))
}

// GetKlassByName retrieves a klass by name.
func (s *Store) GetKlassByName(ctx context.Context, name string) (*types.Klass, error) {
	row := s.readDB.QueryRowContext(ctx, s.rebind("SELECT "+klassColumns+" FROM klasses WHERE name = ?"), name)
	return s.scanKlassRow(row, fmt.Sprintf("klass %q", name))
}

// KlassExists reports whether a klass of that name exists.
func (s *Store) KlassExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.readDB.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM klasses WHERE name = ?"), name).Scan(&n)
	if err != nil {
		return false, s.storageError("failed to look up klass", err)
	}
	return n > 0, nil
}

// ListKlasses returns all klasses ordered by ID.
func (s *Store) ListKlasses(ctx context.Context) ([]*types.Klass, error) {
	rows, err := s.readDB.QueryContext(ctx, "SELECT "+klassColumns+" FROM klasses ORDER BY id")
	if err != nil {
		return nil, s.storageError("failed to list klasses", err)
	}
	defer rows.Close()

	var klasses []*types.Klass
	for rows.Next() {
		k, err := scanKlass(rows)
		if err != nil {
			return nil, s.storageError("failed to scan klass", err)
		}
		klasses = append(klasses, k)
	}
	if err := rows.Err(); err != nil {
		return nil, s.storageError("failed to iterate klasses", err)
	}
	return klasses, nil
}

func (s *Store) scanKlassRow(row *sql.Row, what string) (*types.Klass, error) {
	k, err := scanKlass(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewCatalogError(errors.CodeKlassNotFound, what+" not found", nil)
	}
	if err != nil {
		return nil, s.storageError("failed to get "+what, err)
	}
	return k, nil
}

// GetKlassForUpdate reads a klass inside the transaction, locking its row
// until the transaction ends.
func (t *Tx) GetKlassForUpdate(ctx context.Context, id int64) (*types.Klass, error) {
	row := t.tx.QueryRowContext(ctx,
		t.store.rebind("SELECT "+klassColumns+" FROM klasses WHERE id = ?"+t.store.dialect.ForUpdate()), id)
	return t.store.scanKlassRow(row, fmt.Sprintf("klass %d", id))
}

// GetKlass reads a klass inside the transaction without locking it.
func (t *Tx) GetKlass(ctx context.Context, id int64) (*types.Klass, error) {
	row := t.tx.QueryRowContext(ctx, t.store.rebind("SELECT "+klassColumns+" FROM klasses WHERE id = ?"), id)
	return t.store.scanKlassRow(row, fmt.Sprintf("klass %d", id))
}

// InsertKlass adds a klass record and sets its ID and timestamps.
func (t *Tx) InsertKlass(ctx context.Context, k *types.Klass) error {
	cols, err := encodeKlass(k)
	if err != nil {
		return err
	}
	k.CreatedAt, k.UpdatedAt = t.now, t.now

	query := t.store.rebind(`INSERT INTO klasses (
		name, schema, mapping, existing_indexes, index_changes, lock_state, revision, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err = t.tx.QueryRowContext(ctx, query,
		k.Name, cols.schema, cols.mapping, cols.existing, cols.changes, string(k.LockState), k.Revision,
		t.now.UnixMilli(), t.now.UnixMilli(),
	).Scan(&k.ID)
	if err != nil {
		if t.store.dialect.IsUniqueViolation(err) {
			return errors.NewCatalogError(errors.CodeKlassExists, fmt.Sprintf("klass %q already exists", k.Name), err)
		}
		return t.store.storageError("failed to insert klass", err)
	}
	return nil
}

// SaveEdit persists a schema edit made against expectedRevision. It fails
// with a CONFLICT error when the klass is locked or was changed meanwhile.
func (t *Tx) SaveEdit(ctx context.Context, k *types.Klass, expectedRevision int64) error {
	cols, err := encodeKlass(k)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, t.store.rebind(`UPDATE klasses SET
		schema = ?, mapping = ?, existing_indexes = ?, index_changes = ?, lock_state = ?, revision = ?, updated_at = ?
		WHERE id = ? AND revision = ? AND index_changes IS NULL`),
		cols.schema, cols.mapping, cols.existing, cols.changes, string(k.LockState), k.Revision, t.now.UnixMilli(),
		k.ID, expectedRevision,
	)
	if err != nil {
		return t.store.storageError("failed to save klass", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return t.store.storageError("failed to save klass", err)
	} else if n == 1 {
		k.UpdatedAt = t.now
		return nil
	}

	current, err := t.GetKlass(ctx, k.ID)
	if err != nil {
		return err
	}
	if current.IsLocked() {
		return errors.NewConflictError(errors.CodeClassLocked,
			fmt.Sprintf("klass %q is migrating indexes, try again later", current.Name))
	}
	return errors.NewConflictError(errors.CodeConcurrentEdit,
		fmt.Sprintf("klass %q was modified concurrently (revision %d, expected %d)", current.Name, current.Revision, expectedRevision))
}

// SaveKlass overwrites a klass record. The caller must hold its row lock.
func (t *Tx) SaveKlass(ctx context.Context, k *types.Klass) error {
	cols, err := encodeKlass(k)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, t.store.rebind(`UPDATE klasses SET
		schema = ?, mapping = ?, existing_indexes = ?, index_changes = ?, lock_state = ?, revision = ?, updated_at = ?
		WHERE id = ?`),
		cols.schema, cols.mapping, cols.existing, cols.changes, string(k.LockState), k.Revision, t.now.UnixMilli(),
		k.ID,
	)
	if err != nil {
		return t.store.storageError("failed to save klass", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewCatalogError(errors.CodeKlassNotFound, fmt.Sprintf("klass %d not found", k.ID), nil)
	}
	k.UpdatedAt = t.now
	return nil
}

// DeleteKlass removes a klass record and its revision history.
func (t *Tx) DeleteKlass(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, t.store.rebind("DELETE FROM klasses WHERE id = ?"), id)
	if err != nil {
		return t.store.storageError("failed to delete klass", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewCatalogError(errors.CodeKlassNotFound, fmt.Sprintf("klass %d not found", id), nil)
	}
	if _, err := t.tx.ExecContext(ctx, t.store.rebind("DELETE FROM klass_revisions WHERE klass_id = ?"), id); err != nil {
		return t.store.storageError("failed to delete klass revisions", err)
	}
	return nil
}

type klassCols struct {
	schema, mapping, existing string
	changes                   sql.NullString
}

func encodeKlass(k *types.Klass) (klassCols, error) {
	var cols klassCols
	schema := k.Schema
	if schema == nil {
		schema = types.Schema{}
	}
	mapping := k.Mapping
	if mapping == nil {
		mapping = types.Mapping{}
	}
	existing := k.ExistingIndexes
	if existing.Filter == nil {
		existing.Filter = []string{}
	}
	if existing.Order == nil {
		existing.Order = []string{}
	}

	for _, v := range []struct {
		dst *string
		src interface{}
	}{
		{&cols.schema, schema},
		{&cols.mapping, mapping},
		{&cols.existing, existing},
	} {
		data, err := json.Marshal(v.src)
		if err != nil {
			return cols, errors.NewInternalError("manifest: failed to encode klass", err)
		}
		*v.dst = string(data)
	}

	// The lock state always follows the pending changes.
	if k.IndexChanges.Empty() {
		k.IndexChanges = nil
		k.LockState = types.Unlocked
		return cols, nil
	}
	data, err := json.Marshal(k.IndexChanges)
	if err != nil {
		return cols, errors.NewInternalError("manifest: failed to encode index changes", err)
	}
	cols.changes = sql.NullString{String: string(data), Valid: true}
	k.LockState = types.Locked
	return cols, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKlass(row rowScanner) (*types.Klass, error) {
	var (
		k                         types.Klass
		schema, mapping, existing string
		changes                   sql.NullString
		lockState                 string
		createdAtMs, updatedAtMs  int64
	)
	if err := row.Scan(&k.ID, &k.Name, &schema, &mapping, &existing, &changes, &lockState, &k.Revision,
		&createdAtMs, &updatedAtMs); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(schema), &k.Schema); err != nil {
		return nil, fmt.Errorf("manifest: failed to decode schema of klass %d: %w", k.ID, err)
	}
	if err := json.Unmarshal([]byte(mapping), &k.Mapping); err != nil {
		return nil, fmt.Errorf("manifest: failed to decode mapping of klass %d: %w", k.ID, err)
	}
	if err := json.Unmarshal([]byte(existing), &k.ExistingIndexes); err != nil {
		return nil, fmt.Errorf("manifest: failed to decode existing indexes of klass %d: %w", k.ID, err)
	}
	if changes.Valid {
		k.IndexChanges = &types.IndexChanges{}
		if err := json.Unmarshal([]byte(changes.String), k.IndexChanges); err != nil {
			return nil, fmt.Errorf("manifest: failed to decode index changes of klass %d: %w", k.ID, err)
		}
	}
	k.LockState = types.LockState(lockState)
	k.CreatedAt = time.UnixMilli(createdAtMs)
	k.UpdatedAt = time.UnixMilli(updatedAtMs)
	return &k, nil
}
