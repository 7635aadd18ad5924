// Package manifest stores klass records and their migration bookkeeping in
// each tenant store.
package manifest

import (
	"strings"

	"github.com/Syncano/syncano-platform-sub000/internal/dialect"
)

// The tenant store holds the klass catalog next to the shared objects table.
// Column types that differ between engines are filled in from the dialect.

// createKlassesTableSQL creates the klass catalog. JSON columns hold the
// schema, the physical key mapping, the confirmed indexes and the pending
// index changes (NULL while unlocked).
const createKlassesTableSQL = `
CREATE TABLE IF NOT EXISTS klasses (
    id {{key}},
    name TEXT NOT NULL UNIQUE,
    schema TEXT NOT NULL,
    mapping TEXT NOT NULL,
    existing_indexes TEXT NOT NULL,
    index_changes TEXT,
    lock_state TEXT NOT NULL DEFAULT 'unlocked',
    revision BIGINT NOT NULL DEFAULT 1,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`

// createKlassRevisionsTableSQL creates the revision history. Snapshots are
// snappy-compressed JSON of the schema and mapping at that revision.
const createKlassRevisionsTableSQL = `
CREATE TABLE IF NOT EXISTS klass_revisions (
    klass_id BIGINT NOT NULL,
    revision BIGINT NOT NULL,
    snapshot {{blob}} NOT NULL,
    created_at BIGINT NOT NULL,
    PRIMARY KEY (klass_id, revision)
)`

// createMigrationTasksTableSQL creates the task outbox. Rows are inserted in
// the same transaction as the klass change they describe.
const createMigrationTasksTableSQL = `
CREATE TABLE IF NOT EXISTS migration_tasks (
    id {{key}},
    klass_id BIGINT NOT NULL,
    kind TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    available_at BIGINT NOT NULL,
    created_at BIGINT NOT NULL
)`

// createMigrationLocksTableSQL creates the per-klass migration locks.
const createMigrationLocksTableSQL = `
CREATE TABLE IF NOT EXISTS migration_locks (
    klass_id BIGINT PRIMARY KEY,
    holder TEXT NOT NULL,
    acquired_at BIGINT NOT NULL
)`

// createObjectsTableSQL creates the data objects table shared by all klasses.
// Field values live in data keyed by physical key.
const createObjectsTableSQL = `
CREATE TABLE IF NOT EXISTS objects (
    id {{key}},
    klass_id BIGINT NOT NULL,
    data {{document}} NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`

var indexesSQL = []string{
	// Due task scan
	`CREATE INDEX IF NOT EXISTS idx_migration_tasks_due ON migration_tasks(available_at, id)`,

	// Klass scoping for object scans and klass index predicates
	`CREATE INDEX IF NOT EXISTS idx_objects_klass ON objects(klass_id, id)`,
}

// AllSchemaSQL returns all statements needed to initialize a tenant store.
func AllSchemaSQL(d dialect.Dialect) []string {
	tables := []string{
		createKlassesTableSQL,
		createKlassRevisionsTableSQL,
		createMigrationTasksTableSQL,
		createMigrationLocksTableSQL,
		createObjectsTableSQL,
	}
	r := strings.NewReplacer(
		"{{key}}", d.AutoIncrementKey(),
		"{{blob}}", d.BlobType(),
		"{{document}}", d.DocumentType(),
	)
	statements := make([]string, 0, len(tables)+len(indexesSQL))
	for _, t := range tables {
		statements = append(statements, r.Replace(t))
	}
	return append(statements, indexesSQL...)
}
