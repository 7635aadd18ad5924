package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"github.com/Syncano/syncano-platform-sub000/internal/errors"
	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

// RevisionRecord is the schema and mapping a klass had at one revision.
type RevisionRecord struct {
	KlassID   int64
	Revision  int64
	Schema    types.Schema
	Mapping   types.Mapping
	CreatedAt time.Time
}

type revisionSnapshot struct {
	Schema  types.Schema  `json:"schema"`
	Mapping types.Mapping `json:"mapping"`
}

// RecordRevision stores the current schema of k under its revision.
// Recording the same revision twice keeps the first snapshot.
func (t *Tx) RecordRevision(ctx context.Context, k *types.Klass) error {
	raw, err := json.Marshal(revisionSnapshot{Schema: k.Schema, Mapping: k.Mapping})
	if err != nil {
		return errors.NewInternalError("manifest: failed to encode revision", err)
	}

	_, err = t.tx.ExecContext(ctx, t.store.rebind(`INSERT INTO klass_revisions (klass_id, revision, snapshot, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (klass_id, revision) DO NOTHING`),
		k.ID, k.Revision, snappy.Encode(nil, raw), t.now.UnixMilli(),
	)
	if err != nil {
		return t.store.storageError(fmt.Sprintf("failed to record revision %d of klass %d", k.Revision, k.ID), err)
	}
	return nil
}

// GetRevision retrieves one revision of a klass.
func (s *Store) GetRevision(ctx context.Context, klassID, revision int64) (*RevisionRecord, error) {
	row := s.readDB.QueryRowContext(ctx, s.rebind(
		"SELECT klass_id, revision, snapshot, created_at FROM klass_revisions WHERE klass_id = ? AND revision = ?"),
		klassID, revision,
	)
	rec, err := scanRevision(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewCatalogError(errors.CodeKlassNotFound,
			fmt.Sprintf("revision %d of klass %d not found", revision, klassID), nil)
	}
	if err != nil {
		return nil, s.storageError("failed to get revision", err)
	}
	return rec, nil
}

// ListRevisions returns the revision history of a klass, oldest first.
func (s *Store) ListRevisions(ctx context.Context, klassID int64) ([]RevisionRecord, error) {
	rows, err := s.readDB.QueryContext(ctx, s.rebind(
		"SELECT klass_id, revision, snapshot, created_at FROM klass_revisions WHERE klass_id = ? ORDER BY revision"),
		klassID,
	)
	if err != nil {
		return nil, s.storageError("failed to list revisions", err)
	}
	defer rows.Close()

	var records []RevisionRecord
	for rows.Next() {
		rec, err := scanRevision(rows)
		if err != nil {
			return nil, s.storageError("failed to scan revision", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.storageError("failed to iterate revisions", err)
	}
	return records, nil
}

// FieldChanges describes how a schema moved between two revisions.
type FieldChanges struct {
	Added   []string
	Removed []string
	// Retyped fields kept their name but got a new physical key.
	Retyped []string
}

// DiffRevisions compares two recorded revisions of a klass.
func (s *Store) DiffRevisions(ctx context.Context, klassID, from, to int64) (*FieldChanges, error) {
	a, err := s.GetRevision(ctx, klassID, from)
	if err != nil {
		return nil, err
	}
	b, err := s.GetRevision(ctx, klassID, to)
	if err != nil {
		return nil, err
	}

	changes := &FieldChanges{}
	old := a.Schema.ByName()
	for _, f := range b.Schema {
		prev, ok := old[f.Name]
		switch {
		case !ok:
			changes.Added = append(changes.Added, f.Name)
		case a.Mapping[f.Name] != b.Mapping[f.Name] || !prev.SameStorage(f):
			changes.Retyped = append(changes.Retyped, f.Name)
		}
	}
	current := b.Schema.ByName()
	for _, f := range a.Schema {
		if _, ok := current[f.Name]; !ok {
			changes.Removed = append(changes.Removed, f.Name)
		}
	}
	return changes, nil
}

func scanRevision(row rowScanner) (*RevisionRecord, error) {
	var (
		rec         RevisionRecord
		compressed  []byte
		createdAtMs int64
	)
	if err := row.Scan(&rec.KlassID, &rec.Revision, &compressed, &createdAtMs); err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("manifest: corrupt snapshot of klass %d revision %d: %w", rec.KlassID, rec.Revision, err)
	}
	var snap revisionSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("manifest: failed to decode snapshot of klass %d revision %d: %w", rec.KlassID, rec.Revision, err)
	}
	rec.Schema = snap.Schema
	rec.Mapping = snap.Mapping
	rec.CreatedAt = time.UnixMilli(createdAtMs)
	return &rec, nil
}
