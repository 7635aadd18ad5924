package index

import (
	"context"
	"fmt"
	"log"

	"github.com/Syncano/syncano-platform-sub000/internal/dialect"
	"github.com/Syncano/syncano-platform-sub000/internal/errors"
)

// Manager executes index DDL against a tenant store.
type Manager struct {
	dialect dialect.Dialect
}

// NewManager creates a manager for stores of the given dialect.
func NewManager(d dialect.Dialect) *Manager {
	return &Manager{dialect: d}
}

// Dialect returns the dialect the manager generates DDL for.
func (m *Manager) Dialect() dialect.Dialect {
	return m.dialect
}

// Execute performs a single action. q must not be a transaction when the
// action is concurrent.
func (m *Manager) Execute(ctx context.Context, q dialect.Querier, klassID int64, action Action) error {
	switch action.Type {
	case ActionCreate:
		return m.create(ctx, q, klassID, action)
	case ActionDrop:
		for _, name := range action.IndexNames(klassID) {
			if err := m.drop(ctx, q, name, action.Concurrent); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.NewInternalError(fmt.Sprintf("unknown action type: %s", action.Type), nil)
	}
}

// create builds the index unless a valid one already exists. An invalid
// leftover of a failed concurrent build is dropped and rebuilt.
func (m *Manager) create(ctx context.Context, q dialect.Querier, klassID int64, action Action) error {
	name := Name(klassID, action.Class, action.Key, action.Unique)

	status, err := m.dialect.IndexStatus(ctx, q, name)
	if err != nil {
		return m.classify("inspect index "+name, err)
	}
	switch status {
	case dialect.IndexValid:
		return nil
	case dialect.IndexInvalid:
		log.Printf("index: [WARN] rebuilding invalid index %s", name)
		if err := m.drop(ctx, q, name, action.Concurrent); err != nil {
			return err
		}
	}

	concurrent := action.Concurrent && m.dialect.SupportsConcurrent()
	stmt := m.dialect.CreateIndexSQL(dialect.IndexSpec{
		Name:       name,
		KlassID:    klassID,
		Key:        action.Key,
		FieldType:  action.FieldType,
		ColumnType: action.ColumnType,
		Unique:     action.Unique,
		Concurrent: concurrent,
	})
	log.Printf("index: creating %s for klass %d key %s (unique=%v, concurrent=%v)",
		name, klassID, action.Key, action.Unique, concurrent)
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return m.classify("create index "+name, err)
	}
	return nil
}

func (m *Manager) drop(ctx context.Context, q dialect.Querier, name string, concurrent bool) error {
	concurrent = concurrent && m.dialect.SupportsConcurrent()
	log.Printf("index: dropping %s (concurrent=%v)", name, concurrent)
	if _, err := q.ExecContext(ctx, m.dialect.DropIndexSQL(name, concurrent)); err != nil {
		return m.classify("drop index "+name, err)
	}
	return nil
}

// DropAll drops every index of a klass found in the engine catalog,
// whatever the klass record says, and returns the dropped names.
func (m *Manager) DropAll(ctx context.Context, q dialect.Querier, klassID int64, concurrent bool) ([]string, error) {
	names, err := m.dialect.ListIndexes(ctx, q, Prefix(klassID))
	if err != nil {
		return nil, m.classify(fmt.Sprintf("list indexes of klass %d", klassID), err)
	}
	dropped := make([]string, 0, len(names))
	for _, name := range names {
		if err := m.drop(ctx, q, name, concurrent); err != nil {
			return dropped, err
		}
		dropped = append(dropped, name)
	}
	return dropped, nil
}

func (m *Manager) classify(what string, err error) error {
	if m.dialect.IsTransient(err) {
		return errors.NewMigrationError(errors.CodeTransientDDL, what, err)
	}
	return errors.NewMigrationError(errors.CodeDDLFailed, what, err)
}
