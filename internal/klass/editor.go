// Package klass implements the synchronous side of klass schema changes:
// creating and deleting klasses and editing their schemas. Edits that need
// index work leave the klass locked and queue a migration task in the same
// transaction.
package klass

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Syncano/syncano-platform-sub000/internal/cache"
	"github.com/Syncano/syncano-platform-sub000/internal/errors"
	"github.com/Syncano/syncano-platform-sub000/internal/index"
	"github.com/Syncano/syncano-platform-sub000/internal/manifest"
	"github.com/Syncano/syncano-platform-sub000/internal/router"
	"github.com/Syncano/syncano-platform-sub000/internal/schema"
	"github.com/Syncano/syncano-platform-sub000/internal/tenant"
	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

// Editor applies klass lifecycle changes for all tenants.
type Editor struct {
	tenants  tenant.Provider
	limits   schema.Limits
	cache    *cache.KlassCache
	notifier *router.Notifier
}

// NewEditor creates an editor. The cache and notifier are optional.
func NewEditor(tenants tenant.Provider, limits schema.Limits, c *cache.KlassCache, n *router.Notifier) *Editor {
	return &Editor{
		tenants:  tenants,
		limits:   limits,
		cache:    c,
		notifier: n,
	}
}

// EditOptions controls a schema edit.
type EditOptions struct {
	// ExpectedRevision, when non-zero, rejects the edit with CONCURRENT_EDIT
	// unless the klass is still at that revision.
	ExpectedRevision int64
}

// CreateTenant creates and initializes a tenant store.
func (e *Editor) CreateTenant(ctx context.Context, tenantID string) error {
	_, err := manifest.Create(ctx, e.tenants, tenantID)
	return err
}

// CreateKlass creates a klass with an initial schema. A klass starts at
// revision 1; a non-empty initial schema is applied as its first edit.
func (e *Editor) CreateKlass(ctx context.Context, tenantID, name string, fields []schema.FieldInput) (*types.Klass, error) {
	if err := schema.ValidateKlassName(name); err != nil {
		return nil, err
	}
	store, err := manifest.Open(ctx, e.tenants, tenantID)
	if err != nil {
		return nil, err
	}

	k := &types.Klass{
		Name:            name,
		Schema:          types.Schema{},
		Mapping:         types.Mapping{},
		ExistingIndexes: types.ExistingIndexes{},
		LockState:       types.Unlocked,
		Revision:        1,
	}
	next, changes, err := e.prepareEdit(ctx, store, k, fields)
	if err != nil {
		return nil, err
	}

	err = store.WithTx(ctx, func(tx *manifest.Tx) error {
		if err := tx.InsertKlass(ctx, next); err != nil {
			return err
		}
		if err := tx.RecordRevision(ctx, next); err != nil {
			return err
		}
		if changes != nil {
			_, err := tx.Enqueue(ctx, next.ID, manifest.TaskMigrate)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("klass: created %s/%s (id=%d, revision=%d, pending ops=%d)",
		tenantID, next.Name, next.ID, next.Revision, changes.OpCount())
	e.publish(router.KlassCreated, tenantID, next)
	e.afterWrite(tenantID, next)
	return next, nil
}

// EditSchema replaces the schema of a klass. Edits that need no index work
// take effect at once; the rest lock the klass until the migration task
// finishes. A locked klass rejects edits with CLASS_LOCKED.
func (e *Editor) EditSchema(ctx context.Context, tenantID string, klassID int64, fields []schema.FieldInput, opts EditOptions) (*types.Klass, error) {
	store, err := manifest.Open(ctx, e.tenants, tenantID)
	if err != nil {
		return nil, err
	}
	current, err := store.GetKlass(ctx, klassID)
	if err != nil {
		return nil, err
	}
	if current.IsLocked() {
		return nil, errors.NewConflictError(errors.CodeClassLocked,
			fmt.Sprintf("klass %q is migrating indexes, try again later", current.Name))
	}
	if opts.ExpectedRevision != 0 && opts.ExpectedRevision != current.Revision {
		return nil, errors.NewConflictError(errors.CodeConcurrentEdit,
			fmt.Sprintf("klass %q is at revision %d, expected %d", current.Name, current.Revision, opts.ExpectedRevision))
	}

	next, changes, err := e.prepareEdit(ctx, store, current, fields)
	if err != nil {
		return nil, err
	}
	if next.Revision == current.Revision {
		return current, nil
	}

	err = store.WithTx(ctx, func(tx *manifest.Tx) error {
		if err := tx.SaveEdit(ctx, next, current.Revision); err != nil {
			return err
		}
		if err := tx.RecordRevision(ctx, next); err != nil {
			return err
		}
		if changes != nil {
			_, err := tx.Enqueue(ctx, next.ID, manifest.TaskMigrate)
			return err
		}
		return nil
	})
	if err != nil {
		if errors.GetCategory(err) == errors.ErrCategoryConflict {
			log.Printf("klass: [WARN] edit of %s/%s rejected: %v", tenantID, current.Name, err)
		}
		return nil, err
	}

	if changes != nil {
		log.Printf("klass: %s/%s locked at revision %d for %d index operations",
			tenantID, next.Name, next.Revision, changes.OpCount())
		e.publish(router.KlassLocked, tenantID, next)
	}
	e.afterWrite(tenantID, next)
	return next, nil
}

// prepareEdit validates fields against current and returns the klass as it
// will be stored. The revision is unchanged when the schema is.
func (e *Editor) prepareEdit(ctx context.Context, store *manifest.Store, current *types.Klass, fields []schema.FieldInput) (*types.Klass, *types.IndexChanges, error) {
	validator := schema.NewValidator(e.limits, store)
	newSchema, err := validator.Validate(ctx, fields, current.Schema)
	if err != nil {
		return nil, nil, err
	}
	if newSchema.Equal(current.Schema) {
		return current, nil, nil
	}

	// Keys are minted from the revision the edit starts from.
	mapping := schema.ResolveMapping(current.Schema, current.Mapping, newSchema, current.Revision)
	changes, projected := index.ComputeDiff(current.Schema, newSchema, current.Mapping, mapping,
		current.ExistingIndexes, store.Dialect().ColumnType)

	next := current.Clone()
	next.Schema = newSchema
	next.Mapping = mapping
	next.Revision = current.Revision + 1
	if changes == nil {
		next.ExistingIndexes = projected
		next.IndexChanges = nil
		next.LockState = types.Unlocked
	} else {
		next.IndexChanges = changes
		next.LockState = types.Locked
	}
	return next, changes, nil
}

// DeleteKlass removes a klass and queues the removal of its indexes.
func (e *Editor) DeleteKlass(ctx context.Context, tenantID string, klassID int64) error {
	store, err := manifest.Open(ctx, e.tenants, tenantID)
	if err != nil {
		return err
	}

	var deleted *types.Klass
	err = store.WithTx(ctx, func(tx *manifest.Tx) error {
		k, err := tx.GetKlassForUpdate(ctx, klassID)
		if err != nil {
			return err
		}
		if err := tx.DeleteKlass(ctx, klassID); err != nil {
			return err
		}
		if _, err := tx.Enqueue(ctx, klassID, manifest.TaskCleanup); err != nil {
			return err
		}
		deleted = k
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("klass: deleted %s/%s (id=%d)", tenantID, deleted.Name, klassID)
	if e.cache != nil {
		e.cache.Invalidate(tenantID, klassID)
	}
	e.publish(router.KlassDeleted, tenantID, deleted)
	return nil
}

// GetKlass returns a klass, from the cache when possible.
func (e *Editor) GetKlass(ctx context.Context, tenantID string, klassID int64) (*types.Klass, error) {
	if e.cache != nil {
		if k, ok := e.cache.Get(tenantID, klassID); ok {
			return k, nil
		}
	}
	store, err := manifest.Open(ctx, e.tenants, tenantID)
	if err != nil {
		return nil, err
	}
	k, err := store.GetKlass(ctx, klassID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Put(tenantID, k)
	}
	return k, nil
}

// GetKlassByName returns a klass by name, bypassing the cache.
func (e *Editor) GetKlassByName(ctx context.Context, tenantID, name string) (*types.Klass, error) {
	store, err := manifest.Open(ctx, e.tenants, tenantID)
	if err != nil {
		return nil, err
	}
	return store.GetKlassByName(ctx, name)
}

// ListKlasses returns all klasses of a tenant.
func (e *Editor) ListKlasses(ctx context.Context, tenantID string) ([]*types.Klass, error) {
	store, err := manifest.Open(ctx, e.tenants, tenantID)
	if err != nil {
		return nil, err
	}
	return store.ListKlasses(ctx)
}

func (e *Editor) afterWrite(tenantID string, k *types.Klass) {
	if e.cache == nil {
		return
	}
	e.cache.Invalidate(tenantID, k.ID)
	e.cache.Put(tenantID, k)
}

func (e *Editor) publish(typ router.NotificationType, tenantID string, k *types.Klass) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(router.Notification{
		Type:      typ,
		Tenant:    tenantID,
		KlassID:   k.ID,
		KlassName: k.Name,
		Revision:  k.Revision,
		Timestamp: time.Now().UnixNano(),
	})
}
