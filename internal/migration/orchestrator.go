// Package migration applies pending klass index changes in the background
// and brings every locked klass back to the unlocked state, committing the
// change when all index operations succeed and rolling the schema back to
// what the store actually has otherwise.
package migration

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Syncano/syncano-platform-sub000/internal/cache"
	"github.com/Syncano/syncano-platform-sub000/internal/config"
	"github.com/Syncano/syncano-platform-sub000/internal/dialect"
	"github.com/Syncano/syncano-platform-sub000/internal/errors"
	"github.com/Syncano/syncano-platform-sub000/internal/index"
	"github.com/Syncano/syncano-platform-sub000/internal/manifest"
	"github.com/Syncano/syncano-platform-sub000/internal/router"
	"github.com/Syncano/syncano-platform-sub000/internal/tenant"
	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

// Outcome is how a migration run ended.
type Outcome string

const (
	Committed  Outcome = "committed"
	RolledBack Outcome = "rolled_back"
	Skipped    Outcome = "skipped"
	Busy       Outcome = "busy"
)

// Skip reasons.
const (
	ReasonTenantMissing = "tenant_missing"
	ReasonKlassMissing  = "klass_missing"
	ReasonNotLocked     = "not_locked"
	ReasonKlassDeleted  = "klass_deleted"
	ReasonSuperseded    = "superseded"
	ReasonLockLost      = "lock_lost"
)

// FailedAction is an index operation that did not succeed.
type FailedAction struct {
	Action index.Action
	Err    error
}

// Result describes a migration run.
type Result struct {
	Outcome Outcome
	Reason  string

	// Klass is the record as persisted by the run, nil unless the run
	// committed or rolled back an existing klass.
	Klass *types.Klass

	Applied []index.Action
	Failed  []FailedAction

	// Abandoned are the actions not attempted after the first failure.
	Abandoned []index.Action
}

// Options tune how migrations execute.
type Options struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	Concurrent   bool
	LockTTL      time.Duration
}

// OptionsFromConfig converts the migration configuration.
func OptionsFromConfig(cfg config.MigrationConfig) Options {
	return Options{
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff,
		Concurrent:   cfg.Concurrent,
		LockTTL:      cfg.LockTTL,
	}
}

// Orchestrator runs klass migrations. It is safe for concurrent use;
// runs for the same klass exclude each other through the store lock.
type Orchestrator struct {
	tenants  tenant.Provider
	opts     Options
	cache    *cache.KlassCache
	notifier *router.Notifier
	metrics  *Metrics

	sleep      func(ctx context.Context, d time.Duration) error
	newManager func(d dialect.Dialect) *index.Manager

	// beforeFinalize runs between the index operations and the final write.
	beforeFinalize func(klassID int64)
}

// NewOrchestrator creates an orchestrator. The cache, notifier and metrics
// are optional.
func NewOrchestrator(tenants tenant.Provider, opts Options, c *cache.KlassCache, n *router.Notifier, m *Metrics) *Orchestrator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	return &Orchestrator{
		tenants:    tenants,
		opts:       opts,
		cache:      c,
		notifier:   n,
		metrics:    m,
		sleep:      sleepContext,
		newManager: index.NewManager,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunMigration applies the pending index changes of a klass and unlocks it.
// The first action that fails for good ends the run, which then rolls the
// schema back to the indexes that exist. It is idempotent: a klass that is
// not locked, or no longer exists, is skipped. A run whose klass was edited
// again meanwhile writes nothing and leaves the newer change to the next run.
// An error leaves the klass locked for a later run.
func (o *Orchestrator) RunMigration(ctx context.Context, tenantID string, klassID int64) (*Result, error) {
	started := time.Now()
	result, err := o.runMigration(ctx, tenantID, klassID)
	if err != nil {
		log.Printf("migration: [WARN] %s/klass %d failed, will retry: %v", tenantID, klassID, err)
		return nil, err
	}
	o.metrics.observeRun(string(manifest.TaskMigrate), result.Outcome, started)
	return result, nil
}

func (o *Orchestrator) runMigration(ctx context.Context, tenantID string, klassID int64) (*Result, error) {
	store, ok, err := o.openStore(ctx, tenantID)
	if err != nil || !ok {
		return &Result{Outcome: Skipped, Reason: ReasonTenantMissing}, err
	}

	holder := manifest.NewLockHolder()
	acquired, err := store.AcquireLock(ctx, klassID, holder, o.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		log.Printf("migration: %s/klass %d is being migrated elsewhere", tenantID, klassID)
		return &Result{Outcome: Busy}, nil
	}
	defer o.releaseLock(ctx, store, klassID, holder)

	lock := keepLock(ctx, store, klassID, holder, o.opts.LockTTL)
	defer lock.close()

	k, err := store.GetKlass(ctx, klassID)
	if errors.GetCode(err) == errors.CodeKlassNotFound {
		return &Result{Outcome: Skipped, Reason: ReasonKlassMissing}, nil
	}
	if err != nil {
		return nil, err
	}
	if !k.IsLocked() {
		return &Result{Outcome: Skipped, Reason: ReasonNotLocked}, nil
	}

	planned := k.Revision
	mgr := o.newManager(store.Dialect())
	actions := index.Plan(k.IndexChanges, o.opts.Concurrent && store.Dialect().SupportsConcurrent())
	log.Printf("migration: %s/%s revision %d: %d index operations", tenantID, k.Name, planned, len(actions))

	result := &Result{}
	for i, action := range actions {
		if i > 0 {
			if err := o.checkLock(ctx, lock, tenantID, klassID); err != nil {
				return nil, err
			}
			if !lock.held() {
				result.Outcome, result.Reason = Busy, ReasonLockLost
				return result, nil
			}
		}
		err := o.execute(ctx, mgr, store, klassID, action)
		o.metrics.observeOperation(string(action.Class), string(action.Type), err)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("migration: [WARN] %s/%s: %s failed, rolling back: %v", tenantID, k.Name, action, err)
			result.Failed = append(result.Failed, FailedAction{
				Action: action,
				Err:    errors.NewMigrationError(errors.CodeMigrationFatal, action.String(), err),
			})
			result.Abandoned = actions[i+1:]
			break
		}
		result.Applied = append(result.Applied, action)
	}

	if o.beforeFinalize != nil {
		o.beforeFinalize(klassID)
	}
	if err := o.checkLock(ctx, lock, tenantID, klassID); err != nil {
		return nil, err
	}
	if !lock.held() {
		result.Outcome, result.Reason = Busy, ReasonLockLost
		return result, nil
	}
	final, deleted, reason, err := o.finalize(ctx, store, klassID, planned, result)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		log.Printf("migration: %s/klass %d changed since revision %d, leaving it to the next run (%s)",
			tenantID, klassID, planned, reason)
		result.Outcome, result.Reason = Skipped, reason
		return result, nil
	}
	if deleted {
		dropped, err := mgr.DropAll(ctx, store.DB(), klassID, o.opts.Concurrent)
		if err != nil {
			return nil, err
		}
		log.Printf("migration: %s/klass %d deleted during migration, dropped %d indexes", tenantID, klassID, len(dropped))
		result.Outcome, result.Reason = RolledBack, ReasonKlassDeleted
		o.finished(tenantID, k, result)
		return result, nil
	}

	result.Klass = final
	result.Outcome = Committed
	if len(result.Failed) > 0 {
		result.Outcome = RolledBack
	}
	log.Printf("migration: %s/%s %s at revision %d (%d applied, %d failed)",
		tenantID, final.Name, result.Outcome, final.Revision, len(result.Applied), len(result.Failed))
	o.finished(tenantID, final, result)
	return result, nil
}

// checkLock refreshes the run's lock. Losing it is not an error: the caller
// stops and leaves the klass to the new holder.
func (o *Orchestrator) checkLock(ctx context.Context, lock *lease, tenantID string, klassID int64) error {
	held, err := lock.refresh(ctx)
	if err != nil {
		return err
	}
	if !held {
		log.Printf("migration: [WARN] %s/klass %d: lock taken over by another run, stopping", tenantID, klassID)
	}
	return nil
}

// execute runs one action, retrying transient failures with a fixed backoff.
func (o *Orchestrator) execute(ctx context.Context, mgr *index.Manager, store *manifest.Store, klassID int64, action index.Action) error {
	var err error
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		err = mgr.Execute(ctx, store.DB(), klassID, action)
		if err == nil || !errors.IsRetryable(err) || attempt == o.opts.MaxAttempts {
			return err
		}
		o.metrics.retried()
		log.Printf("migration: [WARN] %s attempt %d/%d: %v", action, attempt, o.opts.MaxAttempts, err)
		if err := o.sleep(ctx, o.opts.RetryBackoff); err != nil {
			return err
		}
	}
	return err
}

// finalize persists the outcome under the klass row lock. It reports
// deleted when the klass no longer exists, and a skip reason without writing
// anything when the record is no longer the locked revision the run planned
// from.
func (o *Orchestrator) finalize(ctx context.Context, store *manifest.Store, klassID, planned int64, result *Result) (*types.Klass, bool, string, error) {
	var (
		final   *types.Klass
		deleted bool
		reason  string
	)
	err := store.WithTx(ctx, func(tx *manifest.Tx) error {
		k, err := tx.GetKlassForUpdate(ctx, klassID)
		if errors.GetCode(err) == errors.CodeKlassNotFound {
			deleted = true
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case !k.IsLocked():
			reason = ReasonNotLocked
			return nil
		case k.Revision != planned:
			reason = ReasonSuperseded
			return nil
		}

		// Drops first: a key re-added with another uniqueness is both dropped
		// and created in one run.
		existing := k.ExistingIndexes.Clone()
		for _, a := range result.Applied {
			if a.Type == index.ActionDrop {
				existing.Remove(a.Class, a.Key)
			}
		}
		for _, a := range result.Applied {
			if a.Type == index.ActionCreate {
				existing.Add(a.Class, a.Key, a.Unique)
			}
		}
		k.ExistingIndexes = existing
		k.IndexChanges = nil
		k.LockState = types.Unlocked

		if len(result.Failed) > 0 {
			stripped := stripMissingIndexes(k.Schema, k.Mapping, existing)
			if !stripped.Equal(k.Schema) {
				k.Schema = stripped
				k.Revision++
				if err := tx.RecordRevision(ctx, k); err != nil {
					return err
				}
			}
		}
		if err := tx.SaveKlass(ctx, k); err != nil {
			return err
		}
		final = k
		return nil
	})
	return final, deleted, reason, err
}

// stripMissingIndexes clears the index flags of fields whose physical key is
// not indexed in existing, so the schema promises only what the store has.
func stripMissingIndexes(s types.Schema, mapping types.Mapping, existing types.ExistingIndexes) types.Schema {
	out := s.Clone()
	for i := range out {
		f := &out[i]
		key := mapping[f.Name]
		if f.FilterIndex && !existing.Has(types.IndexFilter, key) {
			f.FilterIndex = false
			f.Unique = false
		}
		if f.Unique && !existing.IsUnique(key) {
			f.Unique = false
		}
		if f.OrderIndex && !existing.Has(types.IndexOrder, key) {
			f.OrderIndex = false
		}
	}
	return out
}

// DeleteClassIndexes drops every index of a klass found in the store,
// whatever its record says, and returns the dropped names. A missing tenant
// is not an error. A klass locked by a running migration yields LOCK_HELD.
func (o *Orchestrator) DeleteClassIndexes(ctx context.Context, tenantID string, klassID int64) ([]string, error) {
	started := time.Now()
	store, ok, err := o.openStore(ctx, tenantID)
	if err != nil || !ok {
		return nil, err
	}

	holder := manifest.NewLockHolder()
	acquired, err := store.AcquireLock(ctx, klassID, holder, o.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		o.metrics.observeRun(string(manifest.TaskCleanup), Busy, started)
		return nil, errors.NewConflictError(errors.CodeLockHeld,
			fmt.Sprintf("klass %d of %s is being migrated", klassID, tenantID))
	}
	defer o.releaseLock(ctx, store, klassID, holder)

	mgr := o.newManager(store.Dialect())
	dropped, err := mgr.DropAll(ctx, store.DB(), klassID, o.opts.Concurrent)
	if err != nil {
		return dropped, err
	}
	if len(dropped) > 0 {
		log.Printf("migration: %s/klass %d: dropped %d indexes", tenantID, klassID, len(dropped))
	}
	o.metrics.observeRun(string(manifest.TaskCleanup), Committed, started)
	return dropped, nil
}

func (o *Orchestrator) openStore(ctx context.Context, tenantID string) (*manifest.Store, bool, error) {
	store, err := manifest.Open(ctx, o.tenants, tenantID)
	if tenant.IsNotFound(err) {
		log.Printf("migration: tenant %s no longer exists, skipping", tenantID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return store, true, nil
}

func (o *Orchestrator) releaseLock(ctx context.Context, store *manifest.Store, klassID int64, holder string) {
	if err := store.ReleaseLock(context.WithoutCancel(ctx), klassID, holder); err != nil {
		log.Printf("migration: [WARN] failed to release lock of klass %d: %v", klassID, err)
	}
}

func (o *Orchestrator) finished(tenantID string, k *types.Klass, result *Result) {
	if o.cache != nil {
		o.cache.Invalidate(tenantID, k.ID)
	}
	if o.notifier != nil {
		o.notifier.Publish(router.Notification{
			Type:      router.MigrationFinished,
			Tenant:    tenantID,
			KlassID:   k.ID,
			KlassName: k.Name,
			Revision:  k.Revision,
			Outcome:   string(result.Outcome),
			Timestamp: time.Now().UnixNano(),
		})
	}
}
