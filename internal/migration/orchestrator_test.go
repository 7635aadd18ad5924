package migration

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Syncano/syncano-platform-sub000/internal/cache"
	"github.com/Syncano/syncano-platform-sub000/internal/config"
	"github.com/Syncano/syncano-platform-sub000/internal/dialect"
	"github.com/Syncano/syncano-platform-sub000/internal/errors"
	"github.com/Syncano/syncano-platform-sub000/internal/index"
	"github.com/Syncano/syncano-platform-sub000/internal/klass"
	"github.com/Syncano/syncano-platform-sub000/internal/manifest"
	"github.com/Syncano/syncano-platform-sub000/internal/router"
	"github.com/Syncano/syncano-platform-sub000/internal/schema"
	"github.com/Syncano/syncano-platform-sub000/internal/tenant"
	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

const testTenant = "acme"

type fixture struct {
	provider tenant.Provider
	editor   *klass.Editor
	orch     *Orchestrator
	metrics  *Metrics
	cache    *cache.KlassCache
	events   *router.Subscriber
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	provider := tenant.NewSQLiteProvider(t.TempDir(), time.Second)
	t.Cleanup(func() { provider.Close() })

	cfg := config.DefaultConfig()
	c := cache.NewKlassCache(100)
	n := router.NewNotifier(100)
	m := NewMetrics(prometheus.NewRegistry())

	opts := OptionsFromConfig(cfg.Migration)
	opts.RetryBackoff = time.Millisecond

	f := &fixture{
		provider: provider,
		editor:   klass.NewEditor(provider, schema.LimitsFromConfig(cfg.Limits), c, n),
		orch:     NewOrchestrator(provider, opts, c, n, m),
		metrics:  m,
		cache:    c,
		events:   n.Subscribe("test", []string{testTenant}),
	}
	require.NoError(t, f.editor.CreateTenant(context.Background(), testTenant))
	return f
}

func (f *fixture) store(t *testing.T) *manifest.Store {
	t.Helper()
	store, err := manifest.Open(context.Background(), f.provider, testTenant)
	require.NoError(t, err)
	return store
}

func (f *fixture) reload(t *testing.T, id int64) *types.Klass {
	t.Helper()
	k, err := f.store(t).GetKlass(context.Background(), id)
	require.NoError(t, err)
	return k
}

func (f *fixture) indexNames(t *testing.T, klassID int64) []string {
	t.Helper()
	store := f.store(t)
	names, err := store.Dialect().ListIndexes(context.Background(), store.DB(), index.Prefix(klassID))
	require.NoError(t, err)
	return names
}

// lastFinished drains the subscription and returns the last MigrationFinished
// notification.
func (f *fixture) lastFinished(t *testing.T) router.Notification {
	t.Helper()
	var last *router.Notification
	for {
		select {
		case n := <-f.events.Ch:
			if n.Type == router.MigrationFinished {
				last = &n
			}
			continue
		default:
		}
		break
	}
	require.NotNil(t, last, "no migration_finished event")
	return *last
}

func field(name, typ string, kv ...any) schema.FieldInput {
	in := schema.FieldInput{schema.KeyName: name, schema.KeyType: typ}
	for i := 0; i+1 < len(kv); i += 2 {
		in[kv[i].(string)] = kv[i+1]
	}
	return in
}

func (f *fixture) createKlass(t *testing.T, name string, defs ...schema.FieldInput) *types.Klass {
	t.Helper()
	k, err := f.editor.CreateKlass(context.Background(), testTenant, name, defs)
	require.NoError(t, err)
	if k.IsLocked() {
		res, err := f.orch.RunMigration(context.Background(), testTenant, k.ID)
		require.NoError(t, err)
		require.Equal(t, Committed, res.Outcome)
		k = res.Klass
	}
	return k
}

func (f *fixture) edit(t *testing.T, id int64, defs ...schema.FieldInput) *types.Klass {
	t.Helper()
	k, err := f.editor.EditSchema(context.Background(), testTenant, id, defs, klass.EditOptions{})
	require.NoError(t, err)
	return k
}

func (f *fixture) insertObject(t *testing.T, klassID int64, data string) {
	t.Helper()
	store := f.store(t)
	now := time.Now().UnixMilli()
	_, err := store.DB().Exec(
		"INSERT INTO objects (klass_id, data, created_at, updated_at) VALUES (?, ?, ?, ?)",
		klassID, data, now, now)
	require.NoError(t, err)
}

// assertSchemaMatchesIndexes checks that every index flag in the schema is
// backed by a confirmed index.
func assertSchemaMatchesIndexes(t *testing.T, k *types.Klass) {
	t.Helper()
	for _, fd := range k.Schema {
		key := k.Mapping[fd.Name]
		if fd.FilterIndex {
			assert.True(t, k.ExistingIndexes.Has(types.IndexFilter, key), "filter flag of %s without index", fd.Name)
		}
		if fd.OrderIndex {
			assert.True(t, k.ExistingIndexes.Has(types.IndexOrder, key), "order flag of %s without index", fd.Name)
		}
		if fd.Unique {
			assert.True(t, k.ExistingIndexes.IsUnique(key), "unique flag of %s without unique index", fd.Name)
		}
	}
}

func TestRunMigration_AddFilterIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k := f.createKlass(t, "books", field("a", "string"))
	k = f.edit(t, k.ID, field("a", "string"), field("b", "string", schema.KeyFilterIndex, true))
	require.True(t, k.IsLocked())
	assert.Equal(t, types.Mapping{"a": "1_a", "b": "2_b"}, k.Mapping)
	require.Len(t, k.IndexChanges.Filter.Add, 1)
	assert.Equal(t, "2_b", k.IndexChanges.Filter.Add[0].Key)

	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	assert.Equal(t, Committed, res.Outcome)
	assert.Len(t, res.Applied, 1)
	assert.Empty(t, res.Failed)

	got := f.reload(t, k.ID)
	assert.False(t, got.IsLocked())
	assert.Equal(t, types.Unlocked, got.LockState)
	assert.Equal(t, []string{"2_b"}, got.ExistingIndexes.Filter)
	assert.Equal(t, k.Revision, got.Revision)
	assert.Equal(t, []string{index.Name(k.ID, types.IndexFilter, "2_b", false)}, f.indexNames(t, k.ID))

	n := f.lastFinished(t)
	assert.Equal(t, string(Committed), n.Outcome)
	assert.Equal(t, k.ID, n.KlassID)

	_, cached := f.cache.Get(testTenant, k.ID)
	assert.False(t, cached)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Runs.WithLabelValues("migrate", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("filter", "CREATE", "ok")))
}

func TestRunMigration_RetypeSwapsIndexes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k := f.createKlass(t, "books", field("a", "string", schema.KeyFilterIndex, true))
	require.Equal(t, []string{"1_a"}, k.ExistingIndexes.Filter)

	k = f.edit(t, k.ID, field("a", "boolean", schema.KeyFilterIndex, true))
	assert.Equal(t, "2_a", k.Mapping["a"])
	require.True(t, k.IsLocked())

	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	require.Equal(t, Committed, res.Outcome)
	require.Len(t, res.Applied, 2)
	assert.Equal(t, index.ActionCreate, res.Applied[0].Type)
	assert.Equal(t, index.ActionDrop, res.Applied[1].Type)

	got := f.reload(t, k.ID)
	assert.Equal(t, []string{"2_a"}, got.ExistingIndexes.Filter)
	assert.Equal(t, []string{index.Name(k.ID, types.IndexFilter, "2_a", false)}, f.indexNames(t, k.ID))
}

func TestRunMigration_RetypeWithoutIndexNeedsNoMigration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k := f.createKlass(t, "books", field("a", "string"))
	k = f.edit(t, k.ID, field("a", "boolean"))
	assert.Equal(t, "2_a", k.Mapping["a"])
	assert.False(t, k.IsLocked())

	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, ReasonNotLocked, res.Reason)
}

// TestRunMigration_FailureRollsBack fails the second of three additions with
// a unique violation: the first index is kept, the other flags are stripped.
func TestRunMigration_FailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k := f.createKlass(t, "books")
	f.insertObject(t, k.ID, `{"1_b": "dup"}`)
	f.insertObject(t, k.ID, `{"1_b": "dup"}`)

	k = f.edit(t, k.ID,
		field("a", "string", schema.KeyFilterIndex, true),
		field("b", "string", schema.KeyFilterIndex, true, schema.KeyUnique, true),
		field("c", "integer", schema.KeyOrderIndex, true, schema.KeyFilterIndex, true),
	)
	require.True(t, k.IsLocked())
	require.Equal(t, 4, k.IndexChanges.OpCount())

	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	require.Equal(t, RolledBack, res.Outcome)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, "1_a", res.Applied[0].Key)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "1_b", res.Failed[0].Action.Key)
	assert.Equal(t, errors.CodeMigrationFatal, errors.GetCode(res.Failed[0].Err))
	assert.Len(t, res.Abandoned, 2)

	got := f.reload(t, k.ID)
	assert.False(t, got.IsLocked())
	assert.Equal(t, k.Revision+1, got.Revision)
	assert.Equal(t, []string{"1_a"}, got.ExistingIndexes.Filter)
	assert.Empty(t, got.ExistingIndexes.Order)

	byName := got.Schema.ByName()
	assert.True(t, byName["a"].FilterIndex)
	assert.Equal(t, types.FieldDefinition{Name: "b", Type: types.FieldString}, byName["b"])
	assert.Equal(t, types.FieldDefinition{Name: "c", Type: types.FieldInteger}, byName["c"])
	assert.Equal(t, k.Mapping, got.Mapping)
	assertSchemaMatchesIndexes(t, got)

	assert.Equal(t, []string{index.Name(k.ID, types.IndexFilter, "1_a", false)}, f.indexNames(t, k.ID))

	rev, err := f.store(t).GetRevision(ctx, k.ID, got.Revision)
	require.NoError(t, err)
	assert.True(t, rev.Schema.Equal(got.Schema))

	assert.Equal(t, string(RolledBack), f.lastFinished(t).Outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("filter", "CREATE", "failed")))
}

func TestRunMigration_FailedRemovalKeepsKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k := f.createKlass(t, "books", field("a", "string", schema.KeyOrderIndex, true))
	f.insertObject(t, k.ID, `{"2_b": 1}`)
	f.insertObject(t, k.ID, `{"2_b": 1}`)

	// The unique build fails before the order index of a is dropped.
	k = f.edit(t, k.ID,
		field("a", "string"),
		field("b", "integer", schema.KeyUnique, true),
	)
	require.True(t, k.IsLocked())

	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	require.Equal(t, RolledBack, res.Outcome)
	require.Len(t, res.Abandoned, 1)
	assert.Equal(t, index.ActionDrop, res.Abandoned[0].Type)

	got := f.reload(t, k.ID)
	assert.Equal(t, []string{"1_a"}, got.ExistingIndexes.Order)
	assert.False(t, got.Schema.ByName()["a"].OrderIndex)
	assert.False(t, got.Schema.ByName()["b"].Unique)
	assertSchemaMatchesIndexes(t, got)
}

// A second edit after a rollback removes the order index the failed run
// never got to drop.
func TestRunMigration_AbandonedRemovalDroppedByNextEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k := f.createKlass(t, "books", field("a", "string", schema.KeyOrderIndex, true))
	f.insertObject(t, k.ID, `{"2_b": 1}`)
	f.insertObject(t, k.ID, `{"2_b": 1}`)

	k = f.edit(t, k.ID, field("a", "string"), field("b", "integer", schema.KeyUnique, true))
	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	require.Equal(t, RolledBack, res.Outcome)
	require.Equal(t, []string{"1_a"}, f.reload(t, k.ID).ExistingIndexes.Order)

	k = f.edit(t, k.ID,
		field("a", "string"),
		field("b", "integer"),
		field("d", "string", schema.KeyFilterIndex, true),
	)
	require.True(t, k.IsLocked())
	require.Len(t, k.IndexChanges.Order.Remove, 1)
	assert.Equal(t, "1_a", k.IndexChanges.Order.Remove[0].Key)

	res, err = f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	require.Equal(t, Committed, res.Outcome)

	got := f.reload(t, k.ID)
	dKey := got.Mapping["d"]
	assert.Empty(t, got.ExistingIndexes.Order)
	assert.Equal(t, []string{dKey}, got.ExistingIndexes.Filter)
	assert.Equal(t, []string{index.Name(k.ID, types.IndexFilter, dKey, false)}, f.indexNames(t, k.ID))
	assertSchemaMatchesIndexes(t, got)
}

// Clearing unique on a filtered field swaps the unique index for a plain one.
func TestRunMigration_ClearUniqueKeepsPlainIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k := f.createKlass(t, "books", field("a", "string", schema.KeyUnique, true))
	require.Equal(t, []string{"1_a"}, k.ExistingIndexes.Unique)

	k = f.edit(t, k.ID, field("a", "string", schema.KeyFilterIndex, true))
	require.True(t, k.IsLocked())
	require.Len(t, k.IndexChanges.Filter.Add, 1)
	assert.Equal(t, "1_a", k.IndexChanges.Filter.Add[0].Key)
	assert.False(t, k.IndexChanges.Filter.Add[0].Unique)
	assert.Equal(t, []types.RemoveOp{{Key: "1_a", FieldType: types.FieldString}}, k.IndexChanges.Filter.Remove)

	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	require.Equal(t, Committed, res.Outcome)
	require.Len(t, res.Applied, 2)

	got := f.reload(t, k.ID)
	assert.Equal(t, k.Revision, got.Revision)
	assert.Equal(t, []string{"1_a"}, got.ExistingIndexes.Filter)
	assert.Empty(t, got.ExistingIndexes.Unique)
	assert.Equal(t, []string{index.Name(k.ID, types.IndexFilter, "1_a", false)}, f.indexNames(t, k.ID))
	assertSchemaMatchesIndexes(t, got)

	f.insertObject(t, k.ID, `{"1_a": "x"}`)
	f.insertObject(t, k.ID, `{"1_a": "x"}`)
}

// A run whose klass was finished elsewhere and edited again must not clear
// the newer pending change.
func TestRunMigration_SupersededRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, err := f.editor.CreateKlass(ctx, testTenant, "books",
		[]schema.FieldInput{field("a", "string", schema.KeyFilterIndex, true)})
	require.NoError(t, err)

	var newer *types.Klass
	f.orch.beforeFinalize = func(id int64) {
		f.orch.beforeFinalize = nil
		require.NoError(t, f.store(t).WithTx(ctx, func(tx *manifest.Tx) error {
			cur, err := tx.GetKlassForUpdate(ctx, id)
			if err != nil {
				return err
			}
			cur.ExistingIndexes = types.ExistingIndexes{Filter: []string{"1_a"}}
			cur.IndexChanges = nil
			cur.LockState = types.Unlocked
			return tx.SaveKlass(ctx, cur)
		}))
		newer = f.edit(t, id,
			field("a", "string", schema.KeyFilterIndex, true),
			field("c", "string", schema.KeyFilterIndex, true))
	}

	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, ReasonSuperseded, res.Reason)
	assert.Nil(t, res.Klass)

	require.NotNil(t, newer)
	cKey := newer.Mapping["c"]
	got := f.reload(t, k.ID)
	require.True(t, got.IsLocked())
	assert.Equal(t, newer.Revision, got.Revision)
	require.Len(t, got.IndexChanges.Filter.Add, 1)
	assert.Equal(t, cKey, got.IndexChanges.Filter.Add[0].Key)
	assert.Equal(t, []string{"1_a"}, got.ExistingIndexes.Filter)

	res, err = f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	require.Equal(t, Committed, res.Outcome)
	got = f.reload(t, k.ID)
	assert.Equal(t, []string{"1_a", cKey}, got.ExistingIndexes.Filter)
	assert.ElementsMatch(t, []string{
		index.Name(k.ID, types.IndexFilter, "1_a", false),
		index.Name(k.ID, types.IndexFilter, cKey, false),
	}, f.indexNames(t, k.ID))
}

func TestRunMigration_LockLostBeforeFinalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, err := f.editor.CreateKlass(ctx, testTenant, "books",
		[]schema.FieldInput{field("a", "string", schema.KeyFilterIndex, true)})
	require.NoError(t, err)

	f.orch.beforeFinalize = func(id int64) {
		f.orch.beforeFinalize = nil
		ok, err := f.store(t).AcquireLock(ctx, id, "other-worker", -time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
	}

	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	assert.Equal(t, Busy, res.Outcome)
	assert.Equal(t, ReasonLockLost, res.Reason)
	assert.Len(t, res.Applied, 1)

	got := f.reload(t, k.ID)
	assert.True(t, got.IsLocked())
	assert.Equal(t, k.Revision, got.Revision)
	assert.Empty(t, got.ExistingIndexes.Filter)

	holder, err := f.store(t).LockHolder(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, "other-worker", holder)

	// The next holder finds the index already built and commits.
	require.NoError(t, f.store(t).ReleaseLock(ctx, k.ID, "other-worker"))
	res, err = f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	require.Equal(t, Committed, res.Outcome)
	assert.Equal(t, []string{"1_a"}, f.reload(t, k.ID).ExistingIndexes.Filter)
}

func TestRunMigration_LockLostBetweenActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, err := f.editor.CreateKlass(ctx, testTenant, "books", []schema.FieldInput{
		field("a", "string", schema.KeyFilterIndex, true),
		field("b", "string", schema.KeyFilterIndex, true),
	})
	require.NoError(t, err)

	d := &scriptedDialect{onCreate: func(n int) {
		if n == 1 {
			ok, err := f.store(t).AcquireLock(ctx, k.ID, "other-worker", -time.Hour)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}}
	f.orch.newManager = d.manager

	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	assert.Equal(t, Busy, res.Outcome)
	assert.Equal(t, ReasonLockLost, res.Reason)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, "1_a", res.Applied[0].Key)
	assert.Equal(t, 1, d.creates)

	assert.True(t, f.reload(t, k.ID).IsLocked())
	assert.Equal(t, []string{index.Name(k.ID, types.IndexFilter, "1_a", false)}, f.indexNames(t, k.ID))
}

func TestRunMigration_RetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, err := f.editor.CreateKlass(ctx, testTenant, "books",
		[]schema.FieldInput{field("a", "string", schema.KeyFilterIndex, true)})
	require.NoError(t, err)

	d := &scriptedDialect{failures: 2, transient: true}
	f.orch.newManager = d.manager
	var sleeps []time.Duration
	f.orch.sleep = func(_ context.Context, wait time.Duration) error {
		sleeps = append(sleeps, wait)
		return nil
	}

	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	require.Equal(t, Committed, res.Outcome)
	assert.Len(t, res.Applied, 1)
	assert.Empty(t, res.Failed)

	assert.Equal(t, 3, d.creates)
	assert.Equal(t, []time.Duration{time.Millisecond, time.Millisecond}, sleeps)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("filter", "CREATE", "ok")))
	assert.Equal(t, []string{"1_a"}, f.reload(t, k.ID).ExistingIndexes.Filter)
}

func TestRunMigration_TransientFailureExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, err := f.editor.CreateKlass(ctx, testTenant, "books",
		[]schema.FieldInput{field("a", "string", schema.KeyFilterIndex, true)})
	require.NoError(t, err)

	d := &scriptedDialect{failures: 10, transient: true}
	f.orch.newManager = d.manager
	sleeps := 0
	f.orch.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	require.Equal(t, RolledBack, res.Outcome)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, errors.CodeMigrationFatal, errors.GetCode(res.Failed[0].Err))

	assert.Equal(t, f.orch.opts.MaxAttempts, d.creates)
	assert.Equal(t, f.orch.opts.MaxAttempts-1, sleeps)
	assert.Equal(t, float64(f.orch.opts.MaxAttempts-1), testutil.ToFloat64(f.metrics.Retries))

	got := f.reload(t, k.ID)
	assert.False(t, got.IsLocked())
	assert.Equal(t, k.Revision+1, got.Revision)
	assert.False(t, got.Schema.ByName()["a"].FilterIndex)
	assert.Empty(t, f.indexNames(t, k.ID))
}

func TestRunMigration_PermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, err := f.editor.CreateKlass(ctx, testTenant, "books",
		[]schema.FieldInput{field("a", "string", schema.KeyFilterIndex, true)})
	require.NoError(t, err)

	d := &scriptedDialect{failures: 1}
	f.orch.newManager = d.manager
	f.orch.sleep = func(context.Context, time.Duration) error {
		t.Fatal("permanent failures must not back off")
		return nil
	}

	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	assert.Equal(t, RolledBack, res.Outcome)
	assert.Equal(t, 1, d.creates)
	assert.Zero(t, testutil.ToFloat64(f.metrics.Retries))
}

// scriptedDialect fails the first index builds and reports those failures as
// transient when asked to.
type scriptedDialect struct {
	dialect.Dialect
	failures  int
	transient bool
	creates   int
	onCreate  func(n int)
}

func (d *scriptedDialect) manager(base dialect.Dialect) *index.Manager {
	d.Dialect = base
	return index.NewManager(d)
}

func (d *scriptedDialect) CreateIndexSQL(spec dialect.IndexSpec) string {
	d.creates++
	if d.onCreate != nil {
		d.onCreate(d.creates)
	}
	if d.failures > 0 {
		d.failures--
		return "CREATE INDEX broken syntax"
	}
	return d.Dialect.CreateIndexSQL(spec)
}

func (d *scriptedDialect) IsTransient(err error) bool {
	return d.transient
}

func TestRunMigration_TenantMissing(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.RunMigration(context.Background(), "ghost", 1)
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, ReasonTenantMissing, res.Reason)
}

func TestRunMigration_KlassMissing(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.RunMigration(context.Background(), testTenant, 42)
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, ReasonKlassMissing, res.Reason)
}

func TestRunMigration_BusyWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, err := f.editor.CreateKlass(ctx, testTenant, "books",
		[]schema.FieldInput{field("a", "string", schema.KeyFilterIndex, true)})
	require.NoError(t, err)

	ok, err := f.store(t).AcquireLock(ctx, k.ID, "other-worker", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	assert.Equal(t, Busy, res.Outcome)
	assert.True(t, f.reload(t, k.ID).IsLocked())
	assert.Empty(t, f.indexNames(t, k.ID))

	holder, err := f.store(t).LockHolder(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, "other-worker", holder)
}

func TestRunMigration_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, err := f.editor.CreateKlass(ctx, testTenant, "books",
		[]schema.FieldInput{field("a", "string", schema.KeyFilterIndex, true)})
	require.NoError(t, err)

	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	require.Equal(t, Committed, res.Outcome)

	res, err = f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, ReasonNotLocked, res.Reason)

	holder, err := f.store(t).LockHolder(ctx, k.ID)
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestRunMigration_KlassDeletedDuringMigration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, err := f.editor.CreateKlass(ctx, testTenant, "books",
		[]schema.FieldInput{field("a", "string", schema.KeyFilterIndex, true)})
	require.NoError(t, err)

	f.orch.beforeFinalize = func(id int64) {
		require.NoError(t, f.editor.DeleteKlass(ctx, testTenant, id))
	}

	res, err := f.orch.RunMigration(ctx, testTenant, k.ID)
	require.NoError(t, err)
	assert.Equal(t, RolledBack, res.Outcome)
	assert.Equal(t, ReasonKlassDeleted, res.Reason)
	assert.Empty(t, f.indexNames(t, k.ID))

	_, err = f.store(t).GetKlass(ctx, k.ID)
	assert.Equal(t, errors.CodeKlassNotFound, errors.GetCode(err))
}

func TestRunMigration_CancelledLeavesKlassLocked(t *testing.T) {
	f := newFixture(t)

	k, err := f.editor.CreateKlass(context.Background(), testTenant, "books",
		[]schema.FieldInput{field("a", "string", schema.KeyFilterIndex, true)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.orch.RunMigration(ctx, testTenant, k.ID)
	require.Error(t, err)
	assert.True(t, f.reload(t, k.ID).IsLocked())
}

func TestDeleteClassIndexes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k := f.createKlass(t, "books",
		field("a", "string", schema.KeyFilterIndex, true),
		field("b", "integer", schema.KeyOrderIndex, true))
	other := f.createKlass(t, "authors", field("a", "string", schema.KeyFilterIndex, true))
	require.Len(t, f.indexNames(t, k.ID), 2)

	require.NoError(t, f.editor.DeleteKlass(ctx, testTenant, k.ID))

	dropped, err := f.orch.DeleteClassIndexes(ctx, testTenant, k.ID)
	require.NoError(t, err)
	assert.Len(t, dropped, 2)
	assert.Empty(t, f.indexNames(t, k.ID))
	assert.Len(t, f.indexNames(t, other.ID), 1)

	dropped, err = f.orch.DeleteClassIndexes(ctx, testTenant, k.ID)
	require.NoError(t, err)
	assert.Empty(t, dropped)

	dropped, err = f.orch.DeleteClassIndexes(ctx, "ghost", k.ID)
	require.NoError(t, err)
	assert.Nil(t, dropped)
}

func TestDeleteClassIndexes_LockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k := f.createKlass(t, "books", field("a", "string", schema.KeyFilterIndex, true))
	ok, err := f.store(t).AcquireLock(ctx, k.ID, "other-worker", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.orch.DeleteClassIndexes(ctx, testTenant, k.ID)
	assert.Equal(t, errors.CodeLockHeld, errors.GetCode(err))
	assert.True(t, errors.IsRetryable(err))
	assert.Len(t, f.indexNames(t, k.ID), 1)
}

func TestStripMissingIndexes(t *testing.T) {
	s := types.Schema{
		{Name: "a", Type: types.FieldString, FilterIndex: true, Unique: true},
		{Name: "b", Type: types.FieldString, FilterIndex: true, Unique: true},
		{Name: "c", Type: types.FieldInteger, OrderIndex: true, FilterIndex: true},
	}
	mapping := types.Mapping{"a": "1_a", "b": "1_b", "c": "1_c"}
	existing := types.ExistingIndexes{
		Filter: []string{"1_a", "1_b", "1_c"},
		Unique: []string{"1_a"},
	}

	got := stripMissingIndexes(s, mapping, existing)
	assert.Equal(t, types.Schema{
		{Name: "a", Type: types.FieldString, FilterIndex: true, Unique: true},
		{Name: "b", Type: types.FieldString, FilterIndex: true},
		{Name: "c", Type: types.FieldInteger, FilterIndex: true},
	}, got)
	assert.True(t, s[1].Unique, "input must not be modified")
}
