package manifest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Syncano/syncano-platform-sub000/internal/index"
	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

// ReconciliationReport contains the results of comparing the klass catalog
// against the indexes physically present in the tenant store.
type ReconciliationReport struct {
	// DanglingEntries are confirmed indexes that are missing from the store.
	DanglingEntries []DanglingEntry
	// OrphanedIndexes are klass indexes in the store that no klass accounts for.
	OrphanedIndexes []string
	// InFlight counts indexes belonging to pending migrations.
	InFlight int
	// TotalKlasses is the number of klasses checked.
	TotalKlasses int
	// TotalIndexes is the number of klass indexes found in the store.
	TotalIndexes int
	// RunAt is when the reconciliation was performed.
	RunAt time.Time
}

// DanglingEntry is an ExistingIndexes entry without a physical index.
type DanglingEntry struct {
	KlassID   int64
	Class     types.IndexClass
	Key       string
	IndexName string
}

// HasIssues returns true if the report contains any dangling entries or orphaned indexes.
func (r *ReconciliationReport) HasIssues() bool {
	return len(r.DanglingEntries) > 0 || len(r.OrphanedIndexes) > 0
}

// Reconcile checks consistency between the klass catalog and the store.
// Indexes named by a pending migration are neither dangling nor orphaned.
func (s *Store) Reconcile(ctx context.Context) (*ReconciliationReport, error) {
	report := &ReconciliationReport{RunAt: s.now()}

	klasses, err := s.ListKlasses(ctx)
	if err != nil {
		return nil, err
	}
	report.TotalKlasses = len(klasses)

	physical, err := s.dialect.ListIndexes(ctx, s.readDB, index.KlassPrefix)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: failed to list indexes: %w", err)
	}
	report.TotalIndexes = len(physical)
	present := make(map[string]bool, len(physical))
	for _, name := range physical {
		present[name] = true
	}

	accounted := make(map[string]bool)
	for _, k := range klasses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, class := range []types.IndexClass{types.IndexFilter, types.IndexOrder} {
			for _, key := range k.ExistingIndexes.Keys(class) {
				name := index.Name(k.ID, class, key, k.ExistingIndexes.IsUnique(key))
				accounted[name] = true
				if !present[name] {
					report.DanglingEntries = append(report.DanglingEntries, DanglingEntry{
						KlassID:   k.ID,
						Class:     class,
						Key:       key,
						IndexName: name,
					})
				}
			}
			if k.IndexChanges == nil {
				continue
			}
			for _, op := range k.IndexChanges.For(class).Add {
				name := index.Name(k.ID, class, op.Key, op.Unique)
				if !accounted[name] {
					accounted[name] = true
					report.InFlight++
				}
			}
		}
	}

	for _, name := range physical {
		if !accounted[name] {
			report.OrphanedIndexes = append(report.OrphanedIndexes, name)
		}
	}
	sort.Strings(report.OrphanedIndexes)

	return report, nil
}
