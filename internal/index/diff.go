package index

import (
	"sort"

	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

// ColumnTypeFunc resolves the physical column type of a field type.
type ColumnTypeFunc func(types.FieldType) string

// ComputeDiff returns the index operations that take a klass from oldSchema
// to newSchema, and the index catalog as it will look once the removals are
// applied. A nil change set means no migration is needed.
//
// Indexes are identified by physical key and class. A field whose key is
// already indexed is carried forward without an operation, unless its filter
// index differs in uniqueness from what the field asks for; such a key is
// removed and added again with the new uniqueness. Every indexed key in
// existing that no field of newSchema wants is removed, including keys left
// behind by an earlier rolled back migration.
func ComputeDiff(
	oldSchema, newSchema types.Schema,
	oldMapping, newMapping types.Mapping,
	existing types.ExistingIndexes,
	columnType ColumnTypeFunc,
) (*types.IndexChanges, types.ExistingIndexes) {
	changes := &types.IndexChanges{}
	projected := existing.Clone()

	oldTypes := make(map[string]types.FieldType, len(oldSchema))
	for _, f := range oldSchema {
		if key, ok := oldMapping[f.Name]; ok {
			oldTypes[key] = f.Type
		}
	}

	for _, class := range types.IndexClasses {
		var cc types.ClassChanges
		wanted := make(map[string]bool)
		removed := make(map[string]bool)

		remove := func(key string, ft types.FieldType) {
			if removed[key] {
				return
			}
			removed[key] = true
			cc.Remove = append(cc.Remove, types.RemoveOp{Key: key, FieldType: ft})
			projected.Remove(class, key)
		}

		for _, f := range newSchema {
			if !f.HasIndex(class) {
				continue
			}
			key, ok := newMapping[f.Name]
			if !ok || wanted[key] {
				continue
			}
			wanted[key] = true
			unique := class == types.IndexFilter && f.Unique
			if existing.Has(class, key) {
				if class != types.IndexFilter || existing.IsUnique(key) == unique {
					continue
				}
				remove(key, f.Type)
			}
			cc.Add = append(cc.Add, types.AddOp{
				Key:        key,
				ColumnType: columnType(f.Type),
				FieldType:  f.Type,
				Unique:     unique,
			})
		}

		for _, f := range oldSchema {
			if !f.HasIndex(class) {
				continue
			}
			key, ok := oldMapping[f.Name]
			if !ok || wanted[key] {
				continue
			}
			remove(key, f.Type)
		}

		unclaimed := make([]string, 0)
		for _, key := range existing.Keys(class) {
			if !wanted[key] && !removed[key] {
				unclaimed = append(unclaimed, key)
			}
		}
		sort.Strings(unclaimed)
		for _, key := range unclaimed {
			remove(key, oldTypes[key])
		}

		changes.Set(class, cc)
	}

	if changes.Empty() {
		return nil, projected
	}
	return changes, projected
}
