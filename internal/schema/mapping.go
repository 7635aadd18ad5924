package schema

import (
	"strconv"

	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

// PhysicalKey returns the storage key minted for name at revision.
func PhysicalKey(revision int64, name string) string {
	return strconv.FormatInt(revision, 10) + "_" + name
}

// ResolveMapping computes the physical key of every field of newSchema.
// A field keeps its old key when a field of the same name existed in
// oldSchema with the same storage attributes; any other field gets a key
// minted from revision. Fields missing from newSchema are not carried over.
func ResolveMapping(oldSchema types.Schema, oldMapping types.Mapping, newSchema types.Schema, revision int64) types.Mapping {
	old := oldSchema.ByName()
	mapping := make(types.Mapping, len(newSchema))
	for _, f := range newSchema {
		if prev, ok := old[f.Name]; ok && prev.SameStorage(f) {
			if key, ok := oldMapping[f.Name]; ok {
				mapping[f.Name] = key
				continue
			}
		}
		mapping[f.Name] = PhysicalKey(revision, f.Name)
	}
	return mapping
}
