// Package index computes index migrations for klass schema edits and
// applies them to tenant stores.
package index

import (
	"fmt"

	"github.com/spaolacci/murmur3"

	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

// KlassPrefix is shared by the index names of all klasses.
const KlassPrefix = "idx_k"

// Prefix returns the name prefix shared by every index of a klass.
func Prefix(klassID int64) string {
	return fmt.Sprintf("%s%d_", KlassPrefix, klassID)
}

// uniqueTag marks unique filter indexes, so a key can move between a unique
// and a plain filter index with both briefly present.
const uniqueTag = 'u'

// Name returns the deterministic index name for key in the given class.
// Keys are hashed so names stay within identifier limits however long the
// field name is. Unique only applies to the filter class.
func Name(klassID int64, class types.IndexClass, key string, unique bool) string {
	tag := class[0]
	if unique && class == types.IndexFilter {
		tag = uniqueTag
	}
	return fmt.Sprintf("%s%c_%016x", Prefix(klassID), tag, murmur3.Sum64([]byte(key)))
}
