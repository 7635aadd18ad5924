// Package schema validates klass schema definitions and resolves the mapping
// from logical field names to physical storage keys.
package schema

import (
	"strings"

	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

// Field definition keys accepted in a candidate schema.
const (
	KeyName        = "name"
	KeyType        = "type"
	KeyOrderIndex  = "order_index"
	KeyFilterIndex = "filter_index"
	KeyUnique      = "unique"
	KeyTarget      = "target"
)

// Target sentinels for reference and relation fields.
const (
	TargetSelf = "self"
	TargetUser = "user"

	// forbiddenTarget is the plural user collection name, which is never a
	// valid target; "user" must be used instead.
	forbiddenTarget = "users"
)

// Capability describes what a field type supports.
type Capability struct {
	Filter bool // filter_index allowed
	Order  bool // order_index allowed
	Unique bool // unique allowed
	Target bool // target required
}

var capabilities = map[types.FieldType]Capability{
	types.FieldString:    {Filter: true, Order: true, Unique: true},
	types.FieldText:      {},
	types.FieldInteger:   {Filter: true, Order: true, Unique: true},
	types.FieldFloat:     {Filter: true, Order: true, Unique: true},
	types.FieldBoolean:   {Filter: true, Order: true},
	types.FieldDatetime:  {Filter: true, Order: true, Unique: true},
	types.FieldFile:      {},
	types.FieldReference: {Filter: true, Order: true, Target: true},
	types.FieldObject:    {},
	types.FieldArray:     {Filter: true},
	types.FieldGeopoint:  {Filter: true},
	types.FieldRelation:  {Filter: true, Target: true},
}

// CapabilityOf returns the capability of a field type. Unknown types support nothing.
func CapabilityOf(ft types.FieldType) Capability {
	return capabilities[ft]
}

// Allows reports whether an index of the given class may be requested.
func (c Capability) Allows(class types.IndexClass) bool {
	switch class {
	case types.IndexFilter:
		return c.Filter
	case types.IndexOrder:
		return c.Order
	}
	return false
}

// KeyAllowed reports whether key may appear in a definition of this type.
func (c Capability) KeyAllowed(key string) bool {
	switch key {
	case KeyName, KeyType:
		return true
	case KeyFilterIndex:
		return c.Filter
	case KeyOrderIndex:
		return c.Order
	case KeyUnique:
		return c.Unique
	case KeyTarget:
		return c.Target
	}
	return false
}

// indexKey reports whether key is an index flag. Index flags outside the
// allowed set are pruned when false instead of rejected.
func indexKey(key string) bool {
	return key == KeyFilterIndex || key == KeyOrderIndex || key == KeyUnique
}

// reservedNames collide with built-in data object attributes.
var reservedNames = map[string]struct{}{
	"id":                {},
	"created_at":        {},
	"updated_at":        {},
	"revision":          {},
	"owner":             {},
	"owner_permissions": {},
	"group":             {},
	"group_permissions": {},
	"other_permissions": {},
	"channel":           {},
	"channel_room":      {},
	"expected_revision": {},
	"links":             {},
	"acl":               {},
	"klass":             {},
	"data":              {},
}

// IsReservedName reports whether name is protected, case-insensitively.
func IsReservedName(name string) bool {
	_, ok := reservedNames[strings.ToLower(name)]
	return ok
}
