package types

import (
	"sort"
	"time"
)

// LockState is the migration state of a klass.
type LockState string

const (
	Unlocked LockState = "unlocked"
	Locked   LockState = "locked"
)

// Klass is a tenant-defined class: a schema plus the bookkeeping that maps it
// onto the shared physical objects table.
type Klass struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Schema          Schema          `json:"schema"`
	Mapping         Mapping         `json:"mapping"`
	ExistingIndexes ExistingIndexes `json:"existing_indexes"`
	IndexChanges    *IndexChanges   `json:"index_changes"`
	LockState       LockState       `json:"lock_state"`
	Revision        int64           `json:"revision"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsLocked reports whether an index migration is pending for the klass.
func (k *Klass) IsLocked() bool {
	return k.IndexChanges != nil
}

// Clone returns a deep copy of the klass.
func (k *Klass) Clone() *Klass {
	cp := *k
	cp.Schema = k.Schema.Clone()
	cp.Mapping = k.Mapping.Clone()
	cp.ExistingIndexes = k.ExistingIndexes.Clone()
	cp.IndexChanges = k.IndexChanges.Clone()
	return &cp
}

// ExistingIndexes lists the physical keys whose indexes are confirmed
// present in the store. Unique is a subset of Filter.
type ExistingIndexes struct {
	Filter []string `json:"filter"`
	Order  []string `json:"order"`
	Unique []string `json:"unique,omitempty"`
}

// Keys returns the keys indexed for the given class.
func (e ExistingIndexes) Keys(class IndexClass) []string {
	switch class {
	case IndexFilter:
		return e.Filter
	case IndexOrder:
		return e.Order
	}
	return nil
}

// Has reports whether key is indexed for class.
func (e ExistingIndexes) Has(class IndexClass, key string) bool {
	for _, k := range e.Keys(class) {
		if k == key {
			return true
		}
	}
	return false
}

// IsUnique reports whether key carries a unique filter index.
func (e ExistingIndexes) IsUnique(key string) bool {
	for _, k := range e.Unique {
		if k == key {
			return true
		}
	}
	return false
}

// Add records key for class, keeping the lists sorted and free of duplicates.
func (e *ExistingIndexes) Add(class IndexClass, key string, unique bool) {
	switch class {
	case IndexFilter:
		e.Filter = addKey(e.Filter, key)
		if unique {
			e.Unique = addKey(e.Unique, key)
		}
	case IndexOrder:
		e.Order = addKey(e.Order, key)
	}
}

// Remove forgets key for class.
func (e *ExistingIndexes) Remove(class IndexClass, key string) {
	switch class {
	case IndexFilter:
		e.Filter = removeKey(e.Filter, key)
		e.Unique = removeKey(e.Unique, key)
	case IndexOrder:
		e.Order = removeKey(e.Order, key)
	}
}

// Clone returns an independent copy.
func (e ExistingIndexes) Clone() ExistingIndexes {
	return ExistingIndexes{
		Filter: append([]string{}, e.Filter...),
		Order:  append([]string{}, e.Order...),
		Unique: append([]string(nil), e.Unique...),
	}
}

func addKey(keys []string, key string) []string {
	i := sort.SearchStrings(keys, key)
	if i < len(keys) && keys[i] == key {
		return keys
	}
	out := make([]string, 0, len(keys)+1)
	out = append(out, keys[:i]...)
	out = append(out, key)
	return append(out, keys[i:]...)
}

func removeKey(keys []string, key string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}

// AddOp creates one index.
type AddOp struct {
	Key        string    `json:"key"`
	ColumnType string    `json:"column_type"`
	FieldType  FieldType `json:"field_type"`
	Unique     bool      `json:"unique,omitempty"`
}

// RemoveOp drops one index.
type RemoveOp struct {
	Key       string    `json:"key"`
	FieldType FieldType `json:"field_type"`
}

// ClassChanges groups the operations of one index class.
type ClassChanges struct {
	Add    []AddOp    `json:"+,omitempty"`
	Remove []RemoveOp `json:"-,omitempty"`
}

// Empty reports whether no operation is pending.
func (c ClassChanges) Empty() bool {
	return len(c.Add) == 0 && len(c.Remove) == 0
}

// IndexChanges is a pending index migration.
type IndexChanges struct {
	Filter ClassChanges `json:"filter"`
	Order  ClassChanges `json:"order"`
}

// For returns the changes of the given class.
func (c *IndexChanges) For(class IndexClass) ClassChanges {
	switch class {
	case IndexFilter:
		return c.Filter
	case IndexOrder:
		return c.Order
	}
	return ClassChanges{}
}

// Set replaces the changes of the given class.
func (c *IndexChanges) Set(class IndexClass, changes ClassChanges) {
	switch class {
	case IndexFilter:
		c.Filter = changes
	case IndexOrder:
		c.Order = changes
	}
}

// Empty reports whether the migration has nothing to do.
func (c *IndexChanges) Empty() bool {
	return c == nil || (c.Filter.Empty() && c.Order.Empty())
}

// Clone returns a deep copy, or nil for nil changes.
func (c *IndexChanges) Clone() *IndexChanges {
	if c == nil {
		return nil
	}
	return &IndexChanges{
		Filter: ClassChanges{
			Add:    append([]AddOp(nil), c.Filter.Add...),
			Remove: append([]RemoveOp(nil), c.Filter.Remove...),
		},
		Order: ClassChanges{
			Add:    append([]AddOp(nil), c.Order.Add...),
			Remove: append([]RemoveOp(nil), c.Order.Remove...),
		},
	}
}

// OpCount returns the total number of pending operations.
func (c *IndexChanges) OpCount() int {
	if c == nil {
		return 0
	}
	return len(c.Filter.Add) + len(c.Filter.Remove) + len(c.Order.Add) + len(c.Order.Remove)
}
