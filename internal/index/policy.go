package index

import (
	"fmt"

	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

// ActionType represents the type of index action to perform.
type ActionType string

const (
	ActionCreate ActionType = "CREATE"
	ActionDrop   ActionType = "DROP"
)

// Action is one DDL step of a migration.
type Action struct {
	Type       ActionType
	Class      types.IndexClass
	Key        string
	FieldType  types.FieldType
	ColumnType string
	Unique     bool
	Concurrent bool

	// Exact limits a filter drop to the variant selected by Unique. Otherwise
	// both the unique and the plain filter index of the key are dropped.
	Exact bool
}

// IndexNames returns the names of the indexes the action creates or drops.
func (a Action) IndexNames(klassID int64) []string {
	if a.Type == ActionDrop && a.Class == types.IndexFilter && !a.Exact {
		return []string{Name(klassID, a.Class, a.Key, false), Name(klassID, a.Class, a.Key, true)}
	}
	return []string{Name(klassID, a.Class, a.Key, a.Unique)}
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s index on %s", a.Type, a.Class, a.Key)
}

// AddOp returns the addition the action was planned from.
func (a Action) AddOp() types.AddOp {
	return types.AddOp{Key: a.Key, ColumnType: a.ColumnType, FieldType: a.FieldType, Unique: a.Unique}
}

// Plan orders pending changes into actions: every addition (filter, then
// order) before any removal, so a retyped field briefly has both indexes
// rather than neither.
//
// With concurrent set, builds and drops are requested in non-blocking mode,
// except the first unique addition, which is built in blocking mode.
//
// A filter removal of a key that is added again in the same change set only
// drops the index of the other uniqueness.
func Plan(changes *types.IndexChanges, concurrent bool) []Action {
	if changes.Empty() {
		return nil
	}

	actions := make([]Action, 0, changes.OpCount())
	readded := make(map[string]bool)
	for _, op := range changes.Filter.Add {
		readded[op.Key] = op.Unique
	}
	uniqueSeen := false
	for _, class := range types.IndexClasses {
		for _, op := range changes.For(class).Add {
			mode := concurrent
			if op.Unique && !uniqueSeen {
				uniqueSeen = true
				mode = false
			}
			actions = append(actions, Action{
				Type:       ActionCreate,
				Class:      class,
				Key:        op.Key,
				FieldType:  op.FieldType,
				ColumnType: op.ColumnType,
				Unique:     op.Unique,
				Concurrent: mode,
			})
		}
	}
	for _, class := range types.IndexClasses {
		for _, op := range changes.For(class).Remove {
			a := Action{
				Type:       ActionDrop,
				Class:      class,
				Key:        op.Key,
				FieldType:  op.FieldType,
				Concurrent: concurrent,
			}
			if unique, ok := readded[op.Key]; ok && class == types.IndexFilter {
				a.Unique, a.Exact = !unique, true
			}
			actions = append(actions, a)
		}
	}
	return actions
}
