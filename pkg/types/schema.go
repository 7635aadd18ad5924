package types

import "strings"

// FieldType is the kind of a klass field.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldText      FieldType = "text"
	FieldInteger   FieldType = "integer"
	FieldFloat     FieldType = "float"
	FieldBoolean   FieldType = "boolean"
	FieldDatetime  FieldType = "datetime"
	FieldFile      FieldType = "file"
	FieldReference FieldType = "reference"
	FieldObject    FieldType = "object"
	FieldArray     FieldType = "array"
	FieldGeopoint  FieldType = "geopoint"
	FieldRelation  FieldType = "relation"
)

// FieldTypes lists every supported field type in declaration order.
var FieldTypes = []FieldType{
	FieldString, FieldText, FieldInteger, FieldFloat, FieldBoolean, FieldDatetime,
	FieldFile, FieldReference, FieldObject, FieldArray, FieldGeopoint, FieldRelation,
}

// ParseFieldType returns the field type matching s case-insensitively.
func ParseFieldType(s string) (FieldType, bool) {
	ft := FieldType(strings.ToLower(s))
	for _, known := range FieldTypes {
		if ft == known {
			return ft, true
		}
	}
	return "", false
}

// IndexClass identifies an independent index concern over a field.
type IndexClass string

const (
	IndexFilter IndexClass = "filter"
	IndexOrder  IndexClass = "order"
)

// IndexClasses lists index classes in the order migrations apply them.
var IndexClasses = []IndexClass{IndexFilter, IndexOrder}

// FieldDefinition is one entry of a klass schema.
type FieldDefinition struct {
	// Name is the logical field name, unique within a schema
	Name string `json:"name"`

	// Type is the normalized (lower-case) field type
	Type FieldType `json:"type"`

	// OrderIndex requests a sort index
	OrderIndex bool `json:"order_index,omitempty"`

	// FilterIndex requests a lookup index
	FilterIndex bool `json:"filter_index,omitempty"`

	// Unique requests a unique filter index; implies FilterIndex
	Unique bool `json:"unique,omitempty"`

	// Target names the referenced klass for reference and relation fields
	Target string `json:"target,omitempty"`
}

// HasIndex reports whether the field requests an index of the given class.
func (f FieldDefinition) HasIndex(class IndexClass) bool {
	switch class {
	case IndexFilter:
		return f.FilterIndex
	case IndexOrder:
		return f.OrderIndex
	}
	return false
}

// SameStorage reports whether two definitions may share a physical key:
// the name, type and every non-index attribute must be equal.
func (f FieldDefinition) SameStorage(other FieldDefinition) bool {
	return f.Name == other.Name &&
		f.Type == other.Type &&
		f.Target == other.Target
}

// WithoutIndexes returns a copy of the field with all index flags cleared.
func (f FieldDefinition) WithoutIndexes() FieldDefinition {
	f.OrderIndex = false
	f.FilterIndex = false
	f.Unique = false
	return f
}

// Schema is an ordered list of field definitions.
type Schema []FieldDefinition

// ByName indexes the schema by field name.
func (s Schema) ByName() map[string]FieldDefinition {
	m := make(map[string]FieldDefinition, len(s))
	for _, f := range s {
		m[f.Name] = f
	}
	return m
}

// Clone returns an independent copy of the schema.
func (s Schema) Clone() Schema {
	if s == nil {
		return nil
	}
	out := make(Schema, len(s))
	copy(out, s)
	return out
}

// Equal compares two schemas field by field, including order.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Mapping maps logical field names to physical storage keys.
type Mapping map[string]string

// Clone returns an independent copy of the mapping.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
