package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/Syncano/syncano-platform-sub000/internal/config"
	"github.com/Syncano/syncano-platform-sub000/internal/errors"
	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

const maxFieldNameLength = 64

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// FieldInput is one field definition of a candidate schema as submitted,
// before normalization. Keys are the JSON keys of a field definition.
type FieldInput map[string]any

// DecodeFields decodes a JSON array of field definitions.
func DecodeFields(data []byte) ([]FieldInput, error) {
	var fields []FieldInput
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrap(errors.ErrCategoryValidation, errors.CodeInvalidSchema,
			"schema must be a list of field definitions", err)
	}
	return fields, nil
}

// FieldInputs converts a typed schema back into candidate inputs.
func FieldInputs(s types.Schema) []FieldInput {
	out := make([]FieldInput, 0, len(s))
	for _, f := range s {
		in := FieldInput{KeyName: f.Name, KeyType: string(f.Type)}
		if f.FilterIndex {
			in[KeyFilterIndex] = true
		}
		if f.OrderIndex {
			in[KeyOrderIndex] = true
		}
		if f.Unique {
			in[KeyUnique] = true
		}
		if f.Target != "" {
			in[KeyTarget] = f.Target
		}
		out = append(out, in)
	}
	return out
}

// Registry resolves klass names for reference and relation targets.
type Registry interface {
	KlassExists(ctx context.Context, name string) (bool, error)
}

// Limits bounds what a schema may contain.
type Limits struct {
	MaxFields         int
	MaxIndexes        int
	MaxIndexesPerType map[types.FieldType]int
	IgnoredTargets    []string
}

// LimitsFromConfig converts configured limits.
func LimitsFromConfig(cfg config.LimitsConfig) Limits {
	perType := make(map[types.FieldType]int, len(cfg.MaxIndexesPerType))
	for name, n := range cfg.MaxIndexesPerType {
		if ft, ok := types.ParseFieldType(name); ok {
			perType[ft] = n
		}
	}
	return Limits{
		MaxFields:         cfg.MaxFields,
		MaxIndexes:        cfg.MaxIndexes,
		MaxIndexesPerType: perType,
		IgnoredTargets:    append([]string(nil), cfg.IgnoredTargets...),
	}
}

// Validator checks candidate schemas and normalizes them.
// It is safe for concurrent use.
type Validator struct {
	limits   Limits
	registry Registry
	ignored  map[string]struct{}
}

// NewValidator creates a validator. A nil registry accepts only the self and
// user sentinels and ignored targets.
func NewValidator(limits Limits, registry Registry) *Validator {
	ignored := make(map[string]struct{}, len(limits.IgnoredTargets))
	for _, t := range limits.IgnoredTargets {
		ignored[t] = struct{}{}
	}
	return &Validator{limits: limits, registry: registry, ignored: ignored}
}

// Validate checks candidate against the limits and against previous, the
// klass schema it replaces, and returns the normalized schema. The first
// offending field short-circuits validation.
func (v *Validator) Validate(ctx context.Context, candidate []FieldInput, previous types.Schema) (types.Schema, error) {
	if len(candidate) > v.limits.MaxFields {
		return nil, errors.NewValidationError(errors.CodeTooManyFields,
			fmt.Sprintf("schema has %d fields, at most %d allowed", len(candidate), v.limits.MaxFields)).
			WithDetails(map[string]interface{}{"count": len(candidate), "max": v.limits.MaxFields})
	}

	out := make(types.Schema, 0, len(candidate))
	targets := make([]any, 0, len(candidate))
	seen := make(map[string]struct{}, len(candidate))
	for i, in := range candidate {
		f, err := normalizeField(i, in, seen)
		if err != nil {
			return nil, err
		}
		seen[f.Name] = struct{}{}
		out = append(out, f)
		targets = append(targets, in[KeyTarget])
	}

	if err := v.checkIndexCounts(out); err != nil {
		return nil, err
	}

	prev := previous.ByName()
	for i, f := range out {
		if !f.Unique {
			continue
		}
		if p, ok := prev[f.Name]; ok && p.Type == f.Type && !p.Unique {
			return nil, errors.NewFieldError(errors.CodeUniqueOnExistingField, i, f.Name,
				"unique cannot be added to an existing field, delete and recreate it")
		}
	}

	for i := range out {
		if !CapabilityOf(out[i].Type).Target {
			continue
		}
		target, err := v.checkTarget(ctx, i, out[i].Name, targets[i])
		if err != nil {
			return nil, err
		}
		out[i].Target = target
	}

	return out, nil
}

// normalizeField checks a single definition in isolation.
func normalizeField(pos int, in FieldInput, seen map[string]struct{}) (types.FieldDefinition, error) {
	var f types.FieldDefinition

	name, ok := in[KeyName].(string)
	if !ok || len(name) == 0 || len(name) > maxFieldNameLength || !fieldNamePattern.MatchString(name) {
		return f, errors.NewFieldError(errors.CodeInvalidFieldName, pos, fmt.Sprint(in[KeyName]),
			fmt.Sprintf("name must match %s and be at most %d characters", fieldNamePattern, maxFieldNameLength))
	}
	if IsReservedName(name) {
		return f, errors.NewFieldError(errors.CodeReservedFieldName, pos, name, "name is reserved")
	}
	if _, dup := seen[name]; dup {
		return f, errors.NewFieldError(errors.CodeDuplicateFieldName, pos, name, "name is used more than once")
	}
	f.Name = name

	typeName, _ := in[KeyType].(string)
	ft, ok := types.ParseFieldType(typeName)
	if !ok {
		return f, errors.NewFieldError(errors.CodeInvalidFieldType, pos, name,
			fmt.Sprintf("unsupported type %v", in[KeyType]))
	}
	f.Type = ft
	capability := CapabilityOf(ft)

	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := in[key]
		if !capability.KeyAllowed(key) {
			if indexKey(key) && val == false {
				continue
			}
			return f, errors.NewFieldError(errors.CodeInvalidFieldKeys, pos, name,
				fmt.Sprintf("key %q is not allowed for type %s", key, ft))
		}
		if !indexKey(key) {
			continue
		}
		flag, ok := val.(bool)
		if !ok {
			return f, errors.NewFieldError(errors.CodeInvalidFieldKeys, pos, name,
				fmt.Sprintf("%s must be a boolean", key))
		}
		switch key {
		case KeyFilterIndex:
			f.FilterIndex = flag
		case KeyOrderIndex:
			f.OrderIndex = flag
		case KeyUnique:
			f.Unique = flag
		}
	}
	if f.Unique {
		f.FilterIndex = true
	}
	return f, nil
}

func (v *Validator) checkIndexCounts(s types.Schema) error {
	total := 0
	perType := make(map[types.FieldType]int)
	for i, f := range s {
		n := 0
		if f.FilterIndex {
			n++
		}
		if f.OrderIndex {
			n++
		}
		if n == 0 {
			continue
		}
		total += n
		if total > v.limits.MaxIndexes {
			return errors.NewFieldError(errors.CodeTooManyIndexes, i, f.Name,
				fmt.Sprintf("schema requests more than %d indexes", v.limits.MaxIndexes))
		}
		perType[f.Type] += n
		if limit, ok := v.limits.MaxIndexesPerType[f.Type]; ok && perType[f.Type] > limit {
			return errors.NewFieldError(errors.CodeTooManyIndexesForType, i, f.Name,
				fmt.Sprintf("at most %d indexes allowed for %s fields", limit, f.Type))
		}
	}
	return nil
}

func (v *Validator) checkTarget(ctx context.Context, pos int, name string, raw any) (string, error) {
	target, ok := raw.(string)
	if !ok || target == "" {
		return "", errors.NewFieldError(errors.CodeInvalidTarget, pos, name, "target is required")
	}
	if target == forbiddenTarget {
		return "", errors.NewFieldError(errors.CodeInvalidTarget, pos, name,
			fmt.Sprintf("target %q is not allowed, use %q", forbiddenTarget, TargetUser))
	}
	if target == TargetSelf || target == TargetUser {
		return target, nil
	}
	if _, ok := v.ignored[target]; ok {
		return target, nil
	}
	if v.registry == nil {
		return "", errors.NewFieldError(errors.CodeInvalidTarget, pos, name,
			fmt.Sprintf("target klass %q does not exist", target))
	}

	exists, err := v.registry.KlassExists(ctx, target)
	if err != nil {
		return "", errors.NewCatalogError(errors.CodeStorageFailed,
			fmt.Sprintf("failed to look up target klass %q", target), err)
	}
	if !exists {
		return "", errors.NewFieldError(errors.CodeInvalidTarget, pos, name,
			fmt.Sprintf("target klass %q does not exist", target))
	}
	return target, nil
}

// ValidateKlassName checks the name of a new klass. Target sentinels cannot
// be used as klass names.
func ValidateKlassName(name string) error {
	if len(name) == 0 || len(name) > maxFieldNameLength || !fieldNamePattern.MatchString(name) {
		return errors.NewValidationError(errors.CodeInvalidSchema,
			fmt.Sprintf("klass name must match %s and be at most %d characters", fieldNamePattern, maxFieldNameLength))
	}
	switch name {
	case TargetSelf, TargetUser, forbiddenTarget:
		return errors.NewValidationError(errors.CodeInvalidSchema, fmt.Sprintf("klass name %q is reserved", name))
	}
	return nil
}
