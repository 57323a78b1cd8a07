// Package validate checks replicated documents against an explicit schema
// descriptor before they are applied locally.
package validate

import (
	"fmt"
	"math"
	"os"
	"reflect"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/surrealdb/surrealsync/pkg/models"
)

// Validator reports whether doc is acceptable for collection. For update
// events doc holds only the changed fields and required checks are skipped.
type Validator interface {
	Validate(doc models.Document, collection string, op models.ChangeType) (bool, []string)
}

// AllowAll accepts every document.
type AllowAll struct{}

func (AllowAll) Validate(models.Document, string, models.ChangeType) (bool, []string) {
	return true, nil
}

type FieldType string

const (
	TypeAny     FieldType = ""
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBool    FieldType = "bool"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
	TypeDate    FieldType = "date"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeAny, TypeString, TypeNumber, TypeInteger, TypeBool, TypeObject, TypeArray, TypeDate:
		return true
	}
	return false
}

type FieldRule struct {
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required"`
	Enum     []any     `yaml:"enum"`
	Min      *float64  `yaml:"min"`
	Max      *float64  `yaml:"max"`
}

type CollectionSchema struct {
	// Strict rejects fields that have no rule.
	Strict bool                 `yaml:"strict"`
	Fields map[string]FieldRule `yaml:"fields"`
}

// Schema maps collection names to their rules. Collections without an
// entry are accepted as-is.
type Schema struct {
	Collections map[string]CollectionSchema `yaml:"collections"`
}

func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("validate: parse schema: %w", err)
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return &s, nil
}

func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("validate: read schema: %w", err)
	}
	return ParseSchema(data)
}

func (s *Schema) check() error {
	for coll, cs := range s.Collections {
		for field, rule := range cs.Fields {
			if !rule.Type.valid() {
				return fmt.Errorf("validate: %s.%s: unknown type %q", coll, field, rule.Type)
			}
			if rule.Min != nil && rule.Max != nil && *rule.Min > *rule.Max {
				return fmt.Errorf("validate: %s.%s: min is greater than max", coll, field)
			}
		}
	}
	return nil
}

type SchemaValidator struct {
	schema *Schema
}

var _ Validator = (*SchemaValidator)(nil)

func NewSchemaValidator(schema *Schema) *SchemaValidator {
	if schema == nil {
		schema = &Schema{}
	}
	return &SchemaValidator{schema: schema}
}

func (v *SchemaValidator) Validate(doc models.Document, collection string, op models.ChangeType) (bool, []string) {
	cs, ok := v.schema.Collections[collection]
	if !ok || op == models.ChangeDelete {
		return true, nil
	}

	var errs []string
	if op != models.ChangeUpdate {
		for _, name := range sortedKeys(cs.Fields) {
			if !cs.Fields[name].Required {
				continue
			}
			if val, present := doc[name]; !present || val == nil {
				errs = append(errs, fmt.Sprintf("%s: required", name))
			}
		}
	}

	fields := make([]string, 0, len(doc))
	for name := range doc {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	for _, name := range fields {
		if name == models.IDField {
			continue
		}
		rule, ok := cs.Fields[name]
		if !ok {
			if cs.Strict {
				errs = append(errs, fmt.Sprintf("%s: unknown field", name))
			}
			continue
		}
		if val := doc[name]; val != nil {
			errs = append(errs, checkField(name, rule, val)...)
		}
	}
	return len(errs) == 0, errs
}

func checkField(name string, rule FieldRule, val any) []string {
	var errs []string
	if !matchesType(rule.Type, val) {
		return []string{fmt.Sprintf("%s: expected %s, got %T", name, rule.Type, val)}
	}
	if len(rule.Enum) > 0 && !inEnum(rule.Enum, val) {
		errs = append(errs, fmt.Sprintf("%s: %v is not one of %v", name, val, rule.Enum))
	}
	if rule.Min != nil || rule.Max != nil {
		n, ok := measure(val)
		if !ok {
			return append(errs, fmt.Sprintf("%s: cannot apply range to %T", name, val))
		}
		if rule.Min != nil && n < *rule.Min {
			errs = append(errs, fmt.Sprintf("%s: %v is below minimum %v", name, n, *rule.Min))
		}
		if rule.Max != nil && n > *rule.Max {
			errs = append(errs, fmt.Sprintf("%s: %v is above maximum %v", name, n, *rule.Max))
		}
	}
	return errs
}

func matchesType(t FieldType, val any) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString:
		_, ok := val.(string)
		return ok
	case TypeNumber:
		_, ok := toFloat(val)
		return ok
	case TypeInteger:
		f, ok := toFloat(val)
		return ok && f == math.Trunc(f)
	case TypeBool:
		_, ok := val.(bool)
		return ok
	case TypeObject:
		switch val.(type) {
		case map[string]any, models.Document:
			return true
		}
		return false
	case TypeArray:
		_, ok := val.([]any)
		return ok
	case TypeDate:
		switch v := val.(type) {
		case time.Time:
			return !v.IsZero()
		case string:
			_, err := time.Parse(time.RFC3339Nano, v)
			return err == nil
		}
		return false
	}
	return false
}

// measure returns the number range checks apply to: the value for numbers
// and the length for strings and arrays.
func measure(val any) (float64, bool) {
	if f, ok := toFloat(val); ok {
		return f, true
	}
	switch v := val.(type) {
	case string:
		return float64(len([]rune(v))), true
	case []any:
		return float64(len(v)), true
	}
	return 0, false
}

func toFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case interface{ Float64() (float64, error) }:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// inEnum compares numbers by value so a YAML int matches a JSON float.
func inEnum(enum []any, val any) bool {
	vf, vnum := toFloat(val)
	for _, e := range enum {
		if ef, ok := toFloat(e); ok {
			if vnum && ef == vf {
				return true
			}
			continue
		}
		if reflect.TypeOf(e) == reflect.TypeOf(val) && reflect.DeepEqual(e, val) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]FieldRule) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
