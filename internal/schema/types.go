// Package schema implements the versioned Schema Registry: the sole owner of
// entity type definitions. The registry grows additively - a required field
// that is in use by persisted records can be widened or made optional, but
// never removed or narrowed.
package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldType is the semantic type of an entity field.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeNumber    FieldType = "number"
	TypeBool      FieldType = "bool"
	TypeTimestamp FieldType = "timestamp"
	TypeReference FieldType = "reference" // holds another instance's ID
)

// ValidFieldType reports whether t is a known field type.
func ValidFieldType(t FieldType) bool {
	switch t {
	case TypeString, TypeNumber, TypeBool, TypeTimestamp, TypeReference:
		return true
	}
	return false
}

// Field describes one field of an entity type.
type Field struct {
	Name     string      `json:"name" yaml:"name"`
	Type     FieldType   `json:"type" yaml:"type"`
	Required bool        `json:"required" yaml:"required"`
	Default  interface{} `json:"default,omitempty" yaml:"default,omitempty"`

	// Reference names the target entity type when Type is "reference".
	Reference string `json:"reference,omitempty" yaml:"reference,omitempty"`
}

// EntityType is a named record shape. Belongs to exactly one registry version;
// registry snapshots are copied on write, so an EntityType value is immutable
// once handed out.
type EntityType struct {
	Name   string  `json:"name" yaml:"name"`
	Fields []Field `json:"fields" yaml:"fields"`
}

// Field returns the named field definition.
func (t EntityType) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// clone returns a deep copy of the type.
func (t EntityType) clone() EntityType {
	out := EntityType{Name: t.Name, Fields: make([]Field, len(t.Fields))}
	copy(out.Fields, t.Fields)
	return out
}

// Violation describes one schema constraint failure for a record.
type Violation struct {
	Field   string
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// ValidateRecord checks a field map against the type and collects every
// violation rather than stopping at the first. Unknown fields are violations;
// missing optional fields are not.
func (t EntityType) ValidateRecord(fields map[string]interface{}) []Violation {
	var violations []Violation

	for _, f := range t.Fields {
		raw, ok := fields[f.Name]
		if !ok || raw == nil {
			if f.Required && f.Default == nil {
				violations = append(violations, Violation{Field: f.Name, Message: "required field missing"})
			}
			continue
		}
		if _, err := CoerceValue(f, raw); err != nil {
			violations = append(violations, Violation{Field: f.Name, Message: err.Error()})
		}
	}

	for name := range fields {
		if _, ok := t.Field(name); !ok {
			violations = append(violations, Violation{Field: name, Message: "field not defined in schema"})
		}
	}

	return violations
}

// ApplyDefaults returns a copy of fields with type defaults filled in and
// values coerced to their canonical Go representation. Call only after
// ValidateRecord reported no violations.
func (t EntityType) ApplyDefaults(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(t.Fields))
	for _, f := range t.Fields {
		raw, ok := fields[f.Name]
		if !ok || raw == nil {
			if f.Default != nil {
				out[f.Name] = f.Default
			}
			continue
		}
		if v, err := CoerceValue(f, raw); err == nil {
			out[f.Name] = v
		} else {
			out[f.Name] = raw
		}
	}
	return out
}

// CoerceValue converts raw into the field's canonical representation:
// string for string/reference, float64 for number, bool for bool, and
// RFC 3339 string for timestamp. Returns an error when the value cannot be
// coerced without loss.
func CoerceValue(f Field, raw interface{}) (interface{}, error) {
	switch f.Type {
	case TypeString, TypeReference:
		switch v := raw.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		case bool:
			return strconv.FormatBool(v), nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to %s", raw, f.Type)
		}
	case TypeNumber:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to number", v)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to number", raw)
		}
	case TypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to bool", v)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to bool", raw)
		}
	case TypeTimestamp:
		switch v := raw.(type) {
		case string:
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				return nil, fmt.Errorf("cannot parse %q as RFC3339 timestamp", v)
			}
			return v, nil
		case time.Time:
			return v.UTC().Format(time.RFC3339), nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to timestamp", raw)
		}
	default:
		return nil, fmt.Errorf("unknown field type %q", f.Type)
	}
}

// widens reports whether changing from to to is a pure widening.
// Any type widens to string; everything else must match exactly.
func widens(from, to FieldType) bool {
	if from == to {
		return true
	}
	return to == TypeString && from != TypeReference
}
