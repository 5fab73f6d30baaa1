// Package schema compiles tenant-authored field schemas into canonical,
// immutable credential schemas, and validates claim values against them.
//
// The authoring model is a closed set of field types (string, number,
// boolean, array, object, null) with per-type constraints. Validation and
// default-value generation switch exhaustively over that set; there is no
// stringly-typed dispatch beyond the type tag itself.
package schema

import (
	"fmt"
	"net/mail"
	"net/url"
	"reflect"
	"regexp"
	"time"
)

// FieldType is the type tag of a field schema.
type FieldType string

// Field types.
const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
	TypeNull    FieldType = "null"
)

// Field is one node of a tenant-authored subject schema. Which constraint
// fields apply depends on Type; the rest stay nil.
type Field struct {
	Type        FieldType `json:"type"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`

	Enum  []interface{} `json:"enum,omitempty"`
	Const interface{}   `json:"const,omitempty"`

	// String constraints.
	Format    string `json:"format,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	MinLength *int   `json:"minLength,omitempty"`
	MaxLength *int   `json:"maxLength,omitempty"`

	// Number constraints.
	Minimum          *float64 `json:"minimum,omitempty"`
	Maximum          *float64 `json:"maximum,omitempty"`
	ExclusiveMinimum *float64 `json:"exclusiveMinimum,omitempty"`
	ExclusiveMaximum *float64 `json:"exclusiveMaximum,omitempty"`

	// Array constraints.
	Items    *Field `json:"items,omitempty"`
	MinItems *int   `json:"minItems,omitempty"`
	MaxItems *int   `json:"maxItems,omitempty"`

	// Object constraints.
	Properties map[string]Field `json:"properties,omitempty"`
	Required   []string         `json:"required,omitempty"`
}

// ValidationError identifies the offending field when a claim value does not
// satisfy its schema.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed at %s: %s", e.Path, e.Reason)
}

func fail(path, format string, args ...interface{}) error {
	return &ValidationError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a decoded JSON value against the field schema. The value
// must come from encoding/json: numbers are float64, objects are
// map[string]interface{}.
func (f *Field) Validate(path string, value interface{}) error {
	if f.Const != nil && !reflect.DeepEqual(value, f.Const) {
		return fail(path, "must equal const %v", f.Const)
	}
	if len(f.Enum) > 0 {
		found := false
		for _, allowed := range f.Enum {
			if reflect.DeepEqual(value, allowed) {
				found = true
				break
			}
		}
		if !found {
			return fail(path, "value %v is not in enum", value)
		}
	}

	switch f.Type {
	case TypeString:
		return f.validateString(path, value)
	case TypeNumber:
		return f.validateNumber(path, value)
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return fail(path, "expected boolean, got %T", value)
		}
		return nil
	case TypeArray:
		return f.validateArray(path, value)
	case TypeObject:
		return f.validateObject(path, value)
	case TypeNull:
		if value != nil {
			return fail(path, "expected null, got %T", value)
		}
		return nil
	default:
		return fail(path, "unknown field type %q", f.Type)
	}
}

func (f *Field) validateString(path string, value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return fail(path, "expected string, got %T", value)
	}
	if f.MinLength != nil && len(s) < *f.MinLength {
		return fail(path, "length %d is below minLength %d", len(s), *f.MinLength)
	}
	if f.MaxLength != nil && len(s) > *f.MaxLength {
		return fail(path, "length %d exceeds maxLength %d", len(s), *f.MaxLength)
	}
	if f.Pattern != "" {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return fail(path, "invalid pattern %q: %v", f.Pattern, err)
		}
		if !re.MatchString(s) {
			return fail(path, "value does not match pattern %q", f.Pattern)
		}
	}
	if f.Format != "" {
		if err := validateFormat(s, f.Format); err != nil {
			return fail(path, "%v", err)
		}
	}
	return nil
}

func validateFormat(s, format string) error {
	switch format {
	case "email":
		if _, err := mail.ParseAddress(s); err != nil {
			return fmt.Errorf("value %q is not a valid email", s)
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return fmt.Errorf("value %q is not a valid RFC 3339 date-time", s)
		}
	case "date":
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return fmt.Errorf("value %q is not a valid date", s)
		}
	case "uri":
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("value %q is not a valid URI", s)
		}
	default:
		// Unknown formats are annotations, not assertions.
	}
	return nil
}

func (f *Field) validateNumber(path string, value interface{}) error {
	n, ok := value.(float64)
	if !ok {
		return fail(path, "expected number, got %T", value)
	}
	if f.Minimum != nil && n < *f.Minimum {
		return fail(path, "value %v is below minimum %v", n, *f.Minimum)
	}
	if f.Maximum != nil && n > *f.Maximum {
		return fail(path, "value %v exceeds maximum %v", n, *f.Maximum)
	}
	if f.ExclusiveMinimum != nil && n <= *f.ExclusiveMinimum {
		return fail(path, "value %v is not above exclusiveMinimum %v", n, *f.ExclusiveMinimum)
	}
	if f.ExclusiveMaximum != nil && n >= *f.ExclusiveMaximum {
		return fail(path, "value %v is not below exclusiveMaximum %v", n, *f.ExclusiveMaximum)
	}
	return nil
}

func (f *Field) validateArray(path string, value interface{}) error {
	arr, ok := value.([]interface{})
	if !ok {
		return fail(path, "expected array, got %T", value)
	}
	if f.MinItems != nil && len(arr) < *f.MinItems {
		return fail(path, "length %d is below minItems %d", len(arr), *f.MinItems)
	}
	if f.MaxItems != nil && len(arr) > *f.MaxItems {
		return fail(path, "length %d exceeds maxItems %d", len(arr), *f.MaxItems)
	}
	if f.Items != nil {
		for i, item := range arr {
			if err := f.Items.Validate(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Field) validateObject(path string, value interface{}) error {
	obj, ok := value.(map[string]interface{})
	if !ok {
		return fail(path, "expected object, got %T", value)
	}
	for _, name := range f.Required {
		if _, present := obj[name]; !present {
			return fail(path+"."+name, "required field is missing")
		}
	}
	for name, sub := range f.Properties {
		v, present := obj[name]
		if !present {
			continue
		}
		if err := sub.Validate(path+"."+name, v); err != nil {
			return err
		}
	}
	return nil
}

// Default generates the default claims value for the field: const or first
// enum entry when declared, otherwise the zero-ish value of the type. Used by
// callers to prefill credential forms.
func (f *Field) Default() interface{} {
	if f.Const != nil {
		return f.Const
	}
	if len(f.Enum) > 0 {
		return f.Enum[0]
	}

	switch f.Type {
	case TypeString:
		return ""
	case TypeNumber:
		if f.Minimum != nil {
			return *f.Minimum
		}
		return float64(0)
	case TypeBoolean:
		return false
	case TypeArray:
		return []interface{}{}
	case TypeObject:
		obj := make(map[string]interface{}, len(f.Properties))
		for name, sub := range f.Properties {
			obj[name] = sub.Default()
		}
		return obj
	case TypeNull:
		return nil
	default:
		return nil
	}
}
