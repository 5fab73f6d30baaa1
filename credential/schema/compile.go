package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JustSergioPB/loki-core/canonical"
)

const (
	metaSchema = "http://json-schema.org/draft-07/schema#"

	// DIDPattern constrains subject ids to DID syntax.
	DIDPattern = "^did:[a-z0-9]+:[a-zA-Z0-9._:%-]+$"
)

// CompileInput is the tenant-facing input of the compiler.
type CompileInput struct {
	Subject     map[string]Field
	Required    []string
	Title       string
	Description string
	Types       []string
	ValidFrom   *time.Time
	ValidUntil  *time.Time
}

// Compile produces the canonical, immutable credential schema for a tenant
// form: a JSON Schema document with the fixed envelope fields plus the
// tenant's subject fields merged in. It is a pure function of its input;
// identical inputs yield byte-identical output, which makes republishing
// checks idempotent.
func Compile(in CompileInput) ([]byte, error) {
	if in.Title == "" {
		return nil, fmt.Errorf("failed to compile schema: title is required")
	}
	if len(in.Types) == 0 {
		return nil, fmt.Errorf("failed to compile schema: at least one credential type is required")
	}

	subjectProps := map[string]interface{}{
		// The subject id always leads the tenant fields and must be a DID.
		"id": map[string]interface{}{
			"type":    "string",
			"pattern": DIDPattern,
		},
	}
	for name, field := range in.Subject {
		if name == "id" {
			return nil, fmt.Errorf("failed to compile schema: subject field %q is reserved", name)
		}
		encoded, err := fieldToMap(field)
		if err != nil {
			return nil, fmt.Errorf("failed to compile subject field %q: %w", name, err)
		}
		subjectProps[name] = encoded
	}

	properties := map[string]interface{}{
		"@context": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
		"id": map[string]interface{}{
			"type": "string",
		},
		"type": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
			"const": in.Types,
		},
		"issuer": map[string]interface{}{
			"type":    "string",
			"pattern": DIDPattern,
		},
		"credentialSubject": map[string]interface{}{
			"type":       "object",
			"properties": subjectProps,
			"required":   append([]string{"id"}, in.Required...),
		},
		"credentialSchema": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id":   map[string]interface{}{"type": "string"},
				"type": map[string]interface{}{"type": "string"},
			},
			"required": []string{"id", "type"},
		},
		"proof": map[string]interface{}{
			"type": "object",
		},
	}

	required := []string{"@context", "type", "issuer", "credentialSubject", "credentialSchema"}

	// Validity bounds are schema-level constants, not user-editable per
	// instance.
	if in.ValidFrom != nil {
		properties["validFrom"] = map[string]interface{}{
			"type":   "string",
			"format": "date-time",
			"const":  in.ValidFrom.UTC().Format(time.RFC3339),
		}
		required = append(required, "validFrom")
	}
	if in.ValidUntil != nil {
		properties["validUntil"] = map[string]interface{}{
			"type":   "string",
			"format": "date-time",
			"const":  in.ValidUntil.UTC().Format(time.RFC3339),
		}
		required = append(required, "validUntil")
	}

	doc := map[string]interface{}{
		"$schema":    metaSchema,
		"title":      in.Title,
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	if in.Description != "" {
		doc["description"] = in.Description
	}

	return canonical.MarshalJSON(doc)
}

// fieldToMap converts a Field to its generic JSON Schema representation.
func fieldToMap(field Field) (map[string]interface{}, error) {
	switch field.Type {
	case TypeString, TypeNumber, TypeBoolean, TypeArray, TypeObject, TypeNull:
	default:
		return nil, fmt.Errorf("unknown field type %q", field.Type)
	}

	encoded, err := json.Marshal(field)
	if err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}

	return out, nil
}
