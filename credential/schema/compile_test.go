package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeipuuv/gojsonschema"
)

func emailSubject() map[string]Field {
	return map[string]Field{
		"email": {Type: TypeString, Format: "email"},
	}
}

func TestCompileDeterministic(t *testing.T) {
	validFrom := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := CompileInput{
		Subject:   emailSubject(),
		Required:  []string{"email"},
		Title:     "Employee badge",
		Types:     []string{"VerifiableCredential", "EmployeeBadge"},
		ValidFrom: &validFrom,
	}

	first, err := Compile(in)
	require.NoError(t, err)

	second, err := Compile(in)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Changing any tenant field changes the output.
	in.Subject["email"] = Field{Type: TypeString}
	third, err := Compile(in)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestCompileEnvelope(t *testing.T) {
	validUntil := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	compiled, err := Compile(CompileInput{
		Subject:    emailSubject(),
		Required:   []string{"email"},
		Title:      "Employee badge",
		Types:      []string{"VerifiableCredential"},
		ValidUntil: &validUntil,
	})
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(compiled, &doc))

	assert.Equal(t, "Employee badge", doc["title"])
	assert.ElementsMatch(t,
		[]interface{}{"@context", "type", "issuer", "credentialSubject", "credentialSchema", "validUntil"},
		doc["required"])

	properties := doc["properties"].(map[string]interface{})
	for _, key := range []string{"@context", "type", "issuer", "id", "credentialSubject", "credentialSchema", "proof", "validUntil"} {
		assert.Contains(t, properties, key)
	}

	subject := properties["credentialSubject"].(map[string]interface{})
	subjectProps := subject["properties"].(map[string]interface{})
	assert.Contains(t, subjectProps, "id")
	assert.Contains(t, subjectProps, "email")
	assert.Equal(t, []interface{}{"id", "email"}, subject["required"])

	validUntilProp := properties["validUntil"].(map[string]interface{})
	assert.Equal(t, "2027-01-01T00:00:00Z", validUntilProp["const"])
}

func TestCompileRejections(t *testing.T) {
	tests := []struct {
		name string
		in   CompileInput
	}{
		{name: "Missing title", in: CompileInput{Types: []string{"VerifiableCredential"}}},
		{name: "Missing types", in: CompileInput{Title: "Badge"}},
		{
			name: "Reserved subject field",
			in: CompileInput{
				Title:   "Badge",
				Types:   []string{"VerifiableCredential"},
				Subject: map[string]Field{"id": {Type: TypeString}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestCompiledSchemaValidatesCredential(t *testing.T) {
	compiled, err := Compile(CompileInput{
		Subject:  emailSubject(),
		Required: []string{"email"},
		Title:    "Employee badge",
		Types:    []string{"VerifiableCredential"},
	})
	require.NoError(t, err)

	credential := map[string]interface{}{
		"@context": []string{"https://www.w3.org/ns/credentials/v2"},
		"id":       "urn:uuid:1234",
		"type":     []string{"VerifiableCredential"},
		"issuer":   "did:loki:issuer",
		"credentialSubject": map[string]interface{}{
			"id":    "did:loki:subject",
			"email": "a@b.com",
		},
		"credentialSchema": map[string]interface{}{
			"id":   "urn:uuid:form-1",
			"type": "JsonSchema",
		},
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(compiled),
		gojsonschema.NewGoLoader(credential),
	)
	require.NoError(t, err)
	assert.True(t, result.Valid(), "validation errors: %v", result.Errors())

	// A subject id that is not a DID must be rejected.
	credential["credentialSubject"].(map[string]interface{})["id"] = "not-a-did"
	result, err = gojsonschema.Validate(
		gojsonschema.NewBytesLoader(compiled),
		gojsonschema.NewGoLoader(credential),
	)
	require.NoError(t, err)
	assert.False(t, result.Valid())
}
