package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalJSONDeterministic(t *testing.T) {
	doc := map[string]interface{}{
		"issuer": "did:loki:issuer",
		"credentialSubject": map[string]interface{}{
			"name":  "John Doe",
			"email": "john@example.com",
		},
		"@context": []interface{}{"https://www.w3.org/ns/credentials/v2"},
	}

	first, err := MarshalJSON(doc)
	require.NoError(t, err)

	second, err := MarshalJSON(doc)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t,
		`{"@context":["https://www.w3.org/ns/credentials/v2"],"credentialSubject":{"email":"john@example.com","name":"John Doe"},"issuer":"did:loki:issuer"}`,
		string(first))
}

func TestMarshalJSONNormalizesStructs(t *testing.T) {
	type subject struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}

	fromStruct, err := MarshalJSON(subject{Name: "John Doe", Email: "john@example.com"})
	require.NoError(t, err)

	fromMap, err := MarshalJSON(map[string]interface{}{
		"email": "john@example.com",
		"name":  "John Doe",
	})
	require.NoError(t, err)

	assert.Equal(t, fromMap, fromStruct)
}

func TestMarshalJSONNilDocument(t *testing.T) {
	_, err := MarshalJSON(nil)
	assert.Error(t, err)
}

func TestMarshalRDF(t *testing.T) {
	doc := map[string]interface{}{
		"@context": map[string]interface{}{
			"name":  "http://schema.org/name",
			"email": "http://schema.org/email",
		},
		"name":  "John Doe",
		"email": "john@example.com",
	}

	first, err := MarshalRDF(doc)
	require.NoError(t, err)
	assert.Contains(t, string(first), "<http://schema.org/name> \"John Doe\"")

	second, err := MarshalRDF(doc)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = MarshalRDF(nil)
	assert.Error(t, err)
}

func TestDigest(t *testing.T) {
	digest, err := Digest([]byte("payload"))
	require.NoError(t, err)
	assert.Len(t, digest, 32)

	_, err = Digest(nil)
	assert.Error(t, err)
}
