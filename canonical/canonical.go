// Package canonical produces deterministic serializations of structured
// payloads prior to signing, so signatures remain stable across process
// restarts and map iteration orders.
package canonical

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/piprate/json-gold/ld"
)

// MarshalJSON serializes a document deterministically: object keys are sorted
// lexicographically and no insignificant whitespace is emitted. Identical
// inputs produce byte-identical output.
func MarshalJSON(doc interface{}) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("failed to canonicalize document: document is nil")
	}

	// Round-trip through the generic representation so struct-typed inputs
	// are normalized the same way map inputs are.
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	var normalized interface{}
	if err := json.Unmarshal(encoded, &normalized); err != nil {
		return nil, fmt.Errorf("failed to normalize document: %w", err)
	}

	canonical, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal normalized document: %w", err)
	}

	return canonical, nil
}

// Digest computes the SHA-256 digest of the input data.
func Digest(data []byte) ([]byte, error) {
	if data == nil {
		return nil, fmt.Errorf("failed to compute digest: input data is nil")
	}
	hash := sha256.Sum256(data)
	return hash[:], nil
}

// defaultDocumentLoader is a shared caching loader to prevent repeated
// context fetches across function calls.
var defaultDocumentLoader ld.DocumentLoader

func init() {
	innerLoader := ld.NewDefaultDocumentLoader(nil)
	defaultDocumentLoader = ld.NewCachingDocumentLoader(innerLoader)
}

// MarshalRDF canonicalizes a JSON-LD document to URDNA2015 N-Quads. It is the
// interop path for RDF-based signature suites; the default proof path uses
// MarshalJSON.
func MarshalRDF(doc map[string]interface{}) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("failed to canonicalize document: document is nil")
	}

	processor := ld.NewJsonLdProcessor()
	options := ld.NewJsonLdOptions("")
	options.Format = "application/n-quads"
	options.Algorithm = ld.AlgorithmURDNA2015
	options.DocumentLoader = defaultDocumentLoader

	canonicalized, err := processor.Normalize(doc, options)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize document: %w", err)
	}

	return []byte(canonicalized.(string)), nil
}
