package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JustSergioPB/loki-core/canonical"
	"github.com/JustSergioPB/loki-core/did"
	"github.com/JustSergioPB/loki-core/keystore"
	"github.com/JustSergioPB/loki-core/multibase"
	"github.com/JustSergioPB/loki-core/storage"
)

// ErrMalformedProof is returned when a signed payload carries no usable
// proof block.
var ErrMalformedProof = errors.New("malformed proof")

// Verifier checks signed credential payloads against the issuer's DID
// document.
type Verifier struct {
	resolver *did.Resolver
	keys     *keystore.KeyStore
}

// NewVerifier creates a Verifier resolving verification methods from the
// given store.
func NewVerifier(store *storage.Store, keys *keystore.KeyStore) *Verifier {
	return &Verifier{resolver: did.NewResolver(store), keys: keys}
}

// Verify reports whether the payload's proof is a valid signature by the
// proof's verification method. A revoked method fails with
// keystore.ErrKeyRevoked; a well-formed payload with a wrong signature
// returns (false, nil).
func (v *Verifier) Verify(ctx context.Context, content []byte) (bool, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(content, &payload); err != nil {
		return false, fmt.Errorf("failed to decode credential payload: %w", err)
	}

	proof, ok := payload["proof"].(map[string]interface{})
	if !ok {
		return false, fmt.Errorf("%w: missing proof block", ErrMalformedProof)
	}
	proofValue, ok := proof["proofValue"].(string)
	if !ok || proofValue == "" {
		return false, fmt.Errorf("%w: missing proofValue", ErrMalformedProof)
	}
	vmID, ok := proof["verificationMethod"].(string)
	if !ok || vmID == "" {
		return false, fmt.Errorf("%w: missing verificationMethod", ErrMalformedProof)
	}

	publicKey, algorithm, err := v.resolver.PublicKey(ctx, vmID)
	if err != nil {
		return false, err
	}

	_, signature, err := multibase.Decode(proofValue)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}

	// The signature covers the canonical payload with proofValue blanked.
	proof["proofValue"] = ""
	signingInput, err := canonicalize(payload, proof)
	if err != nil {
		return false, err
	}
	proof["proofValue"] = proofValue

	return v.keys.Verify(publicKey, algorithm, signingInput, signature)
}

// canonicalize picks the canonicalization the proof's cryptosuite demands:
// rdfc suites normalize to URDNA2015 N-Quads, everything else to sorted-key
// JSON.
func canonicalize(payload, proof map[string]interface{}) ([]byte, error) {
	suite, _ := proof["cryptosuite"].(string)
	switch suite {
	case "eddsa-rdfc-2022", "ecdsa-rdfc-2019":
		return canonical.MarshalRDF(payload)
	default:
		return canonical.MarshalJSON(payload)
	}
}
