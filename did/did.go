// Package did provides the decentralized-identifier domain logic: the DID
// document model, issuance of the root/organization/user delegation chain,
// verification-method revocation and key rotation, and store-backed
// resolution.
package did

import (
	"fmt"
	"time"
)

// Kind tags a DID document with its place in the delegation chain.
type Kind string

// Document kinds.
const (
	KindRoot         Kind = "root"
	KindOrganization Kind = "organization"
	KindUser         Kind = "user"
)

// RevocationReason explains why a verification method was revoked.
type RevocationReason string

// Revocation reasons.
const (
	ReasonCompromised RevocationReason = "compromised"
	ReasonRotated     RevocationReason = "rotated"
	ReasonSuperseded  RevocationReason = "superseded"
)

// VerificationMethod is a public key entry within a DID document.
type VerificationMethod struct {
	ID                 string           `json:"id"`
	Type               string           `json:"type"`
	Controller         []string         `json:"controller"`
	PublicKeyMultibase string           `json:"publicKeyMultibase"`
	Revoked            *time.Time       `json:"revoked,omitempty"`
	RevocationReason   RevocationReason `json:"revocationReason,omitempty"`
}

// Service is a discovery endpoint attached to a DID document. It carries no
// behavioral invariant.
type Service struct {
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// Document is a DID document. One concrete type covers all three kinds; the
// Kind tag drives which service endpoints and controller checks apply.
type Document struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	Controller         string               `json:"controller"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	AssertionMethod    []string             `json:"assertionMethod"`
	Service            []Service            `json:"service,omitempty"`

	Kind Kind `json:"-"`
}

// Active reports whether the document has at least one non-revoked
// verification method.
func (d *Document) Active() bool {
	for _, vm := range d.VerificationMethod {
		if vm.Revoked == nil {
			return true
		}
	}
	return false
}

// Method returns the verification method with the given id.
func (d *Document) Method(id string) (*VerificationMethod, error) {
	for i := range d.VerificationMethod {
		if d.VerificationMethod[i].ID == id {
			return &d.VerificationMethod[i], nil
		}
	}
	return nil, fmt.Errorf("verification method %s not found in document %s", id, d.ID)
}

// AssertionKey returns the active signing key: the first assertionMethod
// entry that resolves to a non-revoked verification method.
func (d *Document) AssertionKey() (*VerificationMethod, error) {
	for _, id := range d.AssertionMethod {
		vm, err := d.Method(id)
		if err != nil {
			return nil, err
		}
		if vm.Revoked == nil {
			return vm, nil
		}
	}
	return nil, fmt.Errorf("document %s has no active assertion method", d.ID)
}

// Validate checks the document's structural invariants: at least one
// verification method, and every assertionMethod entry resolving to a
// verification method in the same document.
func (d *Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if len(d.VerificationMethod) == 0 {
		return fmt.Errorf("document %s must have at least one verification method", d.ID)
	}
	for _, id := range d.AssertionMethod {
		if _, err := d.Method(id); err != nil {
			return fmt.Errorf("assertion method %s does not resolve: %w", id, err)
		}
	}
	return nil
}
