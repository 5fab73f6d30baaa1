package did

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JustSergioPB/loki-core/keystore"
	"github.com/JustSergioPB/loki-core/storage"
)

// Resolver resolves DID documents and verification-method public keys from
// the record store.
type Resolver struct {
	store *storage.Store
}

// NewResolver creates a store-backed Resolver.
func NewResolver(store *storage.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve fetches the document for a DID.
func (r *Resolver) Resolve(ctx context.Context, id string) (*Document, error) {
	rec, err := r.store.WithContext(ctx).GetDIDDocument(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDIDNotFound, id)
		}
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(rec.Document, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DID document %s: %w", id, err)
	}
	doc.Kind = Kind(rec.Kind)

	return &doc, nil
}

// PublicKey resolves a verification-method URL ("{did}#key-N") to its
// multibase public key and algorithm type. Revoked methods fail with
// keystore.ErrKeyRevoked.
func (r *Resolver) PublicKey(ctx context.Context, vmID string) (publicKeyMultibase, algorithm string, err error) {
	didPart, _, found := strings.Cut(vmID, "#")
	if !found || didPart == "" {
		return "", "", fmt.Errorf("invalid verification method URL: %s", vmID)
	}

	doc, err := r.Resolve(ctx, didPart)
	if err != nil {
		return "", "", err
	}

	vm, err := doc.Method(vmID)
	if err != nil {
		return "", "", err
	}
	if vm.Revoked != nil {
		return "", "", fmt.Errorf("verification method %s: %w", vmID, keystore.ErrKeyRevoked)
	}

	return vm.PublicKeyMultibase, vm.Type, nil
}
