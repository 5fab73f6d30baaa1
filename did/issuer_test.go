package did

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JustSergioPB/loki-core/keystore"
	"github.com/JustSergioPB/loki-core/storage"
)

func newTestIssuer(t *testing.T) (*Issuer, *Resolver) {
	t.Helper()

	store, err := storage.Open(":memory:", slog.Default())
	require.NoError(t, err)

	keys, err := keystore.New(store, keystore.Config{Passphrase: "test-passphrase"}, slog.Default())
	require.NoError(t, err)

	issuer := NewIssuer(store, keys, Config{BaseURL: "https://loki.example.com"}, slog.Default())

	return issuer, NewResolver(store)
}

func TestIssueRoot(t *testing.T) {
	issuer, resolver := newTestIssuer(t)
	ctx := context.Background()

	doc, err := issuer.Issue(ctx, KindRoot, nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(doc.ID, "did:loki:"))
	assert.Equal(t, doc.ID, doc.Controller)
	require.Len(t, doc.VerificationMethod, 1)
	assert.Equal(t, doc.ID+"#key-0", doc.VerificationMethod[0].ID)
	assert.Equal(t, []string{doc.ID + "#key-0"}, doc.AssertionMethod)
	require.Len(t, doc.Service, 1)
	assert.Equal(t, "LinkedDomains", doc.Service[0].Type)
	assert.True(t, doc.Active())

	resolved, err := resolver.Resolve(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, KindRoot, resolved.Kind)
	assert.Equal(t, doc.VerificationMethod[0].PublicKeyMultibase, resolved.VerificationMethod[0].PublicKeyMultibase)
}

func TestDelegationChain(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	ctx := context.Background()

	root, err := issuer.Issue(ctx, KindRoot, nil)
	require.NoError(t, err)

	org, err := issuer.Issue(ctx, KindOrganization, []string{root.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{root.ID}, org.VerificationMethod[0].Controller)

	user, err := issuer.Issue(ctx, KindUser, []string{org.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{org.ID}, user.VerificationMethod[0].Controller)
}

func TestDelegationChainEnforced(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	ctx := context.Background()

	root, err := issuer.Issue(ctx, KindRoot, nil)
	require.NoError(t, err)

	org, err := issuer.Issue(ctx, KindOrganization, []string{root.ID})
	require.NoError(t, err)

	tests := []struct {
		name        string
		kind        Kind
		controllers []string
	}{
		{name: "Organization without controller", kind: KindOrganization, controllers: nil},
		{name: "Organization with unknown controller", kind: KindOrganization, controllers: []string{"did:loki:missing"}},
		{name: "Organization controlled by organization", kind: KindOrganization, controllers: []string{org.ID}},
		{name: "User without controller", kind: KindUser, controllers: nil},
		{name: "User controlled by root", kind: KindUser, controllers: []string{root.ID}},
		{name: "Root with controller", kind: KindRoot, controllers: []string{root.ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Issue(ctx, tt.kind, tt.controllers)
			assert.ErrorIs(t, err, ErrInvalidDelegation)
		})
	}
}

func TestRevoke(t *testing.T) {
	issuer, resolver := newTestIssuer(t)
	ctx := context.Background()

	doc, err := issuer.Issue(ctx, KindRoot, nil)
	require.NoError(t, err)
	vmID := doc.VerificationMethod[0].ID

	updated, err := issuer.Revoke(ctx, doc, vmID, ReasonCompromised)
	require.NoError(t, err)

	// The input document is not mutated.
	assert.Nil(t, doc.VerificationMethod[0].Revoked)
	require.NotNil(t, updated.VerificationMethod[0].Revoked)
	assert.Equal(t, ReasonCompromised, updated.VerificationMethod[0].RevocationReason)
	assert.False(t, updated.Active())

	// Resolution of the revoked method fails.
	_, _, err = resolver.PublicKey(ctx, vmID)
	assert.ErrorIs(t, err, keystore.ErrKeyRevoked)
}

func TestRotateKey(t *testing.T) {
	issuer, resolver := newTestIssuer(t)
	ctx := context.Background()

	doc, err := issuer.Issue(ctx, KindRoot, nil)
	require.NoError(t, err)

	rotated, err := issuer.RotateKey(ctx, doc)
	require.NoError(t, err)

	require.Len(t, rotated.VerificationMethod, 2)
	assert.NotNil(t, rotated.VerificationMethod[0].Revoked)
	assert.Equal(t, ReasonRotated, rotated.VerificationMethod[0].RevocationReason)

	active, err := rotated.AssertionKey()
	require.NoError(t, err)
	assert.Equal(t, doc.ID+"#key-1", active.ID)
	assert.True(t, rotated.Active())

	// The fresh key resolves; the rotated one is refused.
	_, _, err = resolver.PublicKey(ctx, active.ID)
	require.NoError(t, err)
	_, _, err = resolver.PublicKey(ctx, doc.ID+"#key-0")
	assert.ErrorIs(t, err, keystore.ErrKeyRevoked)
}

func TestResolveUnknownDID(t *testing.T) {
	_, resolver := newTestIssuer(t)

	_, err := resolver.Resolve(context.Background(), "did:loki:missing")
	assert.ErrorIs(t, err, ErrDIDNotFound)
}
