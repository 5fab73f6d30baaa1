package storage

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(":memory:", slog.Default())
	require.NoError(t, err)
	return store
}

func strPtr(s string) *string { return &s }

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetDIDDocument("did:loki:missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetCredential("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetChallenge("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateKeyDuplicateLabel(t *testing.T) {
	store := newTestStore(t)

	rec := &Key{Label: "did:loki:abc#key-0", Algorithm: "Ed25519VerificationKey2020"}
	require.NoError(t, store.CreateKey(rec))

	err := store.CreateKey(&Key{Label: rec.Label})
	assert.ErrorIs(t, err, ErrDuplicateKeyLabel)
}

func TestBurnChallenge(t *testing.T) {
	store := newTestStore(t)

	rec := &Challenge{
		ID:           "ch-1",
		CredentialID: "cred-1",
		Code:         strPtr("123456"),
		ExpiresAt:    time.Now().Add(5 * time.Minute),
	}
	require.NoError(t, store.CreateChallenge(rec))

	burnt, err := store.BurnChallenge(rec.ID)
	require.NoError(t, err)
	assert.True(t, burnt)

	loaded, err := store.GetChallenge(rec.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.Code)

	// The compare-and-set refuses a second spend.
	burnt, err = store.BurnChallenge(rec.ID)
	require.NoError(t, err)
	assert.False(t, burnt)
}

func TestDeleteCredentialCascades(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateCredential(&Credential{ID: "cred-1", FormVersionID: "fv-1", IssuerDID: "did:loki:abc", Status: CredentialFilled}))
	require.NoError(t, store.CreateChallenge(&Challenge{ID: "ch-1", CredentialID: "cred-1", Code: strPtr("123456"), ExpiresAt: time.Now()}))
	require.NoError(t, store.CreatePresentation(&Presentation{ID: "pr-1", ChallengeID: "ch-1", Content: []byte(`{}`)}))

	require.NoError(t, store.DeleteCredential("cred-1"))

	_, err := store.GetCredential("cred-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetChallenge("ch-1")
	assert.ErrorIs(t, err, ErrNotFound)
	recs, err := store.ListPresentations("ch-1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestClearPresentations(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateCredential(&Credential{ID: "cred-1", FormVersionID: "fv-1", IssuerDID: "did:loki:abc", Status: CredentialPresented}))
	require.NoError(t, store.CreateChallenge(&Challenge{ID: "ch-1", CredentialID: "cred-1", ExpiresAt: time.Now()}))
	require.NoError(t, store.CreatePresentation(&Presentation{ID: "pr-1", ChallengeID: "ch-1", Content: []byte(`{"a":1}`)}))

	// A presentation on another credential's challenge must survive.
	require.NoError(t, store.CreateCredential(&Credential{ID: "cred-2", FormVersionID: "fv-1", IssuerDID: "did:loki:abc", Status: CredentialPresented}))
	require.NoError(t, store.CreateChallenge(&Challenge{ID: "ch-2", CredentialID: "cred-2", ExpiresAt: time.Now()}))
	require.NoError(t, store.CreatePresentation(&Presentation{ID: "pr-2", ChallengeID: "ch-2", Content: []byte(`{"b":2}`)}))

	require.NoError(t, store.ClearPresentations("cred-1"))

	cleared, err := store.ListPresentations("ch-1")
	require.NoError(t, err)
	require.Len(t, cleared, 1)
	assert.Nil(t, cleared[0].Content)

	kept, err := store.ListPresentations("ch-2")
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.NotNil(t, kept[0].Content)
}

func TestTransactionRollback(t *testing.T) {
	store := newTestStore(t)

	sentinel := errors.New("abort")
	err := store.Transaction(func(tx *Store) error {
		if err := tx.CreateCredential(&Credential{ID: "cred-1", FormVersionID: "fv-1", IssuerDID: "did:loki:abc", Status: CredentialCreated}); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	_, err = store.GetCredential("cred-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
