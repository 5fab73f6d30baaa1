package did

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JustSergioPB/loki-core/keystore"
	"github.com/JustSergioPB/loki-core/storage"
)

var (
	// ErrDIDNotFound is returned when a DID cannot be resolved.
	ErrDIDNotFound = errors.New("DID not found")
	// ErrInvalidDelegation is returned when the controller chain does not
	// match the kind being issued.
	ErrInvalidDelegation = errors.New("invalid delegation chain")
)

// Config holds issuance settings. Method names the DID method segment;
// BaseURL seeds the kind-specific service endpoints.
type Config struct {
	Method    string
	BaseURL   string
	Algorithm string
}

// Issuer mints DID documents bound to freshly generated key pairs and
// persists them keyed by DID string.
type Issuer struct {
	store  *storage.Store
	keys   *keystore.KeyStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewIssuer creates an Issuer. The zero values of cfg default to the "loki"
// method and Ed25519 keys.
func NewIssuer(store *storage.Store, keys *keystore.KeyStore, cfg Config, log *slog.Logger) *Issuer {
	if cfg.Method == "" {
		cfg.Method = "loki"
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = keystore.AlgorithmEd25519
	}
	if log == nil {
		log = slog.Default()
	}

	return &Issuer{
		store:  store,
		keys:   keys,
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}
}

// Issue mints a fresh DID of the given kind, generates one key pair labeled
// "{did}#key-0", builds the document with that method in both
// verificationMethod and assertionMethod, and persists document and key in
// one transaction.
//
// The delegation chain is enforced here: an organization DID must be issued
// with a root DID's identifier in controllers, and a user DID with an
// organization DID's identifier.
func (i *Issuer) Issue(ctx context.Context, kind Kind, controllers []string) (*Document, error) {
	if err := i.checkDelegation(ctx, kind, controllers); err != nil {
		return nil, err
	}

	id := fmt.Sprintf("did:%s:%s", i.cfg.Method, uuid.NewString())
	vmID := id + "#key-0"

	vmControllers := controllers
	if kind == KindRoot {
		vmControllers = []string{id}
	}

	var doc *Document
	err := i.store.WithContext(ctx).Transaction(func(tx *storage.Store) error {
		pub, err := i.keys.Bind(tx).GenerateKeyPair(vmID, i.cfg.Algorithm)
		if err != nil {
			return err
		}

		doc = &Document{
			Context: []string{
				"https://www.w3.org/ns/did/v1",
				"https://w3id.org/security/multikey/v1",
			},
			ID:         id,
			Controller: id,
			VerificationMethod: []VerificationMethod{{
				ID:                 vmID,
				Type:               pub.Type,
				Controller:         vmControllers,
				PublicKeyMultibase: pub.PublicKeyMultibase,
			}},
			AssertionMethod: []string{vmID},
			Service:         i.services(kind, id),
			Kind:            kind,
		}

		return saveDocument(tx, doc, true)
	})
	if err != nil {
		return nil, err
	}

	i.logger.Info("DID issued", "did", id, "kind", kind)

	return doc, nil
}

// Revoke marks the given verification method revoked and disables its key in
// custody. It returns the updated document; the input is not mutated.
func (i *Issuer) Revoke(ctx context.Context, doc *Document, vmID string, reason RevocationReason) (*Document, error) {
	updated := *doc
	updated.VerificationMethod = append([]VerificationMethod(nil), doc.VerificationMethod...)

	vm, err := updated.Method(vmID)
	if err != nil {
		return nil, err
	}
	if vm.Revoked != nil {
		return &updated, nil
	}

	now := i.now().UTC()
	vm.Revoked = &now
	vm.RevocationReason = reason

	err = i.store.WithContext(ctx).Transaction(func(tx *storage.Store) error {
		if err := i.keys.Bind(tx).Revoke(vmID); err != nil {
			return err
		}
		return saveDocument(tx, &updated, false)
	})
	if err != nil {
		return nil, err
	}

	i.logger.Info("verification method revoked", "did", doc.ID, "method", vmID, "reason", reason)

	return &updated, nil
}

// RotateKey revokes the document's active assertion key with reason
// "rotated" and adds a freshly generated verification method in its place.
func (i *Issuer) RotateKey(ctx context.Context, doc *Document) (*Document, error) {
	active, err := doc.AssertionKey()
	if err != nil {
		return nil, err
	}
	activeID := active.ID

	updated := *doc
	updated.VerificationMethod = append([]VerificationMethod(nil), doc.VerificationMethod...)
	vmID := fmt.Sprintf("%s#key-%d", doc.ID, len(doc.VerificationMethod))

	err = i.store.WithContext(ctx).Transaction(func(tx *storage.Store) error {
		keys := i.keys.Bind(tx)

		if err := keys.Revoke(activeID); err != nil {
			return err
		}
		now := i.now().UTC()
		prior, err := updated.Method(activeID)
		if err != nil {
			return err
		}
		prior.Revoked = &now
		prior.RevocationReason = ReasonRotated

		pub, err := keys.GenerateKeyPair(vmID, i.cfg.Algorithm)
		if err != nil {
			return err
		}

		updated.VerificationMethod = append(updated.VerificationMethod, VerificationMethod{
			ID:                 vmID,
			Type:               pub.Type,
			Controller:         prior.Controller,
			PublicKeyMultibase: pub.PublicKeyMultibase,
		})
		updated.AssertionMethod = append([]string{vmID}, updated.AssertionMethod...)

		return saveDocument(tx, &updated, false)
	})
	if err != nil {
		return nil, err
	}

	i.logger.Info("key rotated", "did", doc.ID, "method", vmID)

	return &updated, nil
}

func (i *Issuer) checkDelegation(ctx context.Context, kind Kind, controllers []string) error {
	switch kind {
	case KindRoot:
		if len(controllers) > 0 {
			return fmt.Errorf("%w: root DIDs are self-controlled", ErrInvalidDelegation)
		}
		return nil
	case KindOrganization:
		return i.requireController(ctx, controllers, KindRoot, "organization DIDs require a root controller")
	case KindUser:
		return i.requireController(ctx, controllers, KindOrganization, "user DIDs require an organization controller")
	default:
		return fmt.Errorf("unknown DID kind: %s", kind)
	}
}

func (i *Issuer) requireController(ctx context.Context, controllers []string, want Kind, msg string) error {
	if len(controllers) == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDelegation, msg)
	}
	for _, controller := range controllers {
		rec, err := i.store.WithContext(ctx).GetDIDDocument(controller)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: controller %s: %s", ErrInvalidDelegation, controller, msg)
			}
			return err
		}
		if Kind(rec.Kind) != want {
			return fmt.Errorf("%w: controller %s is a %s DID: %s", ErrInvalidDelegation, controller, rec.Kind, msg)
		}
	}
	return nil
}

func (i *Issuer) services(kind Kind, id string) []Service {
	switch kind {
	case KindRoot:
		return []Service{{Type: "LinkedDomains", ServiceEndpoint: i.cfg.BaseURL}}
	case KindOrganization:
		return []Service{{Type: "CredentialIssuance", ServiceEndpoint: i.cfg.BaseURL + "/credentials"}}
	case KindUser:
		return []Service{{Type: "CredentialStorage", ServiceEndpoint: i.cfg.BaseURL + "/wallet"}}
	default:
		return nil
	}
}

func saveDocument(tx *storage.Store, doc *Document, create bool) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal DID document: %w", err)
	}

	rec := &storage.DIDDocument{
		DID:      doc.ID,
		Kind:     string(doc.Kind),
		Document: encoded,
	}
	if create {
		return tx.CreateDIDDocument(rec)
	}

	existing, err := tx.GetDIDDocument(doc.ID)
	if err != nil {
		return err
	}
	existing.Document = encoded
	existing.Kind = string(doc.Kind)
	return tx.SaveDIDDocument(existing)
}
