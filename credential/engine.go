// Package credential orchestrates the verifiable-credential lifecycle: form
// version publication, credential creation, claims filling, signing and the
// final signed-payload verification.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/JustSergioPB/loki-core/canonical"
	"github.com/JustSergioPB/loki-core/challenge"
	"github.com/JustSergioPB/loki-core/credential/schema"
	"github.com/JustSergioPB/loki-core/did"
	"github.com/JustSergioPB/loki-core/keystore"
	"github.com/JustSergioPB/loki-core/multibase"
	"github.com/JustSergioPB/loki-core/storage"
)

var (
	// ErrFormVersionNotPublished is returned when filling or issuing against
	// a form version that is not published.
	ErrFormVersionNotPublished = errors.New("form version not published")
	// ErrFormVersionFrozen is returned when a published form version would
	// compile to different bytes than its frozen schema.
	ErrFormVersionFrozen = errors.New("published form version is immutable")
	// ErrIssuerDIDNotFound is returned when the issuer DID cannot be
	// resolved.
	ErrIssuerDIDNotFound = errors.New("issuer DID not found")
	// ErrIncompleteCredential is returned when signing a credential whose
	// holder or claims are missing.
	ErrIncompleteCredential = errors.New("incomplete credential")
	// ErrInvalidStatus is returned when an operation does not apply to the
	// credential's current status.
	ErrInvalidStatus = errors.New("invalid credential status")
)

// Config holds engine settings. BaseURL is used only to build id fields of
// issued artifacts.
type Config struct {
	BaseURL string
}

// Engine drives the credential lifecycle state machine.
type Engine struct {
	store    *storage.Store
	keys     *keystore.KeyStore
	resolver *did.Resolver
	protocol *challenge.Protocol
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine sharing the given store, custody service and
// challenge protocol.
func NewEngine(store *storage.Store, keys *keystore.KeyStore, protocol *challenge.Protocol, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    store,
		keys:     keys,
		resolver: did.NewResolver(store),
		protocol: protocol,
		cfg:      cfg,
		logger:   log,
		now:      time.Now,
	}
}

// FormDefinition is the tenant-authored input of the schema compiler, as
// persisted alongside each form version.
type FormDefinition struct {
	Subject     map[string]schema.Field `json:"subject"`
	Required    []string                `json:"required,omitempty"`
	Title       string                  `json:"title"`
	Description string                  `json:"description,omitempty"`
	Types       []string                `json:"types"`
	ValidFrom   *time.Time              `json:"validFrom,omitempty"`
	ValidUntil  *time.Time              `json:"validUntil,omitempty"`
}

func (d *FormDefinition) compileInput() schema.CompileInput {
	return schema.CompileInput{
		Subject:     d.Subject,
		Required:    d.Required,
		Title:       d.Title,
		Description: d.Description,
		Types:       d.Types,
		ValidFrom:   d.ValidFrom,
		ValidUntil:  d.ValidUntil,
	}
}

// CreateFormVersion stores a new draft form version for a tenant-authored
// subject schema. The input is compiled immediately to surface authoring
// errors, but the compiled schema is only frozen on publish.
func (e *Engine) CreateFormVersion(ctx context.Context, def FormDefinition) (*storage.FormVersion, error) {
	if _, err := schema.Compile(def.compileInput()); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(&def)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal form definition: %w", err)
	}

	rec := &storage.FormVersion{
		ID:            uuid.NewString(),
		Title:         def.Title,
		Description:   def.Description,
		Status:        storage.FormVersionDraft,
		SubjectSchema: encoded,
	}
	if err := e.store.WithContext(ctx).CreateFormVersion(rec); err != nil {
		return nil, err
	}

	e.logger.Info("form version created", "form", rec.ID, "title", def.Title)

	return rec, nil
}

// PublishFormVersion compiles and freezes a form version's credential
// schema. Republishing is idempotent: a published version whose definition
// still compiles to the frozen bytes is returned unchanged, anything else is
// rejected.
func (e *Engine) PublishFormVersion(ctx context.Context, id string) (*storage.FormVersion, error) {
	store := e.store.WithContext(ctx)

	rec, err := store.GetFormVersion(id)
	if err != nil {
		return nil, err
	}
	if rec.Status == storage.FormVersionArchived {
		return nil, fmt.Errorf("failed to publish form version %s: %w", id, ErrInvalidStatus)
	}

	def, err := decodeDefinition(rec)
	if err != nil {
		return nil, err
	}
	compiled, err := schema.Compile(def.compileInput())
	if err != nil {
		return nil, err
	}

	if rec.Status == storage.FormVersionPublished {
		if !bytes.Equal(compiled, rec.CredentialSchema) {
			return nil, fmt.Errorf("failed to publish form version %s: %w", id, ErrFormVersionFrozen)
		}
		return rec, nil
	}

	now := e.now().UTC()
	rec.CredentialSchema = compiled
	rec.Status = storage.FormVersionPublished
	rec.PublishedAt = &now
	if err := store.SaveFormVersion(rec); err != nil {
		return nil, err
	}

	e.logger.Info("form version published", "form", rec.ID)

	return rec, nil
}

// ArchiveFormVersion retires a form version. Archived versions cannot issue
// new credentials; existing credentials keep referencing the frozen schema.
func (e *Engine) ArchiveFormVersion(ctx context.Context, id string) (*storage.FormVersion, error) {
	store := e.store.WithContext(ctx)

	rec, err := store.GetFormVersion(id)
	if err != nil {
		return nil, err
	}
	rec.Status = storage.FormVersionArchived
	if err := store.SaveFormVersion(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Create starts a credential lifecycle against a published form version and
// the caller's issuer DID.
func (e *Engine) Create(ctx context.Context, formVersionID, issuerDID string) (*storage.Credential, error) {
	store := e.store.WithContext(ctx)

	fv, err := store.GetFormVersion(formVersionID)
	if err != nil {
		return nil, err
	}
	if fv.Status != storage.FormVersionPublished {
		return nil, fmt.Errorf("failed to create credential against form version %s: %w", formVersionID, ErrFormVersionNotPublished)
	}

	issuer, err := e.resolver.Resolve(ctx, issuerDID)
	if err != nil {
		if errors.Is(err, did.ErrDIDNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrIssuerDIDNotFound, issuerDID)
		}
		return nil, err
	}
	if !issuer.Active() {
		return nil, fmt.Errorf("%w: %s has no active verification methods", ErrIssuerDIDNotFound, issuerDID)
	}

	rec := &storage.Credential{
		ID:            uuid.NewString(),
		FormVersionID: formVersionID,
		IssuerDID:     issuerDID,
		Status:        storage.CredentialCreated,
	}
	if err := store.CreateCredential(rec); err != nil {
		return nil, err
	}

	e.logger.Info("credential created", "credential", rec.ID, "form", formVersionID, "issuer", issuerDID)

	return rec, nil
}

// SetClaims validates the subject data against the form's field schema and
// stores it, moving the credential to filled. Claims may be re-set until a
// holder presents.
func (e *Engine) SetClaims(ctx context.Context, credentialID string, claims map[string]interface{}) (*storage.Credential, error) {
	store := e.store.WithContext(ctx)

	rec, err := store.GetCredential(credentialID)
	if err != nil {
		return nil, err
	}
	if rec.Status != storage.CredentialCreated && rec.Status != storage.CredentialFilled {
		return nil, fmt.Errorf("failed to set claims on %s credential %s: %w", rec.Status, credentialID, ErrInvalidStatus)
	}

	fv, err := store.GetFormVersion(rec.FormVersionID)
	if err != nil {
		return nil, err
	}
	if fv.Status != storage.FormVersionPublished {
		return nil, fmt.Errorf("failed to set claims on credential %s: %w", credentialID, ErrFormVersionNotPublished)
	}

	def, err := decodeDefinition(fv)
	if err != nil {
		return nil, err
	}

	normalized, err := normalizeClaims(claims)
	if err != nil {
		return nil, err
	}

	subjectField := schema.Field{
		Type:       schema.TypeObject,
		Properties: def.Subject,
		Required:   def.Required,
	}
	if err := subjectField.Validate("credentialSubject", normalized); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal claims: %w", err)
	}
	rec.Claims = encoded
	rec.Status = storage.CredentialFilled
	if err := store.SaveCredential(rec); err != nil {
		return nil, err
	}

	e.logger.Debug("claims set", "credential", rec.ID)

	return rec, nil
}

// SetValidity assigns the credential's validity window. Schema-level
// validity constants, when present, take precedence at signing time.
func (e *Engine) SetValidity(ctx context.Context, credentialID string, from, until *time.Time) (*storage.Credential, error) {
	store := e.store.WithContext(ctx)

	rec, err := store.GetCredential(credentialID)
	if err != nil {
		return nil, err
	}
	if rec.Status != storage.CredentialCreated && rec.Status != storage.CredentialFilled {
		return nil, fmt.Errorf("failed to set validity on %s credential %s: %w", rec.Status, credentialID, ErrInvalidStatus)
	}
	if from != nil && until != nil && until.Before(*from) {
		return nil, fmt.Errorf("validity window ends before it starts")
	}

	rec.ValidFrom = from
	rec.ValidUntil = until
	if err := store.SaveCredential(rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// Delete hard-removes a credential with its challenges and presentations.
// Deletion is not a lifecycle transition; audit trailing is the surrounding
// application's concern.
func (e *Engine) Delete(ctx context.Context, credentialID string) error {
	if err := e.store.WithContext(ctx).DeleteCredential(credentialID); err != nil {
		return err
	}
	e.logger.Info("credential deleted", "credential", credentialID)
	return nil
}

func decodeDefinition(fv *storage.FormVersion) (*FormDefinition, error) {
	var def FormDefinition
	if err := json.Unmarshal(fv.SubjectSchema, &def); err != nil {
		return nil, fmt.Errorf("failed to decode form definition %s: %w", fv.ID, err)
	}
	return &def, nil
}

// normalizeClaims round-trips claims through JSON so numeric and nested
// values take the shapes the validator expects.
func normalizeClaims(claims map[string]interface{}) (map[string]interface{}, error) {
	encoded, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal claims: %w", err)
	}
	var normalized map[string]interface{}
	if err := json.Unmarshal(encoded, &normalized); err != nil {
		return nil, fmt.Errorf("failed to normalize claims: %w", err)
	}
	return normalized, nil
}

// Sign produces the final signed credential payload: the credential fields
// plus a proof whose proofValue is the multibase-encoded signature over the
// canonical form with an empty proofValue. On success the credential reaches
// signed, stored presentation contents are cleared, and a fresh challenge is
// minted for the holder to claim the artifact.
func (e *Engine) Sign(ctx context.Context, credentialID string) (*storage.Credential, *challenge.Challenge, error) {
	store := e.store.WithContext(ctx)

	rec, err := store.GetCredential(credentialID)
	if err != nil {
		return nil, nil, err
	}
	if rec.Status != storage.CredentialPresented && rec.Status != storage.CredentialSigned {
		return nil, nil, fmt.Errorf("failed to sign %s credential %s: %w", rec.Status, credentialID, ErrInvalidStatus)
	}
	if rec.Holder == nil || rec.Claims == nil {
		return nil, nil, fmt.Errorf("failed to sign credential %s: %w", credentialID, ErrIncompleteCredential)
	}

	fv, err := store.GetFormVersion(rec.FormVersionID)
	if err != nil {
		return nil, nil, err
	}
	def, err := decodeDefinition(fv)
	if err != nil {
		return nil, nil, err
	}

	issuer, err := e.resolver.Resolve(ctx, rec.IssuerDID)
	if err != nil {
		if errors.Is(err, did.ErrDIDNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrIssuerDIDNotFound, rec.IssuerDID)
		}
		return nil, nil, err
	}
	vm, err := issuer.AssertionKey()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrIssuerDIDNotFound, err)
	}

	payload, err := e.buildPayload(rec, fv, def)
	if err != nil {
		return nil, nil, err
	}

	proof := map[string]interface{}{
		"type":               "DataIntegrityProof",
		"cryptosuite":        cryptosuiteFor(vm.Type),
		"created":            e.now().UTC().Format(time.RFC3339),
		"verificationMethod": vm.ID,
		"proofPurpose":       "assertionMethod",
		"proofValue":         "",
	}
	payload["proof"] = proof

	signingInput, err := canonical.MarshalJSON(payload)
	if err != nil {
		return nil, nil, err
	}
	signature, err := e.keys.Sign(vm.ID, signingInput)
	if err != nil {
		return nil, nil, err
	}
	proofValue, err := multibase.Encode(multibase.Base58BTC, signature)
	if err != nil {
		return nil, nil, err
	}
	proof["proofValue"] = proofValue

	if err := validateAgainstSchema(payload, fv.CredentialSchema); err != nil {
		return nil, nil, err
	}

	content, err := canonical.MarshalJSON(payload)
	if err != nil {
		return nil, nil, err
	}

	var fresh *challenge.Challenge
	err = store.Transaction(func(tx *storage.Store) error {
		rec.Content = content
		rec.Status = storage.CredentialSigned
		if err := tx.SaveCredential(rec); err != nil {
			return err
		}
		// Presentations are one-shot artifacts tied to one challenge epoch.
		if err := tx.ClearPresentations(rec.ID); err != nil {
			return err
		}
		fresh, err = e.protocol.Bind(tx).Issue(ctx, rec.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("credential signed", "credential", rec.ID, "method", vm.ID)

	return rec, fresh, nil
}

func (e *Engine) buildPayload(rec *storage.Credential, fv *storage.FormVersion, def *FormDefinition) (map[string]interface{}, error) {
	var claims map[string]interface{}
	if err := json.Unmarshal(rec.Claims, &claims); err != nil {
		return nil, fmt.Errorf("failed to decode claims of credential %s: %w", rec.ID, err)
	}

	subject := make(map[string]interface{}, len(claims)+1)
	for k, v := range claims {
		subject[k] = v
	}
	subject["id"] = *rec.Holder

	payload := map[string]interface{}{
		"@context":          []string{"https://www.w3.org/ns/credentials/v2"},
		"id":                e.cfg.BaseURL + "/credentials/" + rec.ID,
		"type":              def.Types,
		"issuer":            rec.IssuerDID,
		"credentialSubject": subject,
		"credentialSchema": map[string]interface{}{
			"id":   e.cfg.BaseURL + "/forms/" + fv.ID,
			"type": "JsonSchema",
		},
	}

	// Schema-level validity constants win over per-credential values.
	if def.ValidFrom != nil {
		payload["validFrom"] = def.ValidFrom.UTC().Format(time.RFC3339)
	} else if rec.ValidFrom != nil {
		payload["validFrom"] = rec.ValidFrom.UTC().Format(time.RFC3339)
	}
	if def.ValidUntil != nil {
		payload["validUntil"] = def.ValidUntil.UTC().Format(time.RFC3339)
	} else if rec.ValidUntil != nil {
		payload["validUntil"] = rec.ValidUntil.UTC().Format(time.RFC3339)
	}

	return payload, nil
}

func cryptosuiteFor(algorithm string) string {
	switch algorithm {
	case keystore.AlgorithmSecp256k1:
		return "ecdsa-jcs-2019"
	default:
		return "eddsa-jcs-2022"
	}
}

func validateAgainstSchema(payload map[string]interface{}, compiled []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(compiled),
		gojsonschema.NewGoLoader(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to validate credential against schema: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("credential does not satisfy its schema: %v", result.Errors())
	}
	return nil
}
