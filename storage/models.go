package storage

import "time"

// DIDDocument is the persisted form of a DID document, keyed by the DID
// string. Document holds the serialized document JSON.
type DIDDocument struct {
	DID       string `gorm:"primaryKey;column:did"`
	Kind      string `gorm:"index"`
	Document  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key is a private-key record owned exclusively by the key custody service.
// EncryptedKey is sealed under a passphrase-derived key; no other component
// reads it.
type Key struct {
	Label              string `gorm:"primaryKey"`
	Algorithm          string
	PublicKeyMultibase string
	Salt               []byte
	Nonce              []byte
	EncryptedKey       []byte
	CreatedAt          time.Time
	RevokedAt          *time.Time
}

// FormVersion statuses.
const (
	FormVersionDraft     = "draft"
	FormVersionPublished = "published"
	FormVersionArchived  = "archived"
)

// FormVersion is a tenant-authored credential form. SubjectSchema is the
// authored field schema; CredentialSchema is the compiled JSON Schema, frozen
// once the version is published.
type FormVersion struct {
	ID               string `gorm:"primaryKey"`
	Title            string
	Description      string
	Status           string `gorm:"index"`
	SubjectSchema    []byte
	CredentialSchema []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PublishedAt      *time.Time
}

// Credential statuses.
const (
	CredentialCreated   = "created"
	CredentialFilled    = "filled"
	CredentialPresented = "presented"
	CredentialSigned    = "signed"
	CredentialClaimed   = "claimed"
)

// Credential is the lifecycle record of a verifiable credential. Content is
// the final signed payload, non-null once the status reaches "signed".
type Credential struct {
	ID            string `gorm:"primaryKey"`
	FormVersionID string `gorm:"index"`
	IssuerDID     string `gorm:"index"`
	Holder        *string
	Claims        []byte
	ValidFrom     *time.Time
	ValidUntil    *time.Time
	Content       []byte
	Status        string `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Challenge is a one-time numeric code bound to a credential. Code == nil
// means the challenge is burnt; renewal reissues a fresh code and expiry.
type Challenge struct {
	ID           string `gorm:"primaryKey"`
	CredentialID string `gorm:"index"`
	Code         *string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Presentation is a single-use verifiable-presentation artifact tied to one
// challenge epoch. Content is cleared when the credential is re-signed.
type Presentation struct {
	ID          string `gorm:"primaryKey"`
	ChallengeID string `gorm:"index"`
	Content     []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
