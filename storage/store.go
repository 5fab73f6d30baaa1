// Package storage provides the shared record store consumed by the DID and
// credential engines. It wraps gorm with typed lookups and transactional
// multi-record writes so partial mutations never become visible.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a record is absent.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKeyLabel is returned when a key label is inserted twice.
	ErrDuplicateKeyLabel = errors.New("duplicate key label")
)

// Store is the record store. All engines share one Store; multi-record
// mutations go through Transaction.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens a sqlite-backed store at the given DSN and migrates the schema.
// Pass ":memory:" for an ephemeral store.
func Open(dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := db.AutoMigrate(
		&DIDDocument{},
		&Key{},
		&FormVersion{},
		&Credential{},
		&Challenge{},
		&Presentation{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	log.Debug("store opened", "dsn", dsn)

	return &Store{db: db, logger: log}, nil
}

// New wraps an already-open gorm handle. The caller is responsible for
// migrations.
func New(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, logger: log}
}

// WithContext returns a Store bound to ctx for subsequent queries.
func (s *Store) WithContext(ctx context.Context) *Store {
	return &Store{db: s.db.WithContext(ctx), logger: s.logger}
}

// Transaction runs fn inside a single database transaction. The Store passed
// to fn is bound to that transaction; returning an error rolls everything
// back.
func (s *Store) Transaction(fn func(tx *Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, logger: s.logger})
	})
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateDIDDocument inserts a new DID document record.
func (s *Store) CreateDIDDocument(rec *DIDDocument) error {
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create DID document %s: %w", rec.DID, err)
	}
	return nil
}

// GetDIDDocument looks a DID document up by its DID string.
func (s *Store) GetDIDDocument(did string) (*DIDDocument, error) {
	var rec DIDDocument
	if err := s.db.First(&rec, "did = ?", did).Error; err != nil {
		return nil, fmt.Errorf("failed to get DID document %s: %w", did, translateNotFound(err))
	}
	return &rec, nil
}

// SaveDIDDocument persists mutations to an existing DID document record.
func (s *Store) SaveDIDDocument(rec *DIDDocument) error {
	if err := s.db.Save(rec).Error; err != nil {
		return fmt.Errorf("failed to save DID document %s: %w", rec.DID, err)
	}
	return nil
}

// CreateKey inserts a private-key record. Label uniqueness is enforced at
// insert time.
func (s *Store) CreateKey(rec *Key) error {
	return s.Transaction(func(tx *Store) error {
		var existing Key
		err := tx.db.First(&existing, "label = ?", rec.Label).Error
		if err == nil {
			return fmt.Errorf("failed to create key %s: %w", rec.Label, ErrDuplicateKeyLabel)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to create key %s: %w", rec.Label, err)
		}

		if err := tx.db.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to create key %s: %w", rec.Label, err)
		}
		return nil
	})
}

// GetKey looks a private-key record up by label.
func (s *Store) GetKey(label string) (*Key, error) {
	var rec Key
	if err := s.db.First(&rec, "label = ?", label).Error; err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", label, translateNotFound(err))
	}
	return &rec, nil
}

// SaveKey persists mutations to an existing key record.
func (s *Store) SaveKey(rec *Key) error {
	if err := s.db.Save(rec).Error; err != nil {
		return fmt.Errorf("failed to save key %s: %w", rec.Label, err)
	}
	return nil
}

// CreateFormVersion inserts a new form version.
func (s *Store) CreateFormVersion(rec *FormVersion) error {
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create form version %s: %w", rec.ID, err)
	}
	return nil
}

// GetFormVersion looks a form version up by id.
func (s *Store) GetFormVersion(id string) (*FormVersion, error) {
	var rec FormVersion
	if err := s.db.First(&rec, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to get form version %s: %w", id, translateNotFound(err))
	}
	return &rec, nil
}

// SaveFormVersion persists mutations to an existing form version.
func (s *Store) SaveFormVersion(rec *FormVersion) error {
	if err := s.db.Save(rec).Error; err != nil {
		return fmt.Errorf("failed to save form version %s: %w", rec.ID, err)
	}
	return nil
}

// CreateCredential inserts a new credential record.
func (s *Store) CreateCredential(rec *Credential) error {
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create credential %s: %w", rec.ID, err)
	}
	return nil
}

// GetCredential looks a credential up by id.
func (s *Store) GetCredential(id string) (*Credential, error) {
	var rec Credential
	if err := s.db.First(&rec, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to get credential %s: %w", id, translateNotFound(err))
	}
	return &rec, nil
}

// SaveCredential persists mutations to an existing credential record.
func (s *Store) SaveCredential(rec *Credential) error {
	if err := s.db.Save(rec).Error; err != nil {
		return fmt.Errorf("failed to save credential %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteCredential removes a credential and its challenges and presentations.
func (s *Store) DeleteCredential(id string) error {
	return s.Transaction(func(tx *Store) error {
		var challenges []Challenge
		if err := tx.db.Find(&challenges, "credential_id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to list challenges for credential %s: %w", id, err)
		}
		for _, ch := range challenges {
			if err := tx.db.Delete(&Presentation{}, "challenge_id = ?", ch.ID).Error; err != nil {
				return fmt.Errorf("failed to delete presentations for challenge %s: %w", ch.ID, err)
			}
		}
		if err := tx.db.Delete(&Challenge{}, "credential_id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete challenges for credential %s: %w", id, err)
		}
		if err := tx.db.Delete(&Credential{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete credential %s: %w", id, err)
		}
		return nil
	})
}

// CreateChallenge inserts a new challenge record.
func (s *Store) CreateChallenge(rec *Challenge) error {
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create challenge %s: %w", rec.ID, err)
	}
	return nil
}

// GetChallenge looks a challenge up by id.
func (s *Store) GetChallenge(id string) (*Challenge, error) {
	var rec Challenge
	if err := s.db.First(&rec, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to get challenge %s: %w", id, translateNotFound(err))
	}
	return &rec, nil
}

// SaveChallenge persists mutations to an existing challenge record.
func (s *Store) SaveChallenge(rec *Challenge) error {
	if err := s.db.Save(rec).Error; err != nil {
		return fmt.Errorf("failed to save challenge %s: %w", rec.ID, err)
	}
	return nil
}

// BurnChallenge atomically sets a challenge code to null. It reports whether
// this call observed a non-burnt code, so two concurrent presentations can
// never both spend the same code.
func (s *Store) BurnChallenge(id string) (bool, error) {
	res := s.db.Model(&Challenge{}).
		Where("id = ? AND code IS NOT NULL", id).
		Update("code", nil)
	if res.Error != nil {
		return false, fmt.Errorf("failed to burn challenge %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CreatePresentation inserts a new presentation record.
func (s *Store) CreatePresentation(rec *Presentation) error {
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create presentation %s: %w", rec.ID, err)
	}
	return nil
}

// ListPresentations returns the presentations tied to a challenge.
func (s *Store) ListPresentations(challengeID string) ([]Presentation, error) {
	var recs []Presentation
	if err := s.db.Find(&recs, "challenge_id = ?", challengeID).Error; err != nil {
		return nil, fmt.Errorf("failed to list presentations for challenge %s: %w", challengeID, err)
	}
	return recs, nil
}

// ClearPresentations nulls the content of every presentation recorded for a
// credential. Presentations are one-shot artifacts; their payloads do not
// survive a re-signing of the credential.
func (s *Store) ClearPresentations(credentialID string) error {
	return s.db.
		Model(&Presentation{}).
		Where("challenge_id IN (?)",
			s.db.Model(&Challenge{}).Select("id").Where("credential_id = ?", credentialID)).
		Update("content", nil).Error
}
