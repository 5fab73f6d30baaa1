// Package challenge implements the time-boxed numeric challenge/response
// protocol that binds a holder's key to a credential. A challenge carries a
// short one-time code, typically rendered as a QR payload by the surrounding
// application; presenting a signature over the code proves possession of the
// holder's private key and burns the code.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JustSergioPB/loki-core/did"
	"github.com/JustSergioPB/loki-core/keystore"
	"github.com/JustSergioPB/loki-core/storage"
)

var (
	// ErrChallengeNotFound is returned when a challenge id is unknown.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeBurnt is returned when a challenge code was already spent.
	ErrChallengeBurnt = errors.New("challenge burnt")
	// ErrChallengeExpired is returned when a challenge is past its expiry.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrInvalidSignature is returned when any presented signature fails to
	// verify. Partial success is not accepted.
	ErrInvalidSignature = errors.New("invalid signature")
)

const (
	codeDigits = 6
	defaultTTL = 5 * time.Minute
)

// Challenge is the plain-data view of a challenge. Code is nil once burnt.
type Challenge struct {
	ID           string
	CredentialID string
	Code         *string
	ExpiresAt    time.Time
}

// Presentation is one holder's proof of possession: a signature over the
// UTF-8 decimal string of the challenge code, verified against the holder's
// own declared DID document.
type Presentation struct {
	Holder                 *did.Document
	Signature              []byte
	VerifiablePresentation json.RawMessage
}

// Protocol issues, renews and settles challenges.
type Protocol struct {
	store  *storage.Store
	keys   *keystore.KeyStore
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewProtocol creates a Protocol with the standard 5-minute code lifetime.
func NewProtocol(store *storage.Store, keys *keystore.KeyStore, log *slog.Logger) *Protocol {
	if log == nil {
		log = slog.Default()
	}
	return &Protocol{
		store:  store,
		keys:   keys,
		logger: log,
		ttl:    defaultTTL,
		now:    time.Now,
	}
}

// Bind returns a Protocol handle backed by the given store, typically one
// bound to an open transaction.
func (p *Protocol) Bind(store *storage.Store) *Protocol {
	return &Protocol{store: store, keys: p.keys, logger: p.logger, ttl: p.ttl, now: p.now}
}

// Issue mints a fresh challenge for a credential: a random 6-digit code
// expiring after the protocol TTL.
func (p *Protocol) Issue(ctx context.Context, credentialID string) (*Challenge, error) {
	code, err := randomCode()
	if err != nil {
		return nil, err
	}

	rec := &storage.Challenge{
		ID:           uuid.NewString(),
		CredentialID: credentialID,
		Code:         &code,
		ExpiresAt:    p.now().UTC().Add(p.ttl),
	}
	if err := p.store.WithContext(ctx).CreateChallenge(rec); err != nil {
		return nil, err
	}

	p.logger.Debug("challenge issued", "challenge", rec.ID, "credential", credentialID)

	return toChallenge(rec), nil
}

// Renew reissues the code and expiry of a non-burnt challenge. Expiry is not
// checked: an expired-but-not-burnt challenge may still be renewed.
func (p *Protocol) Renew(ctx context.Context, challengeID string) (*Challenge, error) {
	store := p.store.WithContext(ctx)

	rec, err := store.GetChallenge(challengeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrChallengeNotFound, challengeID)
		}
		return nil, err
	}
	if rec.Code == nil {
		return nil, fmt.Errorf("failed to renew challenge %s: %w", challengeID, ErrChallengeBurnt)
	}

	code, err := randomCode()
	if err != nil {
		return nil, err
	}
	rec.Code = &code
	rec.ExpiresAt = p.now().UTC().Add(p.ttl)

	if err := store.SaveChallenge(rec); err != nil {
		return nil, err
	}

	p.logger.Debug("challenge renewed", "challenge", rec.ID)

	return toChallenge(rec), nil
}

// Present settles a challenge. Every supplied signature must verify over the
// UTF-8 decimal string of the code against its presentation's own holder
// document; one failure rejects the whole batch. On success the code is
// burnt atomically with the credential-state advancement, the credential's
// holder is bound to the first presentation's controller, and non-null
// verifiable-presentation payloads are persisted.
func (p *Protocol) Present(ctx context.Context, challengeID string, presentations []Presentation) error {
	if len(presentations) == 0 {
		return fmt.Errorf("at least one presentation is required")
	}

	return p.store.WithContext(ctx).Transaction(func(tx *storage.Store) error {
		rec, err := tx.GetChallenge(challengeID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrChallengeNotFound, challengeID)
			}
			return err
		}
		if rec.Code == nil {
			return fmt.Errorf("failed to present challenge %s: %w", challengeID, ErrChallengeBurnt)
		}
		if p.now().UTC().After(rec.ExpiresAt) {
			return fmt.Errorf("failed to present challenge %s: %w", challengeID, ErrChallengeExpired)
		}

		if err := p.verifyAll([]byte(*rec.Code), presentations); err != nil {
			return err
		}

		// Compare-and-set on the code: two concurrent presentations can
		// never both observe a non-burnt challenge.
		burnt, err := tx.BurnChallenge(challengeID)
		if err != nil {
			return err
		}
		if !burnt {
			return fmt.Errorf("failed to present challenge %s: %w", challengeID, ErrChallengeBurnt)
		}

		if err := p.advanceCredential(tx, rec.CredentialID, presentations[0].Holder); err != nil {
			return err
		}

		for _, presentation := range presentations {
			if presentation.VerifiablePresentation == nil {
				continue
			}
			if err := tx.CreatePresentation(&storage.Presentation{
				ID:          uuid.NewString(),
				ChallengeID: challengeID,
				Content:     presentation.VerifiablePresentation,
			}); err != nil {
				return err
			}
		}

		p.logger.Info("challenge presented", "challenge", challengeID, "credential", rec.CredentialID)

		return nil
	})
}

// verifyAll checks every signature concurrently; the batch fails as a whole
// on the first invalid one.
func (p *Protocol) verifyAll(message []byte, presentations []Presentation) error {
	g := new(errgroup.Group)
	for i := range presentations {
		presentation := presentations[i]
		g.Go(func() error {
			if presentation.Holder == nil {
				return fmt.Errorf("%w: presentation has no holder document", ErrInvalidSignature)
			}
			vm, err := presentation.Holder.AssertionKey()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
			}
			valid, err := p.keys.Verify(vm.PublicKeyMultibase, vm.Type, message, presentation.Signature)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
			}
			if !valid {
				return fmt.Errorf("%w: holder %s", ErrInvalidSignature, presentation.Holder.ID)
			}
			return nil
		})
	}
	return g.Wait()
}

// advanceCredential binds the holder and moves the credential along the
// lifecycle: filled credentials become presented, signed credentials with a
// non-null payload become claimed.
func (p *Protocol) advanceCredential(tx *storage.Store, credentialID string, holder *did.Document) error {
	cred, err := tx.GetCredential(credentialID)
	if err != nil {
		return err
	}

	controller := holder.Controller
	cred.Holder = &controller

	switch {
	case cred.Status == storage.CredentialFilled:
		cred.Status = storage.CredentialPresented
	case cred.Status == storage.CredentialSigned && cred.Content != nil:
		cred.Status = storage.CredentialClaimed
	}

	return tx.SaveCredential(cred)
}

func toChallenge(rec *storage.Challenge) *Challenge {
	return &Challenge{
		ID:           rec.ID,
		CredentialID: rec.CredentialID,
		Code:         rec.Code,
		ExpiresAt:    rec.ExpiresAt,
	}
}

// randomCode draws a 6-digit decimal code from the crypto source.
func randomCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate challenge code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}
