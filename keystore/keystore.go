// Package keystore is the key custody service. It generates asymmetric key
// pairs, persists private keys encrypted at rest under an injected
// passphrase, and performs sign and verify operations by label or by public
// key material. Raw private key bytes never leave this package.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/JustSergioPB/loki-core/multibase"
	"github.com/JustSergioPB/loki-core/storage"
)

// Supported verification-method algorithms.
const (
	AlgorithmEd25519   = "Ed25519VerificationKey2020"
	AlgorithmSecp256k1 = "EcdsaSecp256k1VerificationKey2019"
)

var (
	// ErrKeyNotFound is returned when no key record exists for a label.
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyRevoked is returned when signing with a revoked key.
	ErrKeyRevoked = errors.New("key revoked")
	// ErrDuplicateKeyLabel is returned when a label is generated twice.
	ErrDuplicateKeyLabel = storage.ErrDuplicateKeyLabel
	// ErrUnsupportedMultibase is returned for unrecognized multibase prefixes.
	ErrUnsupportedMultibase = errors.New("unsupported multibase prefix")
	// ErrUnsupportedAlgorithm is returned for unknown algorithm identifiers.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)

// Config carries the custody secrets. The passphrase is injected rather than
// read from ambient state so tests can substitute it and operators can rotate
// it without code changes.
type Config struct {
	Passphrase string
}

// PublicKey is the public half of a generated key pair. It is the only
// material GenerateKeyPair returns to callers.
type PublicKey struct {
	Type               string
	PublicKeyMultibase string
}

// KeyStore persists and operates on private keys.
type KeyStore struct {
	store      *storage.Store
	passphrase []byte
	logger     *slog.Logger
}

// New creates a KeyStore backed by the given record store.
func New(store *storage.Store, cfg Config, log *slog.Logger) (*KeyStore, error) {
	if cfg.Passphrase == "" {
		return nil, fmt.Errorf("custody passphrase is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &KeyStore{
		store:      store,
		passphrase: []byte(cfg.Passphrase),
		logger:     log,
	}, nil
}

// Bind returns a KeyStore handle backed by the given store, typically one
// bound to an open transaction, so key inserts commit or roll back together
// with the caller's other writes.
func (k *KeyStore) Bind(store *storage.Store) *KeyStore {
	return &KeyStore{store: store, passphrase: k.passphrase, logger: k.logger}
}

// GenerateKeyPair generates a signing key pair for the given algorithm,
// persists the private half encrypted under the custody passphrase keyed by
// label, and returns the public half multibase-encoded with the 'z' prefix.
func (k *KeyStore) GenerateKeyPair(label, algorithm string) (*PublicKey, error) {
	var pubBytes, privBytes []byte

	switch algorithm {
	case AlgorithmEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
		}
		pubBytes, privBytes = pub, priv
	case AlgorithmSecp256k1:
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate secp256k1 key: %w", err)
		}
		pubBytes = priv.PubKey().SerializeCompressed()
		privBytes = priv.Serialize()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}

	encoded, err := multibase.Encode(multibase.Base58BTC, pubBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}

	salt, nonce, sealed, err := seal(k.passphrase, privBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}

	rec := &storage.Key{
		Label:              label,
		Algorithm:          algorithm,
		PublicKeyMultibase: encoded,
		Salt:               salt,
		Nonce:              nonce,
		EncryptedKey:       sealed,
	}
	if err := k.store.CreateKey(rec); err != nil {
		return nil, err
	}

	k.logger.Debug("key pair generated", "label", label, "algorithm", algorithm)

	return &PublicKey{Type: algorithm, PublicKeyMultibase: encoded}, nil
}

// Sign loads and decrypts the private key stored under label and produces a
// deterministic signature over message.
func (k *KeyStore) Sign(label string, message []byte) ([]byte, error) {
	rec, err := k.store.GetKey(label)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to sign with %s: %w", label, ErrKeyNotFound)
		}
		return nil, err
	}
	if rec.RevokedAt != nil {
		return nil, fmt.Errorf("failed to sign with %s: %w", label, ErrKeyRevoked)
	}

	privBytes, err := open(k.passphrase, rec.Salt, rec.Nonce, rec.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt private key %s: %w", label, err)
	}

	switch rec.Algorithm {
	case AlgorithmEd25519:
		if len(privBytes) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid ed25519 private key length: %d", len(privBytes))
		}
		return ed25519.Sign(ed25519.PrivateKey(privBytes), message), nil
	case AlgorithmSecp256k1:
		return signSecp256k1(privBytes, message)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, rec.Algorithm)
	}
}

// Verify checks a signature over message against a multibase-encoded public
// key. A merely invalid signature returns (false, nil); unrecognized prefixes
// and algorithm identifiers return an error.
func (k *KeyStore) Verify(publicKeyMultibase, algorithm string, message, signature []byte) (bool, error) {
	_, pubBytes, err := multibase.Decode(publicKeyMultibase)
	if err != nil {
		if errors.Is(err, multibase.ErrUnsupportedBase) {
			return false, fmt.Errorf("%w: %q", ErrUnsupportedMultibase, publicKeyMultibase)
		}
		return false, fmt.Errorf("failed to decode public key: %w", err)
	}

	switch algorithm {
	case AlgorithmEd25519:
		if len(pubBytes) != ed25519.PublicKeySize {
			return false, nil
		}
		return ed25519.Verify(ed25519.PublicKey(pubBytes), message, signature), nil
	case AlgorithmSecp256k1:
		return verifySecp256k1(pubBytes, message, signature), nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// Revoke logically revokes the key stored under label. The record is kept;
// only signing is disabled.
func (k *KeyStore) Revoke(label string) error {
	rec, err := k.store.GetKey(label)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to revoke %s: %w", label, ErrKeyNotFound)
		}
		return err
	}
	if rec.RevokedAt != nil {
		return nil
	}

	now := time.Now().UTC()
	rec.RevokedAt = &now
	if err := k.store.SaveKey(rec); err != nil {
		return err
	}

	k.logger.Info("key revoked", "label", label)

	return nil
}
