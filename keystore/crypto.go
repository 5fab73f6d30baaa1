package keystore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/argon2"
)

const saltSize = 16

// deriveKey stretches the custody passphrase into an AES-256 key with
// argon2id.
func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// seal encrypts plaintext with AES-GCM under a passphrase-derived key. It
// returns the salt, nonce and ciphertext to persist alongside each other.
func seal(passphrase, plaintext []byte) (salt, nonce, ciphertext []byte, err error) {
	salt = make([]byte, saltSize)
	if _, err = io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return salt, nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// open decrypts a ciphertext produced by seal.
func open(passphrase, salt, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return gcm.Open(nil, nonce, ciphertext, nil)
}

// signSecp256k1 signs the SHA-256 hash of message, producing a 65-byte
// signature with a recovery byte.
func signSecp256k1(privBytes, message []byte) ([]byte, error) {
	priv, err := crypto.ToECDSA(privBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse secp256k1 private key: %w", err)
	}

	hash := sha256.Sum256(message)
	signature, err := crypto.Sign(hash[:], priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	return signature, nil
}

// verifySecp256k1 verifies a secp256k1 signature against a compressed
// 33-byte public key. 65-byte signatures are checked through public-key
// recovery; 64-byte signatures through a plain verify.
func verifySecp256k1(publicKey, message, signature []byte) bool {
	if len(publicKey) != 33 || len(message) == 0 {
		return false
	}

	hash := sha256.Sum256(message)

	if len(signature) == 64 {
		return crypto.VerifySignature(publicKey, hash[:], signature)
	}
	if len(signature) != 65 {
		return false
	}

	recovered, err := crypto.Ecrecover(hash[:], signature)
	if err != nil {
		return false
	}
	recoveredKey, err := crypto.UnmarshalPubkey(recovered)
	if err != nil {
		return false
	}

	return bytes.Equal(crypto.CompressPubkey(recoveredKey), publicKey)
}
