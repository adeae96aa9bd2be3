package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// protocolLabel binds derived keys to this protocol so a shared secret
	// can never be reused across contexts.
	protocolLabel = "clawsend-v1"

	keySize   = chacha20poly1305.KeySize
	nonceSize = chacha20poly1305.NonceSize
)

// EncryptedPayload is the wire form of a confidential message body. The
// relay stores and forwards it as an opaque blob; only the recipient's
// long-term X25519 private key can recover the plaintext.
type EncryptedPayload struct {
	EphemeralPublicKey string `json:"ephemeral_public_key"`
	Nonce              string `json:"nonce"`
	Ciphertext         string `json:"ciphertext"`
}

// deriveKey derives the AEAD key from an ECDH shared secret using
// HKDF-SHA256. The salt binds the key to both public halves of the
// exchange, the info string to the protocol.
func deriveKey(sharedSecret, ephemeralPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPub)+len(recipientPub))
	salt = append(salt, ephemeralPub...)
	salt = append(salt, recipientPub...)

	r := hkdf.New(sha256.New, sharedSecret, salt, []byte(protocolLabel))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt encrypts plaintext for the holder of recipientPub. A fresh
// single-use X25519 keypair is generated per call; the ephemeral public
// half travels in the result so the recipient can rederive the key.
func Encrypt(recipientPub, plaintext []byte) (*EncryptedPayload, error) {
	if len(recipientPub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, curve25519.PointSize, len(recipientPub))
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := curve25519.X25519(ephPriv, recipientPub)
	if err != nil {
		return nil, err
	}

	key, err := deriveKey(sharedSecret, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return &EncryptedPayload{
		EphemeralPublicKey: ToB64(ephPub),
		Nonce:              ToB64(nonce),
		Ciphertext:         ToB64(ciphertext),
	}, nil
}

// Decrypt recovers the plaintext of an EncryptedPayload using the
// recipient's long-term X25519 private key. A failed authentication tag
// hard-fails the whole operation; no partial plaintext is ever returned.
func Decrypt(recipientPriv []byte, payload *EncryptedPayload) ([]byte, error) {
	ephPub, err := FromB64(payload.EphemeralPublicKey)
	if err != nil || len(ephPub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: malformed ephemeral public key", ErrDecryptFailed)
	}
	nonce, err := FromB64(payload.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: malformed nonce", ErrDecryptFailed)
	}
	ciphertext, err := FromB64(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrDecryptFailed)
	}

	sharedSecret, err := curve25519.X25519(recipientPriv, ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ephemeral key", ErrDecryptFailed)
	}

	recipientPub, err := curve25519.X25519(recipientPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key", ErrDecryptFailed)
	}

	key, err := deriveKey(sharedSecret, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong key or tampered ciphertext", ErrDecryptFailed)
	}
	return plaintext, nil
}
