// Package crypto centralizes every cryptographic primitive used by the
// relay and its clients: Ed25519 signing, X25519 key agreement, hybrid
// payload encryption, and registration challenges. Nothing in here holds
// state; all functions operate on keys and bytes passed in.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrDecryptFailed    = errors.New("decryption failed")
)

// ChallengeSize is the number of random bytes in a registration challenge.
const ChallengeSize = 32

// ToB64 encodes bytes as URL-safe base64. All key material, signatures,
// and challenge nonces on the wire use this encoding.
func ToB64(data []byte) string {
	return base64.URLEncoding.EncodeToString(data)
}

// FromB64 decodes URL-safe base64.
func FromB64(s string) ([]byte, error) {
	return base64.URLEncoding.DecodeString(s)
}

// GenerateSigningKeypair generates a fresh Ed25519 keypair.
func GenerateSigningKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// GenerateEncryptionKeypair generates a fresh X25519 keypair. The private
// key is 32 random bytes; the public key is its point on the curve.
func GenerateEncryptionKeypair() (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// DeriveVaultID derives the stable vault identifier from a signing public
// key. Identity is bound to the key: an agent cannot claim an arbitrary id
// without holding the matching private key.
func DeriveVaultID(signingPublicKey ed25519.PublicKey) string {
	digest := sha256.Sum256(signingPublicKey)
	return "vault_" + hex.EncodeToString(digest[:])[:32]
}

// ValidateSigningKey decodes a base64 string into an Ed25519 public key.
func ValidateSigningKey(pubkeyB64 string) (ed25519.PublicKey, error) {
	decoded, err := FromB64(pubkeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// ValidateEncryptionKey decodes a base64 string into an X25519 public key.
func ValidateEncryptionKey(pubkeyB64 string) ([]byte, error) {
	decoded, err := FromB64(pubkeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
	}
	if len(decoded) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, curve25519.PointSize, len(decoded))
	}
	return decoded, nil
}

// Sign signs a message with Ed25519 and returns the base64 signature.
func Sign(priv ed25519.PrivateKey, message []byte) string {
	return ToB64(ed25519.Sign(priv, message))
}

// Verify checks a base64 Ed25519 signature over a message.
func Verify(pub ed25519.PublicKey, message []byte, signatureB64 string) error {
	signature, err := FromB64(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}
	if !ed25519.Verify(pub, message, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// GenerateChallenge produces a random registration challenge nonce.
func GenerateChallenge() (string, error) {
	buf := make([]byte, ChallengeSize)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return ToB64(buf), nil
}

// SignChallenge signs a challenge string for registration completion.
func SignChallenge(priv ed25519.PrivateKey, challenge string) string {
	return Sign(priv, []byte(challenge))
}

// VerifyChallenge checks a signed registration challenge.
func VerifyChallenge(pub ed25519.PublicKey, challenge, signatureB64 string) error {
	return Verify(pub, []byte(challenge), signatureB64)
}
