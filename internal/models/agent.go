package models

import "time"

// Agent is a registered identity on the relay: a vault id bound to its
// public keys through the challenge-response handshake. The relay never
// holds private key material.
type Agent struct {
	VaultID             string    `json:"vault_id"`
	Alias               string    `json:"alias,omitempty"`
	SigningPublicKey    string    `json:"signing_public_key"`
	EncryptionPublicKey string    `json:"encryption_public_key"`
	RegisteredAt        time.Time `json:"registered_at"`
	LastSeenAt          time.Time `json:"last_seen_at"`
}
