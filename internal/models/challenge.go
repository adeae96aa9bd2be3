package models

import "time"

// Challenge is an ephemeral registration nonce keyed by the candidate
// vault id. Nothing about the claimed identity is trusted until the
// matching signature comes back; stale challenges are garbage-collected.
type Challenge struct {
	VaultID             string    `json:"vault_id"`
	Challenge           string    `json:"challenge"`
	SigningPublicKey    string    `json:"signing_public_key"`
	EncryptionPublicKey string    `json:"encryption_public_key"`
	CreatedAt           time.Time `json:"created_at"`
}

// Stale reports whether the challenge has outlived ttl at the given instant.
func (c *Challenge) Stale(now time.Time, ttl time.Duration) bool {
	return now.After(c.CreatedAt.Add(ttl))
}
