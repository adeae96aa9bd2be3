package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Conversation is the server-side audit aggregate for a pair of agents.
// It is created lazily on first message and never deleted by the relay,
// independent of individual message expiry.
type Conversation struct {
	ID            string    `json:"conversation_id"`
	AgentA        string    `json:"agent_a"`
	AgentB        string    `json:"agent_b"`
	StartedAt     time.Time `json:"started_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int64     `json:"message_count"`
	Outcome       string    `json:"outcome,omitempty"`
}

// ConversationID derives the deterministic, order-independent id for a
// pair of vault ids, so both directions of traffic land in one aggregate.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	digest := sha256.Sum256([]byte(a + "|" + b))
	return "conv_" + hex.EncodeToString(digest[:])[:32]
}

// Participants returns the pair in canonical order.
func Participants(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// HasParticipant reports whether the vault id is one of the two parties.
func (c *Conversation) HasParticipant(vaultID string) bool {
	return c.AgentA == vaultID || c.AgentB == vaultID
}
