package models

import "time"

// StoredMessage is a queued message as the relay holds it: the raw signed
// message JSON plus delivery bookkeeping. The relay owns it only until it
// is swept at expiry; expiry always wins over delivery.
type StoredMessage struct {
	ID               string     `json:"message_id"`
	Sender           string     `json:"sender"`
	Recipient        string     `json:"recipient"`
	Raw              []byte     `json:"message"`                     // canonical envelope+payload JSON
	Signature        string     `json:"signature"`                   // sender's signature over Raw
	EncryptedPayload []byte     `json:"encrypted_payload,omitempty"` // opaque blob, forwarded untouched
	ConversationID   string     `json:"conversation_id"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
}

// Expired reports whether the message is past its TTL at the given instant.
func (m *StoredMessage) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}
