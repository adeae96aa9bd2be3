// Package envelope defines the typed message envelope exchanged between
// agents, its canonical serialization, and the validation rules every
// message must satisfy before it is signed or relayed.
package envelope

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/clawsend/internal/crypto"
)

// ProtocolVersion is the envelope schema version.
const ProtocolVersion = "1.0"

const (
	// MaxMessageSize bounds the canonical encoding of a whole message.
	MaxMessageSize = 64 * 1024

	DefaultTTL = 3600          // seconds
	MinTTL     = 1             // seconds
	MaxTTL     = 7 * 24 * 3600 // seconds
)

var (
	ErrMissingField = errors.New("missing required field")
	ErrBadType      = errors.New("invalid message type")
	ErrBadTTL       = errors.New("ttl out of range")
	ErrBadVersion   = errors.New("unsupported protocol version")
	ErrTooLarge     = errors.New("message exceeds size limit")
)

// Type classifies a message. Unrecognized values decode as TypeUnknown so
// newer peers do not break older ones at the parsing layer; validation
// still rejects unknown types on send.
type Type string

const (
	TypeRequest      Type = "request"
	TypeResponse     Type = "response"
	TypeNotification Type = "notification"
	TypeError        Type = "error"
	TypeUnknown      Type = "unknown"
)

// ParseType maps a wire string onto a Type.
func ParseType(s string) Type {
	switch Type(s) {
	case TypeRequest, TypeResponse, TypeNotification, TypeError:
		return Type(s)
	default:
		return TypeUnknown
	}
}

// Valid reports whether t is one of the closed set of sendable types.
func (t Type) Valid() bool {
	return ParseType(string(t)) != TypeUnknown
}

// Intent is the application-level tag on a payload. The standard intents
// are enumerated below; unknown intents pass through untouched, the
// receiving agent decides what to do with them.
type Intent string

const (
	IntentPing            Intent = "ping"
	IntentPong            Intent = "pong"
	IntentQuery           Intent = "query"
	IntentTaskRequest     Intent = "task_request"
	IntentTaskResult      Intent = "task_result"
	IntentContextExchange Intent = "context_exchange"
	IntentCapabilityCheck Intent = "capability_check"
	IntentAck             Intent = "ack"
	IntentError           Intent = "error"
)

// Known reports whether i is one of the standard intents.
func (i Intent) Known() bool {
	switch i {
	case IntentPing, IntentPong, IntentQuery, IntentTaskRequest,
		IntentTaskResult, IntentContextExchange, IntentCapabilityCheck,
		IntentAck, IntentError:
		return true
	}
	return false
}

// ContentType of a payload body.
const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
)

// Envelope is the routing and correlation metadata of a message. Every
// field is always present in the canonical encoding; absent correlation is
// the empty string.
type Envelope struct {
	ID            string `json:"id"`
	Type          Type   `json:"type"`
	CorrelationID string `json:"correlation_id"`
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	Timestamp     string `json:"timestamp"`
	TTL           int    `json:"ttl"`
	Version       string `json:"version"`
}

// Payload carries the application content. Body is opaque to the relay.
type Payload struct {
	Intent      Intent          `json:"intent"`
	ContentType string          `json:"content_type"`
	Body        json.RawMessage `json:"body"`
}

// Message is an envelope plus payload, the unit that gets signed.
type Message struct {
	Envelope Envelope `json:"envelope"`
	Payload  Payload  `json:"payload"`
}

// Signed is the full wire form submitted to the relay: the message, the
// sender's signature over its canonical bytes, and, when the payload is
// confidential, the encrypted payload blob.
type Signed struct {
	Message          Message                  `json:"message"`
	Signature        string                   `json:"signature"`
	EncryptedPayload *crypto.EncryptedPayload `json:"encrypted_payload,omitempty"`
}

// NewMessageID generates a unique message identifier.
func NewMessageID() string {
	u := uuid.New()
	return "msg_" + hex.EncodeToString(u[:])
}

// Validate checks structural requirements: required fields present, type in
// the closed set, version supported, TTL in range, canonical size within
// the limit. Nothing is ever defaulted here; a malformed message is
// rejected outright.
func (m *Message) Validate() error {
	e := &m.Envelope
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: envelope.id", ErrMissingField)
	case e.Sender == "":
		return fmt.Errorf("%w: envelope.sender", ErrMissingField)
	case e.Recipient == "":
		return fmt.Errorf("%w: envelope.recipient", ErrMissingField)
	case e.Timestamp == "":
		return fmt.Errorf("%w: envelope.timestamp", ErrMissingField)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrBadType, e.Type)
	}
	if e.Version != ProtocolVersion {
		return fmt.Errorf("%w: %q", ErrBadVersion, e.Version)
	}
	if e.TTL < MinTTL || e.TTL > MaxTTL {
		return fmt.Errorf("%w: %d", ErrBadTTL, e.TTL)
	}
	if m.Payload.Intent == "" {
		return fmt.Errorf("%w: payload.intent", ErrMissingField)
	}

	encoded, err := m.Encode()
	if err != nil {
		return err
	}
	if len(encoded) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, len(encoded), MaxMessageSize)
	}
	return nil
}

// Expired reports whether the message's TTL has elapsed relative to now.
// Messages with unparseable timestamps count as expired.
func (m *Message) Expired(now time.Time) bool {
	ts, err := time.Parse(time.RFC3339, m.Envelope.Timestamp)
	if err != nil {
		return true
	}
	return now.After(ts.Add(time.Duration(m.Envelope.TTL) * time.Second))
}

// ExpiresAt returns the instant the message becomes stale.
func (m *Message) ExpiresAt() (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, m.Envelope.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: envelope.timestamp: %v", ErrMissingField, err)
	}
	return ts.Add(time.Duration(m.Envelope.TTL) * time.Second), nil
}
