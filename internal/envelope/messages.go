package envelope

import (
	"encoding/json"
	"time"
)

// newMessage assembles and validates a message with generated id and
// timestamp. body may be any JSON-serializable value; nil becomes {}.
func newMessage(typ Type, sender, recipient, correlationID string, intent Intent, body any, ttl int) (*Message, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if body == nil {
		body = map[string]any{}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	// Canonical body so the message round-trips byte-identically.
	raw, err = Canonical(json.RawMessage(raw))
	if err != nil {
		return nil, err
	}

	m := &Message{
		Envelope: Envelope{
			ID:            NewMessageID(),
			Type:          typ,
			CorrelationID: correlationID,
			Sender:        sender,
			Recipient:     recipient,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			TTL:           ttl,
			Version:       ProtocolVersion,
		},
		Payload: Payload{
			Intent:      intent,
			ContentType: ContentTypeJSON,
			Body:        raw,
		},
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewRequest builds a request message. A ttl of 0 selects the default.
func NewRequest(sender, recipient string, intent Intent, body any, ttl int) (*Message, error) {
	return newMessage(TypeRequest, sender, recipient, "", intent, body, ttl)
}

// NewResponse builds a response correlated to an earlier request.
func NewResponse(sender, recipient, correlationID string, intent Intent, body any, ttl int) (*Message, error) {
	return newMessage(TypeResponse, sender, recipient, correlationID, intent, body, ttl)
}

// NewNotification builds a one-way message; no response is expected.
func NewNotification(sender, recipient string, intent Intent, body any, ttl int) (*Message, error) {
	return newMessage(TypeNotification, sender, recipient, "", intent, body, ttl)
}

// NewError builds an error message carrying a machine-readable code and a
// human-readable description.
func NewError(sender, recipient, correlationID, errorCode, errorMessage string) (*Message, error) {
	return newMessage(TypeError, sender, recipient, correlationID, IntentError, map[string]string{
		"error_code":    errorCode,
		"error_message": errorMessage,
	}, 0)
}
