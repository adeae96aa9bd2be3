package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonical produces the canonical JSON encoding of any value: compact,
// object keys sorted recursively, no HTML escaping. Two logically equal
// values always canonicalize to identical bytes, which is what makes
// signatures reproducible across implementations.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Re-decode into a generic tree so that map keys sort on re-encode.
	// UseNumber preserves numeric literals exactly.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// CanonicalBytes canonicalizes raw JSON text without an intermediate
// struct. Fails if data is not valid JSON.
func CanonicalBytes(data []byte) ([]byte, error) {
	return Canonical(json.RawMessage(data))
}

// Encode serializes the message to its canonical byte form. These are the
// exact bytes a signature covers.
func (m *Message) Encode() ([]byte, error) {
	return Canonical(m)
}

// Decode parses canonical (or any conforming) bytes back into a Message
// and validates it. Round-trips exactly: Decode(Encode(m)) preserves every
// field of m.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingField, err)
	}
	// Canonicalize the opaque body so re-encoding is byte-stable.
	if len(m.Payload.Body) > 0 {
		body, err := Canonical(m.Payload.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: payload.body: %v", ErrMissingField, err)
		}
		m.Payload.Body = body
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
