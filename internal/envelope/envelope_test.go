package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func validMessage(t *testing.T) *Message {
	t.Helper()
	m, err := NewRequest("vault_aaaa", "vault_bbbb", IntentQuery, map[string]any{
		"question": "what is the answer",
		"limit":    42,
	}, 300)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCanonicalSortsKeys(t *testing.T) {
	a, err := Canonical(map[string]any{"zebra": 1, "apple": 2, "mango": map[string]any{"y": 1, "x": 2}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"apple":2,"mango":{"x":2,"y":1},"zebra":1}`
	if string(a) != want {
		t.Fatalf("got %s, want %s", a, want)
	}
}

func TestCanonicalDeterministic(t *testing.T) {
	// Same logical object spelled two ways must canonicalize identically.
	a, _ := CanonicalBytes([]byte(`{"b": 1, "a": "x"}`))
	b, _ := CanonicalBytes([]byte(`{"a":"x","b":1}`))
	if !bytes.Equal(a, b) {
		t.Fatalf("canonical forms differ: %s vs %s", a, b)
	}
}

func TestCanonicalNoHTMLEscaping(t *testing.T) {
	out, err := Canonical(map[string]string{"url": "https://a.b/c?x=1&y=2"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), `&`) {
		t.Fatalf("ampersand was escaped: %s", out)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := validMessage(t)

	encoded, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}

	reencoded, err := decoded.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(encoded, reencoded) {
		t.Fatalf("round trip not byte-stable:\n%s\n%s", encoded, reencoded)
	}
	if decoded.Envelope != m.Envelope {
		t.Fatalf("envelope mismatch: %+v vs %+v", decoded.Envelope, m.Envelope)
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("garbage accepted")
	}

	m := validMessage(t)
	m.Envelope.Type = "broadcast"
	raw, _ := json.Marshal(m)
	if _, err := Decode(raw); !errors.Is(err, ErrBadType) {
		t.Fatalf("expected ErrBadType, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Message)
		want   error
	}{
		{"missing id", func(m *Message) { m.Envelope.ID = "" }, ErrMissingField},
		{"missing sender", func(m *Message) { m.Envelope.Sender = "" }, ErrMissingField},
		{"missing recipient", func(m *Message) { m.Envelope.Recipient = "" }, ErrMissingField},
		{"missing timestamp", func(m *Message) { m.Envelope.Timestamp = "" }, ErrMissingField},
		{"missing intent", func(m *Message) { m.Payload.Intent = "" }, ErrMissingField},
		{"bad type", func(m *Message) { m.Envelope.Type = "broadcast" }, ErrBadType},
		{"bad version", func(m *Message) { m.Envelope.Version = "2.0" }, ErrBadVersion},
		{"ttl zero", func(m *Message) { m.Envelope.TTL = 0 }, ErrBadTTL},
		{"ttl negative", func(m *Message) { m.Envelope.TTL = -5 }, ErrBadTTL},
		{"ttl too long", func(m *Message) { m.Envelope.TTL = MaxTTL + 1 }, ErrBadTTL},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validMessage(t)
			tc.mutate(m)
			if err := m.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestValidateTTLBounds(t *testing.T) {
	m := validMessage(t)
	m.Envelope.TTL = MinTTL
	if err := m.Validate(); err != nil {
		t.Fatalf("ttl=%d rejected: %v", MinTTL, err)
	}
	m.Envelope.TTL = MaxTTL
	if err := m.Validate(); err != nil {
		t.Fatalf("ttl=%d rejected: %v", MaxTTL, err)
	}
}

func TestValidateOversize(t *testing.T) {
	big := strings.Repeat("x", MaxMessageSize)
	_, err := NewRequest("a", "b", IntentQuery, map[string]string{"blob": big}, 60)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestNewRequestDefaults(t *testing.T) {
	m, err := NewRequest("vault_a", "vault_b", IntentPing, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.Envelope.TTL != DefaultTTL {
		t.Fatalf("ttl not defaulted: %d", m.Envelope.TTL)
	}
	if m.Envelope.Type != TypeRequest {
		t.Fatalf("wrong type: %s", m.Envelope.Type)
	}
	if string(m.Payload.Body) != "{}" {
		t.Fatalf("nil body not normalized: %s", m.Payload.Body)
	}
	if !strings.HasPrefix(m.Envelope.ID, "msg_") {
		t.Fatalf("unexpected id: %s", m.Envelope.ID)
	}
	if m.Envelope.Version != ProtocolVersion {
		t.Fatalf("unexpected version: %s", m.Envelope.Version)
	}
}

func TestNewResponseCorrelation(t *testing.T) {
	req := validMessage(t)
	resp, err := NewResponse("vault_bbbb", "vault_aaaa", req.Envelope.ID, IntentTaskResult, map[string]string{"ok": "yes"}, 60)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Envelope.CorrelationID != req.Envelope.ID {
		t.Fatal("correlation id not carried")
	}
	if resp.Envelope.Type != TypeResponse {
		t.Fatalf("wrong type: %s", resp.Envelope.Type)
	}
}

func TestExpired(t *testing.T) {
	m := validMessage(t)
	m.Envelope.TTL = 60

	now, _ := time.Parse(time.RFC3339, m.Envelope.Timestamp)
	if m.Expired(now.Add(30 * time.Second)) {
		t.Fatal("expired before ttl elapsed")
	}
	if !m.Expired(now.Add(61 * time.Second)) {
		t.Fatal("not expired after ttl elapsed")
	}

	m.Envelope.Timestamp = "not-a-time"
	if !m.Expired(now) {
		t.Fatal("unparseable timestamp should count as expired")
	}
}

func TestParseType(t *testing.T) {
	for _, s := range []string{"request", "response", "notification", "error"} {
		if ParseType(s) == TypeUnknown {
			t.Fatalf("%s parsed as unknown", s)
		}
	}
	if ParseType("broadcast") != TypeUnknown {
		t.Fatal("unknown type not mapped to TypeUnknown")
	}
}

func TestIntentKnown(t *testing.T) {
	if !IntentTaskRequest.Known() {
		t.Fatal("task_request should be known")
	}
	if Intent("frobnicate").Known() {
		t.Fatal("frobnicate should not be known")
	}
}
