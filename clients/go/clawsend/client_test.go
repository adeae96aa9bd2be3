package clawsend

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/clawsend/internal/api"
	"github.com/openclaw/clawsend/internal/envelope"
	"github.com/openclaw/clawsend/internal/handlers"
	"github.com/openclaw/clawsend/internal/ratelimit"
	"github.com/openclaw/clawsend/internal/store"
)

func newRelay(t *testing.T, sendLimit int) *httptest.Server {
	t.Helper()
	s := store.NewMemoryStore()
	limiter := ratelimit.NewMemoryLimiter(sendLimit, time.Minute)
	h := handlers.NewHandler(s, limiter, zerolog.Nop(), 5*time.Minute)
	ts := httptest.NewServer(api.NewRouter(zerolog.Nop(), s, h))
	t.Cleanup(ts.Close)
	return ts
}

func newRegisteredClient(t *testing.T, relayURL, alias string) *Client {
	t.Helper()
	v, err := CreateVault(t.TempDir(), alias)
	if err != nil {
		t.Fatal(err)
	}
	c := NewClient(relayURL, v)
	if _, err := c.Register(alias); err != nil {
		t.Fatal(err)
	}
	return c
}

// befriend puts each client in the other's contact list.
func befriend(t *testing.T, a, b *Client) {
	t.Helper()
	if err := a.Vault.AddContact(Contact{
		VaultID:             b.Vault.VaultID,
		Alias:               b.Vault.Alias,
		SigningPublicKey:    b.Vault.SigningPublicKey(),
		EncryptionPublicKey: b.Vault.EncryptionPublicKey(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := b.Vault.AddContact(Contact{
		VaultID:             a.Vault.VaultID,
		Alias:               a.Vault.Alias,
		SigningPublicKey:    a.Vault.SigningPublicKey(),
		EncryptionPublicKey: a.Vault.EncryptionPublicKey(),
	}); err != nil {
		t.Fatal(err)
	}
}

func TestClientRegisterAndDirectory(t *testing.T) {
	relay := newRelay(t, 60)
	alice := newRegisteredClient(t, relay.URL, "alice")

	if !alice.Vault.RegisteredOn(relay.URL) {
		t.Fatal("registration not recorded in vault")
	}
	if err := alice.Health(); err != nil {
		t.Fatal(err)
	}

	agents, err := alice.Agents(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 || agents[0].VaultID != alice.Vault.VaultID {
		t.Fatalf("directory: %+v", agents)
	}

	vaultID, err := alice.ResolveAlias("alice")
	if err != nil {
		t.Fatal(err)
	}
	if vaultID != alice.Vault.VaultID {
		t.Fatalf("resolved %s", vaultID)
	}

	// A second agent cannot take the same alias.
	bob := newRegisteredClient(t, relay.URL, "bob")
	err = bob.SetAlias("alice")
	var relayErr *RelayError
	if !errors.As(err, &relayErr) || relayErr.Status != 409 {
		t.Fatalf("err = %v, want 409", err)
	}
}

func TestClientEncryptedRoundTrip(t *testing.T) {
	relay := newRelay(t, 60)
	alice := newRegisteredClient(t, relay.URL, "alice")
	bob := newRegisteredClient(t, relay.URL, "bob")
	befriend(t, alice, bob)

	msg, err := envelope.NewRequest(alice.Vault.VaultID, "bob", envelope.IntentTaskRequest,
		map[string]string{"task": "translate", "text": "hello"}, 300)
	if err != nil {
		t.Fatal(err)
	}
	receipt, err := alice.Send(msg, true)
	if err != nil {
		t.Fatal(err)
	}
	if receipt.Recipient != bob.Vault.VaultID {
		t.Fatalf("recipient %s", receipt.Recipient)
	}

	incoming, err := bob.Receive(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(incoming) != 1 {
		t.Fatalf("received %d messages", len(incoming))
	}
	in := incoming[0]
	if !in.WasEncrypted {
		t.Fatal("payload arrived in the clear")
	}
	var body map[string]string
	if err := json.Unmarshal(in.Message.Payload.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body["task"] != "translate" || body["text"] != "hello" {
		t.Fatalf("decrypted body: %v", body)
	}

	// Both sides archived the exchange.
	if n, _ := alice.Vault.HistoryCount(); n != 1 {
		t.Fatalf("alice history %d", n)
	}
	if n, _ := bob.Vault.HistoryCount(); n != 1 {
		t.Fatalf("bob history %d", n)
	}

	if err := bob.Ack(in.Message.Envelope.ID); err != nil {
		t.Fatal(err)
	}

	// Bob answers; the reply correlates to the original request.
	reply, err := envelope.NewResponse(bob.Vault.VaultID, alice.Vault.VaultID,
		in.Message.Envelope.ID, envelope.IntentTaskResult,
		map[string]string{"result": "bonjour"}, 300)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.Send(reply, true); err != nil {
		t.Fatal(err)
	}

	answers, err := alice.Receive(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(answers) != 1 {
		t.Fatalf("alice received %d", len(answers))
	}
	if answers[0].Message.Envelope.CorrelationID != in.Message.Envelope.ID {
		t.Fatal("reply not correlated to the request")
	}

	logs, err := alice.Logs(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].MessageCount != 2 {
		t.Fatalf("logs: %+v", logs)
	}
	if err := alice.SetOutcome(logs[0].ConversationID, "translation delivered"); err != nil {
		t.Fatal(err)
	}
}

func TestClientQuarantinesUnknownSender(t *testing.T) {
	relay := newRelay(t, 60)
	alice := newRegisteredClient(t, relay.URL, "alice")
	bob := newRegisteredClient(t, relay.URL, "bob")
	// Bob does NOT add alice as a contact.

	msg, err := envelope.NewRequest(alice.Vault.VaultID, bob.Vault.VaultID,
		envelope.IntentPing, nil, 60)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Send(msg, false); err != nil {
		t.Fatal(err)
	}

	incoming, err := bob.Receive(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(incoming) != 0 {
		t.Fatal("untrusted message returned to the agent")
	}
	if n, _ := bob.Vault.QuarantineCount(); n != 1 {
		t.Fatalf("quarantine count %d", n)
	}
	if n, _ := bob.Vault.HistoryCount(); n != 0 {
		t.Fatal("untrusted message archived as history")
	}
}

func TestClientDeliversUnknownSenderWhenQuarantineOff(t *testing.T) {
	relay := newRelay(t, 60)
	alice := newRegisteredClient(t, relay.URL, "alice")
	bob := newRegisteredClient(t, relay.URL, "bob")

	// Bob opts out of quarantine: unknown senders are verified against
	// the relay directory and delivered untrusted.
	if err := bob.Vault.SetQuarantineUnknown(false); err != nil {
		t.Fatal(err)
	}

	msg, err := envelope.NewRequest(alice.Vault.VaultID, bob.Vault.VaultID,
		envelope.IntentPing, nil, 60)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Send(msg, false); err != nil {
		t.Fatal(err)
	}

	incoming, err := bob.Receive(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(incoming) != 1 {
		t.Fatalf("received %d messages", len(incoming))
	}
	if incoming[0].Trusted {
		t.Fatal("unknown sender delivered as trusted")
	}
	if n, _ := bob.Vault.QuarantineCount(); n != 0 {
		t.Fatalf("quarantine count %d with quarantine off", n)
	}
	if n, _ := bob.Vault.HistoryCount(); n != 1 {
		t.Fatalf("history count %d", n)
	}

	// Contacts still come through trusted.
	befriend(t, alice, bob)
	msg2, _ := envelope.NewRequest(alice.Vault.VaultID, bob.Vault.VaultID, envelope.IntentPing, nil, 60)
	if _, err := alice.Send(msg2, false); err != nil {
		t.Fatal(err)
	}
	if err := bob.Ack(msg.Envelope.ID); err != nil {
		t.Fatal(err)
	}
	incoming, err = bob.Receive(0)
	if err != nil {
		t.Fatal(err)
	}
	for _, in := range incoming {
		if in.Message.Envelope.ID == msg2.Envelope.ID && !in.Trusted {
			t.Fatal("contact delivered as untrusted")
		}
	}
}

func TestClientRateLimited(t *testing.T) {
	relay := newRelay(t, 1)
	alice := newRegisteredClient(t, relay.URL, "alice")
	bob := newRegisteredClient(t, relay.URL, "bob")
	befriend(t, alice, bob)

	msg, _ := envelope.NewRequest(alice.Vault.VaultID, bob.Vault.VaultID, envelope.IntentPing, nil, 60)
	if _, err := alice.Send(msg, false); err != nil {
		t.Fatal(err)
	}

	msg2, _ := envelope.NewRequest(alice.Vault.VaultID, bob.Vault.VaultID, envelope.IntentPing, nil, 60)
	_, err := alice.Send(msg2, false)
	var relayErr *RelayError
	if !errors.As(err, &relayErr) || !relayErr.IsRateLimited() {
		t.Fatalf("err = %v, want rate-limit rejection", err)
	}
}
