package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/openclaw/clawsend/internal/models"
)

func testAgent(id string) *models.Agent {
	now := time.Now().UTC()
	return &models.Agent{
		VaultID:             id,
		SigningPublicKey:    "spk-" + id,
		EncryptionPublicKey: "epk-" + id,
		RegisteredAt:        now,
		LastSeenAt:          now,
	}
}

func testMessage(id, sender, recipient string, ttl time.Duration) *models.StoredMessage {
	now := time.Now().UTC()
	return &models.StoredMessage{
		ID:             id,
		Sender:         sender,
		Recipient:      recipient,
		Raw:            []byte(`{"message":{}}`),
		Signature:      "sig",
		ConversationID: models.ConversationID(sender, recipient),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

func TestAgentRegistry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if a, err := s.GetAgent(ctx, "vault_missing"); err != nil || a != nil {
		t.Fatalf("missing agent should be (nil, nil), got %v %v", a, err)
	}

	agent := testAgent("vault_a")
	if err := s.UpsertAgent(ctx, agent); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAgent(ctx, "vault_a")
	if err != nil {
		t.Fatal(err)
	}
	if got.SigningPublicKey != agent.SigningPublicKey {
		t.Fatalf("wrong agent: %+v", got)
	}

	// Upsert replaces key material (rotation).
	agent.EncryptionPublicKey = "epk-rotated"
	if err := s.UpsertAgent(ctx, agent); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetAgent(ctx, "vault_a")
	if got.EncryptionPublicKey != "epk-rotated" {
		t.Fatal("rotation did not stick")
	}

	n, err := s.CountAgents(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestAliasUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.UpsertAgent(ctx, testAgent("vault_a"))
	_ = s.UpsertAgent(ctx, testAgent("vault_b"))

	if err := s.SetAlias(ctx, "vault_a", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAlias(ctx, "vault_b", "alice"); !errors.Is(err, ErrAliasTaken) {
		t.Fatalf("expected ErrAliasTaken, got %v", err)
	}
	// Re-claiming your own alias is a no-op, not a conflict.
	if err := s.SetAlias(ctx, "vault_a", "alice"); err != nil {
		t.Fatalf("self re-claim failed: %v", err)
	}

	got, err := s.GetAgentByAlias(ctx, "alice")
	if err != nil || got == nil || got.VaultID != "vault_a" {
		t.Fatalf("alias lookup: %+v %v", got, err)
	}

	// Moving to a new alias frees the old one.
	if err := s.SetAlias(ctx, "vault_a", "alice2"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAlias(ctx, "vault_b", "alice"); err != nil {
		t.Fatalf("freed alias not claimable: %v", err)
	}
}

func TestUpsertAgentAliasConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	holder := testAgent("vault_a")
	holder.Alias = "alice"
	if err := s.UpsertAgent(ctx, holder); err != nil {
		t.Fatal(err)
	}

	// Registration races the alias pre-check; the upsert itself must
	// refuse rather than remap the alias.
	intruder := testAgent("vault_b")
	intruder.Alias = "alice"
	if err := s.UpsertAgent(ctx, intruder); !errors.Is(err, ErrAliasTaken) {
		t.Fatalf("expected ErrAliasTaken, got %v", err)
	}

	got, err := s.GetAgentByAlias(ctx, "alice")
	if err != nil || got == nil || got.VaultID != "vault_a" {
		t.Fatalf("alias remapped: %+v %v", got, err)
	}
	if b, _ := s.GetAgent(ctx, "vault_b"); b != nil {
		t.Fatal("losing upsert partially applied")
	}

	// Re-upserting the holder with its own alias stays fine (rotation).
	if err := s.UpsertAgent(ctx, holder); err != nil {
		t.Fatalf("self upsert: %v", err)
	}
}

func TestChallengeSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ch := &models.Challenge{
		VaultID:   "vault_a",
		Challenge: "nonce",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.PutChallenge(ctx, ch); err != nil {
		t.Fatal(err)
	}

	first, err := s.TakeChallenge(ctx, "vault_a")
	if err != nil || first == nil {
		t.Fatalf("first take: %v %v", first, err)
	}
	second, err := s.TakeChallenge(ctx, "vault_a")
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Fatal("challenge consumed twice")
	}
}

func TestSweepChallenges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	old := time.Now().UTC().Add(-10 * time.Minute)
	_ = s.PutChallenge(ctx, &models.Challenge{VaultID: "vault_old", Challenge: "x", CreatedAt: old})
	_ = s.PutChallenge(ctx, &models.Challenge{VaultID: "vault_new", Challenge: "y", CreatedAt: time.Now().UTC()})

	n, err := s.SweepChallenges(ctx, time.Now().UTC().Add(-5*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("swept %d, %v", n, err)
	}
	if ch, _ := s.TakeChallenge(ctx, "vault_old"); ch != nil {
		t.Fatal("stale challenge survived sweep")
	}
	if ch, _ := s.TakeChallenge(ctx, "vault_new"); ch == nil {
		t.Fatal("fresh challenge swept")
	}
}

func TestEnqueueMessageIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	original := testMessage("msg_1", "vault_a", "vault_b", time.Hour)
	queued, err := s.EnqueueMessage(ctx, original)
	if err != nil || !queued {
		t.Fatalf("first enqueue: queued=%v err=%v", queued, err)
	}

	// A retried send reuses the client-generated id; the queue must not
	// error, double-queue, or overwrite.
	dup := testMessage("msg_1", "vault_a", "vault_b", time.Hour)
	dup.Raw = []byte(`{"tampered":true}`)
	queued, err = s.EnqueueMessage(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if queued {
		t.Fatal("duplicate id reported as freshly queued")
	}

	got, err := s.GetMessage(ctx, "msg_1")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if string(got.Raw) != string(original.Raw) {
		t.Fatal("duplicate enqueue overwrote the queued message")
	}

	pending, err := s.PendingMessages(ctx, "vault_b", 10, time.Now().UTC())
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %d %v", len(pending), err)
	}
}

func TestPendingMessagesOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		m := testMessage(fmt.Sprintf("msg_%d", i), "vault_a", "vault_b", time.Hour)
		m.CreatedAt = now.Add(time.Duration(i) * time.Second)
		if _, err := s.EnqueueMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.PendingMessages(ctx, "vault_b", 3, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("limit ignored: %d", len(got))
	}
	for i, m := range got {
		if m.ID != fmt.Sprintf("msg_%d", i) {
			t.Fatalf("order wrong at %d: %s", i, m.ID)
		}
		if m.DeliveredAt == nil {
			t.Fatal("delivered_at not stamped")
		}
	}
}

func TestPendingMessagesIdempotentRepoll(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.EnqueueMessage(ctx, testMessage("msg_1", "vault_a", "vault_b", time.Hour)); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	first, err := s.PendingMessages(ctx, "vault_b", 10, now)
	if err != nil || len(first) != 1 {
		t.Fatalf("first poll: %d %v", len(first), err)
	}

	// A crashed receiver can poll again before the TTL elapses.
	second, err := s.PendingMessages(ctx, "vault_b", 10, now.Add(time.Second))
	if err != nil || len(second) != 1 {
		t.Fatalf("re-poll: %d %v", len(second), err)
	}
	if second[0].DeliveredAt == nil || !second[0].DeliveredAt.Equal(*first[0].DeliveredAt) {
		t.Fatal("original delivery stamp not preserved")
	}
}

func TestPendingMessagesExcludesExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, _ = s.EnqueueMessage(ctx, testMessage("msg_live", "vault_a", "vault_b", time.Hour))
	_, _ = s.EnqueueMessage(ctx, testMessage("msg_dead", "vault_a", "vault_b", time.Second))

	got, err := s.PendingMessages(ctx, "vault_b", 10, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "msg_live" {
		t.Fatalf("expired message delivered: %+v", got)
	}
}

func TestAcknowledgeMessage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	_, _ = s.EnqueueMessage(ctx, testMessage("msg_1", "vault_a", "vault_b", time.Hour))

	// Wrong recipient cannot ack.
	if m, err := s.AcknowledgeMessage(ctx, "msg_1", "vault_c", now); err != nil || m != nil {
		t.Fatalf("wrong recipient acked: %v %v", m, err)
	}

	m, err := s.AcknowledgeMessage(ctx, "msg_1", "vault_b", now)
	if err != nil || m == nil {
		t.Fatalf("ack failed: %v %v", m, err)
	}
	if m.AcknowledgedAt == nil {
		t.Fatal("acknowledged_at not set")
	}

	// Ack is idempotent; the first stamp wins.
	later := now.Add(time.Minute)
	m2, err := s.AcknowledgeMessage(ctx, "msg_1", "vault_b", later)
	if err != nil || m2 == nil {
		t.Fatal("re-ack failed")
	}
	if !m2.AcknowledgedAt.Equal(*m.AcknowledgedAt) {
		t.Fatal("ack timestamp overwritten")
	}
}

func TestAcknowledgeExpiredIsSoftMiss(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, _ = s.EnqueueMessage(ctx, testMessage("msg_1", "vault_a", "vault_b", time.Second))

	m, err := s.AcknowledgeMessage(ctx, "msg_1", "vault_b", time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Fatal("expired message acked")
	}
}

func TestSweepMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, _ = s.EnqueueMessage(ctx, testMessage("msg_live", "vault_a", "vault_b", time.Hour))
	_, _ = s.EnqueueMessage(ctx, testMessage("msg_dead", "vault_a", "vault_b", time.Second))

	n, err := s.SweepMessages(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("swept %d, %v", n, err)
	}
	if m, _ := s.GetMessage(ctx, "msg_dead"); m != nil {
		t.Fatal("expired message survived sweep")
	}
	if m, _ := s.GetMessage(ctx, "msg_live"); m == nil {
		t.Fatal("live message swept")
	}
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	c1, err := s.TouchConversation(ctx, "vault_b", "vault_a", now)
	if err != nil {
		t.Fatal(err)
	}
	// Order-independent id.
	c2, err := s.TouchConversation(ctx, "vault_a", "vault_b", now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("participant order changed the id: %s vs %s", c1.ID, c2.ID)
	}
	if c2.MessageCount != 2 {
		t.Fatalf("message count = %d", c2.MessageCount)
	}
	if !c2.LastMessageAt.After(c1.LastMessageAt) {
		t.Fatal("last_message_at not bumped")
	}

	list, err := s.ListConversations(ctx, "vault_a", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %d %v", len(list), err)
	}

	if err := s.SetConversationOutcome(ctx, c1.ID, "task completed"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetConversation(ctx, c1.ID)
	if got.Outcome != "task completed" {
		t.Fatalf("outcome = %q", got.Outcome)
	}
}
