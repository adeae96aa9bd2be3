package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/clawsend/internal/models"
	"github.com/openclaw/clawsend/internal/store"
)

func TestSweepRemovesOnlyExpiredState(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now().UTC()

	live := &models.StoredMessage{
		ID:             "msg_live",
		Sender:         "vault_a",
		Recipient:      "vault_b",
		Raw:            []byte(`{}`),
		Signature:      "sig",
		ConversationID: models.ConversationID("vault_a", "vault_b"),
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
	dead := &models.StoredMessage{
		ID:             "msg_dead",
		Sender:         "vault_a",
		Recipient:      "vault_b",
		Raw:            []byte(`{}`),
		Signature:      "sig",
		ConversationID: models.ConversationID("vault_a", "vault_b"),
		CreatedAt:      now.Add(-2 * time.Hour),
		ExpiresAt:      now.Add(-time.Hour),
	}
	for _, m := range []*models.StoredMessage{live, dead} {
		if _, err := s.EnqueueMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	_ = s.PutChallenge(ctx, &models.Challenge{
		VaultID:   "vault_fresh",
		Challenge: "n1",
		CreatedAt: now,
	})
	_ = s.PutChallenge(ctx, &models.Challenge{
		VaultID:   "vault_stale",
		Challenge: "n2",
		CreatedAt: now.Add(-time.Hour),
	})

	sw := New(s, zerolog.Nop(), time.Minute, 5*time.Minute)
	messages, challenges, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if messages != 1 {
		t.Fatalf("swept %d messages, want 1", messages)
	}
	if challenges != 1 {
		t.Fatalf("swept %d challenges, want 1", challenges)
	}

	if m, _ := s.GetMessage(ctx, "msg_live"); m == nil {
		t.Fatal("live message swept")
	}
	if m, _ := s.GetMessage(ctx, "msg_dead"); m != nil {
		t.Fatal("expired message survived")
	}
	if ch, _ := s.TakeChallenge(ctx, "vault_fresh"); ch == nil {
		t.Fatal("fresh challenge swept")
	}
	if ch, _ := s.TakeChallenge(ctx, "vault_stale"); ch != nil {
		t.Fatal("stale challenge survived")
	}

	// A second pass finds nothing.
	messages, challenges, err = sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if messages != 0 || challenges != 0 {
		t.Fatalf("second pass swept %d/%d", messages, challenges)
	}
}
