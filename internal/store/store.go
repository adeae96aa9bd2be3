// Package store defines the relay's persistence boundary: the agent
// registry, the pending-challenge table, the bounded message queue, and
// the conversation audit log. The server is written against the Store
// interface so it runs identically on the in-memory store (tests,
// development), SQLite (single node), or PostgreSQL (shared deployment).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/openclaw/clawsend/internal/models"
)

// ErrAliasTaken is returned when an alias is already claimed by another
// vault. Alias uniqueness is enforced here, at set time.
var ErrAliasTaken = errors.New("alias already taken")

// Store is the relay's only mutable state. Lookup methods return
// (nil, nil) when the row does not exist.
type Store interface {
	Close()
	Ping(ctx context.Context) error

	// Agent registry.
	UpsertAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, vaultID string) (*models.Agent, error)
	GetAgentByAlias(ctx context.Context, alias string) (*models.Agent, error)
	ListAgents(ctx context.Context, limit int) ([]models.Agent, error)
	SetAlias(ctx context.Context, vaultID, alias string) error
	TouchAgent(ctx context.Context, vaultID string, at time.Time) error
	CountAgents(ctx context.Context) (int64, error)

	// Pending registration challenges. TakeChallenge atomically removes
	// and returns the challenge so exactly one concurrent registration
	// completion can win it.
	PutChallenge(ctx context.Context, ch *models.Challenge) error
	TakeChallenge(ctx context.Context, vaultID string) (*models.Challenge, error)
	SweepChallenges(ctx context.Context, olderThan time.Time) (int64, error)

	// Message queue. EnqueueMessage is idempotent on the message id:
	// a duplicate id leaves the queued message untouched and reports
	// false, so a client retrying an ambiguous send cannot double-queue.
	// PendingMessages returns undelivered-or-redelivered unexpired
	// messages for a recipient in creation order and stamps
	// delivered_at; it never deletes. Deletion is solely SweepMessages'
	// job.
	EnqueueMessage(ctx context.Context, msg *models.StoredMessage) (bool, error)
	PendingMessages(ctx context.Context, recipient string, limit int, now time.Time) ([]models.StoredMessage, error)
	GetMessage(ctx context.Context, id string) (*models.StoredMessage, error)
	AcknowledgeMessage(ctx context.Context, id, recipient string, at time.Time) (*models.StoredMessage, error)
	SweepMessages(ctx context.Context, now time.Time) (int64, error)

	// Conversation audit log. TouchConversation lazily creates the
	// pair's aggregate and bumps its counters.
	TouchConversation(ctx context.Context, a, b string, at time.Time) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, vaultID string, limit int) ([]models.Conversation, error)
	SetConversationOutcome(ctx context.Context, id, outcome string) error
	MessagesInConversation(ctx context.Context, conversationID string, limit int) ([]models.StoredMessage, error)
}
