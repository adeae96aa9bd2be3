package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openclaw/clawsend/internal/models"
)

// PostgresStore is the shared-deployment Store backed by a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		vault_id TEXT PRIMARY KEY,
		alias TEXT UNIQUE,
		signing_public_key TEXT NOT NULL,
		encryption_public_key TEXT NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS challenges (
		vault_id TEXT PRIMARY KEY,
		challenge TEXT NOT NULL,
		signing_public_key TEXT NOT NULL,
		encryption_public_key TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		raw BYTEA NOT NULL,
		signature TEXT NOT NULL,
		encrypted_payload BYTEA,
		conversation_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		delivered_at TIMESTAMPTZ,
		acknowledged_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		agent_a TEXT NOT NULL,
		agent_b TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		last_message_at TIMESTAMPTZ NOT NULL,
		message_count BIGINT NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, expires_at);
	CREATE INDEX IF NOT EXISTS idx_messages_expires ON messages(expires_at);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations(agent_a, last_message_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(agent_b, last_message_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	var alias any
	if agent.Alias != "" {
		alias = agent.Alias
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (vault_id, alias, signing_public_key, encryption_public_key, registered_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (vault_id) DO UPDATE SET
			alias = EXCLUDED.alias,
			signing_public_key = EXCLUDED.signing_public_key,
			encryption_public_key = EXCLUDED.encryption_public_key,
			last_seen_at = EXCLUDED.last_seen_at
	`, agent.VaultID, alias, agent.SigningPublicKey, agent.EncryptionPublicKey, agent.RegisteredAt, agent.LastSeenAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAliasTaken
	}
	return err
}

func (s *PostgresStore) getAgent(ctx context.Context, where string, arg any) (*models.Agent, error) {
	agent := &models.Agent{}
	var alias *string
	err := s.pool.QueryRow(ctx, `
		SELECT vault_id, alias, signing_public_key, encryption_public_key, registered_at, last_seen_at
		FROM agents WHERE `+where, arg).Scan(
		&agent.VaultID,
		&alias,
		&agent.SigningPublicKey,
		&agent.EncryptionPublicKey,
		&agent.RegisteredAt,
		&agent.LastSeenAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if alias != nil {
		agent.Alias = *alias
	}
	return agent, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, vaultID string) (*models.Agent, error) {
	return s.getAgent(ctx, `vault_id = $1`, vaultID)
}

func (s *PostgresStore) GetAgentByAlias(ctx context.Context, alias string) (*models.Agent, error) {
	return s.getAgent(ctx, `alias = $1`, alias)
}

func (s *PostgresStore) ListAgents(ctx context.Context, limit int) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT vault_id, alias, signing_public_key, encryption_public_key, registered_at, last_seen_at
		FROM agents
		ORDER BY registered_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		var agent models.Agent
		var alias *string
		if err := rows.Scan(
			&agent.VaultID,
			&alias,
			&agent.SigningPublicKey,
			&agent.EncryptionPublicKey,
			&agent.RegisteredAt,
			&agent.LastSeenAt,
		); err != nil {
			return nil, err
		}
		if alias != nil {
			agent.Alias = *alias
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) SetAlias(ctx context.Context, vaultID, alias string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET alias = $1 WHERE vault_id = $2
	`, alias, vaultID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAliasTaken
	}
	return err
}

func (s *PostgresStore) TouchAgent(ctx context.Context, vaultID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET last_seen_at = $1 WHERE vault_id = $2
	`, at, vaultID)
	return err
}

func (s *PostgresStore) CountAgents(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count)
	return count, err
}

func (s *PostgresStore) PutChallenge(ctx context.Context, ch *models.Challenge) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO challenges (vault_id, challenge, signing_public_key, encryption_public_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (vault_id) DO UPDATE SET
			challenge = EXCLUDED.challenge,
			signing_public_key = EXCLUDED.signing_public_key,
			encryption_public_key = EXCLUDED.encryption_public_key,
			created_at = EXCLUDED.created_at
	`, ch.VaultID, ch.Challenge, ch.SigningPublicKey, ch.EncryptionPublicKey, ch.CreatedAt)
	return err
}

func (s *PostgresStore) TakeChallenge(ctx context.Context, vaultID string) (*models.Challenge, error) {
	ch := &models.Challenge{}
	err := s.pool.QueryRow(ctx, `
		DELETE FROM challenges WHERE vault_id = $1
		RETURNING vault_id, challenge, signing_public_key, encryption_public_key, created_at
	`, vaultID).Scan(
		&ch.VaultID,
		&ch.Challenge,
		&ch.SigningPublicKey,
		&ch.EncryptionPublicKey,
		&ch.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ch, nil
}

func (s *PostgresStore) SweepChallenges(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM challenges WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) EnqueueMessage(ctx context.Context, msg *models.StoredMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO messages (message_id, sender, recipient, raw, signature, encrypted_payload, conversation_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (message_id) DO NOTHING
	`, msg.ID, msg.Sender, msg.Recipient, msg.Raw, msg.Signature, msg.EncryptedPayload, msg.ConversationID, msg.CreatedAt, msg.ExpiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanPgMessages(rows pgx.Rows) ([]models.StoredMessage, error) {
	var msgs []models.StoredMessage
	for rows.Next() {
		var m models.StoredMessage
		if err := rows.Scan(
			&m.ID,
			&m.Sender,
			&m.Recipient,
			&m.Raw,
			&m.Signature,
			&m.EncryptedPayload,
			&m.ConversationID,
			&m.CreatedAt,
			&m.ExpiresAt,
			&m.DeliveredAt,
			&m.AcknowledgedAt,
		); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) PendingMessages(ctx context.Context, recipient string, limit int, now time.Time) ([]models.StoredMessage, error) {
	// Single statement: stamp undelivered rows and return the batch.
	rows, err := s.pool.Query(ctx, `
		WITH batch AS (
			SELECT message_id FROM messages
			WHERE recipient = $1 AND expires_at > $2
			ORDER BY created_at ASC
			LIMIT $3
		), stamped AS (
			UPDATE messages SET delivered_at = $2
			WHERE message_id IN (SELECT message_id FROM batch) AND delivered_at IS NULL
		)
		SELECT `+messageColumns+` FROM messages
		WHERE message_id IN (SELECT message_id FROM batch)
		ORDER BY created_at ASC
	`, recipient, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := scanPgMessages(rows)
	if err != nil {
		return nil, err
	}
	// The CTE's outer SELECT may observe the pre-update snapshot.
	for i := range msgs {
		if msgs[i].DeliveredAt == nil {
			t := now
			msgs[i].DeliveredAt = &t
		}
	}
	return msgs, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.StoredMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE message_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := scanPgMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func (s *PostgresStore) AcknowledgeMessage(ctx context.Context, id, recipient string, at time.Time) (*models.StoredMessage, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET acknowledged_at = COALESCE(acknowledged_at, $1)
		WHERE message_id = $2 AND recipient = $3 AND expires_at > $1
	`, at, id, recipient)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}
	return s.GetMessage(ctx, id)
}

func (s *PostgresStore) SweepMessages(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) TouchConversation(ctx context.Context, a, b string, at time.Time) (*models.Conversation, error) {
	id := models.ConversationID(a, b)
	pa, pb := models.Participants(a, b)
	c := &models.Conversation{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (conversation_id, agent_a, agent_b, started_at, last_message_at, message_count)
		VALUES ($1, $2, $3, $4, $4, 1)
		ON CONFLICT (conversation_id) DO UPDATE SET
			last_message_at = EXCLUDED.last_message_at,
			message_count = conversations.message_count + 1
		RETURNING conversation_id, agent_a, agent_b, started_at, last_message_at, message_count, outcome
	`, id, pa, pb, at).Scan(
		&c.ID,
		&c.AgentA,
		&c.AgentB,
		&c.StartedAt,
		&c.LastMessageAt,
		&c.MessageCount,
		&c.Outcome,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	c := &models.Conversation{}
	err := s.pool.QueryRow(ctx, `
		SELECT conversation_id, agent_a, agent_b, started_at, last_message_at, message_count, outcome
		FROM conversations WHERE conversation_id = $1
	`, id).Scan(
		&c.ID,
		&c.AgentA,
		&c.AgentB,
		&c.StartedAt,
		&c.LastMessageAt,
		&c.MessageCount,
		&c.Outcome,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, vaultID string, limit int) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, agent_a, agent_b, started_at, last_message_at, message_count, outcome
		FROM conversations
		WHERE agent_a = $1 OR agent_b = $1
		ORDER BY last_message_at DESC
		LIMIT $2
	`, vaultID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(
			&c.ID,
			&c.AgentA,
			&c.AgentB,
			&c.StartedAt,
			&c.LastMessageAt,
			&c.MessageCount,
			&c.Outcome,
		); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *PostgresStore) SetConversationOutcome(ctx context.Context, id, outcome string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET outcome = $1 WHERE conversation_id = $2
	`, outcome, id)
	return err
}

func (s *PostgresStore) MessagesInConversation(ctx context.Context, conversationID string, limit int) ([]models.StoredMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgMessages(rows)
}
