package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openclaw/clawsend/internal/models"
)

// SQLiteStore is the embedded single-node Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store.
// If dbPath is empty, defaults to "./data/clawsend.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/clawsend.db"
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		vault_id TEXT PRIMARY KEY,
		alias TEXT UNIQUE,
		signing_public_key TEXT NOT NULL,
		encryption_public_key TEXT NOT NULL,
		registered_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS challenges (
		vault_id TEXT PRIMARY KEY,
		challenge TEXT NOT NULL,
		signing_public_key TEXT NOT NULL,
		encryption_public_key TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		raw BLOB NOT NULL,
		signature TEXT NOT NULL,
		encrypted_payload BLOB,
		conversation_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		delivered_at DATETIME,
		acknowledged_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		agent_a TEXT NOT NULL,
		agent_b TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		last_message_at DATETIME NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, expires_at);
	CREATE INDEX IF NOT EXISTS idx_messages_expires ON messages(expires_at);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations(agent_a, last_message_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(agent_b, last_message_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	var alias any
	if agent.Alias != "" {
		alias = agent.Alias
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (vault_id, alias, signing_public_key, encryption_public_key, registered_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(vault_id) DO UPDATE SET
			alias = excluded.alias,
			signing_public_key = excluded.signing_public_key,
			encryption_public_key = excluded.encryption_public_key,
			last_seen_at = excluded.last_seen_at
	`, agent.VaultID, alias, agent.SigningPublicKey, agent.EncryptionPublicKey, agent.RegisteredAt, agent.LastSeenAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrAliasTaken
	}
	return err
}

func scanAgent(row *sql.Row) (*models.Agent, error) {
	agent := &models.Agent{}
	var alias sql.NullString
	err := row.Scan(
		&agent.VaultID,
		&alias,
		&agent.SigningPublicKey,
		&agent.EncryptionPublicKey,
		&agent.RegisteredAt,
		&agent.LastSeenAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	agent.Alias = alias.String
	return agent, nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, vaultID string) (*models.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx, `
		SELECT vault_id, alias, signing_public_key, encryption_public_key, registered_at, last_seen_at
		FROM agents WHERE vault_id = ?
	`, vaultID))
}

func (s *SQLiteStore) GetAgentByAlias(ctx context.Context, alias string) (*models.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx, `
		SELECT vault_id, alias, signing_public_key, encryption_public_key, registered_at, last_seen_at
		FROM agents WHERE alias = ?
	`, alias))
}

func (s *SQLiteStore) ListAgents(ctx context.Context, limit int) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vault_id, alias, signing_public_key, encryption_public_key, registered_at, last_seen_at
		FROM agents
		ORDER BY registered_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		var agent models.Agent
		var alias sql.NullString
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
		agent.Alias = alias.String
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) SetAlias(ctx context.Context, vaultID, alias string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET alias = ? WHERE vault_id = ?
	`, alias, vaultID)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrAliasTaken
	}
	return err
}

func (s *SQLiteStore) TouchAgent(ctx context.Context, vaultID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_seen_at = ? WHERE vault_id = ?
	`, at, vaultID)
	return err
}

func (s *SQLiteStore) CountAgents(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count)
	return count, err
}

func (s *SQLiteStore) PutChallenge(ctx context.Context, ch *models.Challenge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (vault_id, challenge, signing_public_key, encryption_public_key, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(vault_id) DO UPDATE SET
			challenge = excluded.challenge,
			signing_public_key = excluded.signing_public_key,
			encryption_public_key = excluded.encryption_public_key,
			created_at = excluded.created_at
	`, ch.VaultID, ch.Challenge, ch.SigningPublicKey, ch.EncryptionPublicKey, ch.CreatedAt)
	return err
}

func (s *SQLiteStore) TakeChallenge(ctx context.Context, vaultID string) (*models.Challenge, error) {
	// DELETE...RETURNING makes take-once atomic: only one concurrent
	// completion gets the row.
	ch := &models.Challenge{}
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM challenges WHERE vault_id = ?
		RETURNING vault_id, challenge, signing_public_key, encryption_public_key, created_at
	`, vaultID).Scan(
		&ch.VaultID,
		&ch.Challenge,
		&ch.SigningPublicKey,
		&ch.EncryptionPublicKey,
		&ch.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ch, nil
}

func (s *SQLiteStore) SweepChallenges(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) EnqueueMessage(ctx context.Context, msg *models.StoredMessage) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, sender, recipient, raw, signature, encrypted_payload, conversation_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, msg.ID, msg.Sender, msg.Recipient, msg.Raw, msg.Signature, msg.EncryptedPayload, msg.ConversationID, msg.CreatedAt, msg.ExpiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanMessages(rows *sql.Rows) ([]models.StoredMessage, error) {
	var msgs []models.StoredMessage
	for rows.Next() {
		var m models.StoredMessage
		var delivered, acked sql.NullTime
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
			&delivered,
			&acked,
		); err != nil {
			return nil, err
		}
		if delivered.Valid {
			t := delivered.Time
			m.DeliveredAt = &t
		}
		if acked.Valid {
			t := acked.Time
			m.AcknowledgedAt = &t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

const messageColumns = `message_id, sender, recipient, raw, signature, encrypted_payload, conversation_id, created_at, expires_at, delivered_at, acknowledged_at`

func (s *SQLiteStore) PendingMessages(ctx context.Context, recipient string, limit int, now time.Time) ([]models.StoredMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE recipient = ? AND expires_at > ?
		ORDER BY created_at ASC
		LIMIT ?
	`, recipient, now, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range msgs {
		if msgs[i].DeliveredAt == nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE messages SET delivered_at = ? WHERE message_id = ? AND delivered_at IS NULL
			`, now, msgs[i].ID); err != nil {
				return nil, err
			}
			t := now
			msgs[i].DeliveredAt = &t
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE message_id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func (s *SQLiteStore) AcknowledgeMessage(ctx context.Context, id, recipient string, at time.Time) (*models.StoredMessage, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET acknowledged_at = COALESCE(acknowledged_at, ?)
		WHERE message_id = ? AND recipient = ? AND expires_at > ?
	`, at, id, recipient, at)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetMessage(ctx, id)
}

func (s *SQLiteStore) SweepMessages(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, a, b string, at time.Time) (*models.Conversation, error) {
	id := models.ConversationID(a, b)
	pa, pb := models.Participants(a, b)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, agent_a, agent_b, started_at, last_message_at, message_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(conversation_id) DO UPDATE SET
			last_message_at = excluded.last_message_at,
			message_count = message_count + 1
	`, id, pa, pb, at, at)
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	c := &models.Conversation{}
	err := row.Scan(
		&c.ID,
		&c.AgentA,
		&c.AgentB,
		&c.StartedAt,
		&c.LastMessageAt,
		&c.MessageCount,
		&c.Outcome,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx, `
		SELECT conversation_id, agent_a, agent_b, started_at, last_message_at, message_count, outcome
		FROM conversations WHERE conversation_id = ?
	`, id))
}

func (s *SQLiteStore) ListConversations(ctx context.Context, vaultID string, limit int) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, agent_a, agent_b, started_at, last_message_at, message_count, outcome
		FROM conversations
		WHERE agent_a = ? OR agent_b = ?
		ORDER BY last_message_at DESC
		LIMIT ?
	`, vaultID, vaultID, limit)
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

func (s *SQLiteStore) SetConversationOutcome(ctx context.Context, id, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET outcome = ? WHERE conversation_id = ?
	`, outcome, id)
	return err
}

func (s *SQLiteStore) MessagesInConversation(ctx context.Context, conversationID string, limit int) ([]models.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}
