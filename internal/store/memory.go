package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openclaw/clawsend/internal/models"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and
// development runs; semantics mirror the SQL stores exactly.
type MemoryStore struct {
	mu            sync.RWMutex
	agents        map[string]*models.Agent        // vault_id -> agent
	aliases       map[string]string               // alias -> vault_id
	challenges    map[string]*models.Challenge    // vault_id -> challenge
	messages      map[string]*models.StoredMessage
	conversations map[string]*models.Conversation // conversation_id -> conversation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:        make(map[string]*models.Agent),
		aliases:       make(map[string]string),
		challenges:    make(map[string]*models.Challenge),
		messages:      make(map[string]*models.StoredMessage),
		conversations: make(map[string]*models.Conversation),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func copyAgent(a *models.Agent) *models.Agent {
	cp := *a
	return &cp
}

func copyMessage(m *models.StoredMessage) *models.StoredMessage {
	cp := *m
	cp.Raw = append([]byte(nil), m.Raw...)
	if m.EncryptedPayload != nil {
		cp.EncryptedPayload = append([]byte(nil), m.EncryptedPayload...)
	}
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		cp.DeliveredAt = &t
	}
	if m.AcknowledgedAt != nil {
		t := *m.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	return &cp
}

func (s *MemoryStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agent.Alias != "" {
		if owner, ok := s.aliases[agent.Alias]; ok && owner != agent.VaultID {
			return ErrAliasTaken
		}
	}
	if prev, ok := s.agents[agent.VaultID]; ok && prev.Alias != "" && prev.Alias != agent.Alias {
		delete(s.aliases, prev.Alias)
	}
	s.agents[agent.VaultID] = copyAgent(agent)
	if agent.Alias != "" {
		s.aliases[agent.Alias] = agent.VaultID
	}
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, vaultID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[vaultID]
	if !ok {
		return nil, nil
	}
	return copyAgent(a), nil
}

func (s *MemoryStore) GetAgentByAlias(ctx context.Context, alias string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vaultID, ok := s.aliases[alias]
	if !ok {
		return nil, nil
	}
	a, ok := s.agents[vaultID]
	if !ok {
		return nil, nil
	}
	return copyAgent(a), nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, limit int) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, *copyAgent(a))
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].RegisteredAt.Before(agents[j].RegisteredAt)
	})
	if limit > 0 && len(agents) > limit {
		agents = agents[:limit]
	}
	return agents, nil
}

func (s *MemoryStore) SetAlias(ctx context.Context, vaultID, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.aliases[alias]; ok && owner != vaultID {
		return ErrAliasTaken
	}
	a, ok := s.agents[vaultID]
	if !ok {
		return nil
	}
	if a.Alias != "" {
		delete(s.aliases, a.Alias)
	}
	a.Alias = alias
	s.aliases[alias] = vaultID
	return nil
}

func (s *MemoryStore) TouchAgent(ctx context.Context, vaultID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[vaultID]; ok {
		a.LastSeenAt = at
	}
	return nil
}

func (s *MemoryStore) CountAgents(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.agents)), nil
}

func (s *MemoryStore) PutChallenge(ctx context.Context, ch *models.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ch
	s.challenges[ch.VaultID] = &cp
	return nil
}

func (s *MemoryStore) TakeChallenge(ctx context.Context, vaultID string) (*models.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[vaultID]
	if !ok {
		return nil, nil
	}
	delete(s.challenges, vaultID)
	cp := *ch
	return &cp, nil
}

func (s *MemoryStore) SweepChallenges(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, ch := range s.challenges {
		if ch.CreatedAt.Before(olderThan) {
			delete(s.challenges, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) EnqueueMessage(ctx context.Context, msg *models.StoredMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return false, nil
	}
	s.messages[msg.ID] = copyMessage(msg)
	return true, nil
}

func (s *MemoryStore) PendingMessages(ctx context.Context, recipient string, limit int, now time.Time) ([]models.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*models.StoredMessage
	for _, m := range s.messages {
		if m.Recipient == recipient && !m.Expired(now) {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]models.StoredMessage, 0, len(pending))
	for _, m := range pending {
		if m.DeliveredAt == nil {
			t := now
			m.DeliveredAt = &t
		}
		out = append(out, *copyMessage(m))
	}
	return out, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return copyMessage(m), nil
}

func (s *MemoryStore) AcknowledgeMessage(ctx context.Context, id, recipient string, at time.Time) (*models.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Recipient != recipient || m.Expired(at) {
		return nil, nil
	}
	if m.AcknowledgedAt == nil {
		t := at
		m.AcknowledgedAt = &t
	}
	return copyMessage(m), nil
}

func (s *MemoryStore) SweepMessages(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.messages {
		if m.Expired(now) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) TouchConversation(ctx context.Context, a, b string, at time.Time) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := models.ConversationID(a, b)
	conv, ok := s.conversations[id]
	if !ok {
		pa, pb := models.Participants(a, b)
		conv = &models.Conversation{
			ID:        id,
			AgentA:    pa,
			AgentB:    pb,
			StartedAt: at,
		}
		s.conversations[id] = conv
	}
	conv.LastMessageAt = at
	conv.MessageCount++
	cp := *conv
	return &cp, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	cp := *conv
	return &cp, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, vaultID string, limit int) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var convs []models.Conversation
	for _, c := range s.conversations {
		if c.HasParticipant(vaultID) {
			convs = append(convs, *c)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

func (s *MemoryStore) SetConversationOutcome(ctx context.Context, id, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok {
		c.Outcome = outcome
	}
	return nil
}

func (s *MemoryStore) MessagesInConversation(ctx context.Context, conversationID string, limit int) ([]models.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var msgs []models.StoredMessage
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			msgs = append(msgs, *copyMessage(m))
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}
