package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/clawsend/internal/api/middleware"
	"github.com/openclaw/clawsend/internal/models"
)

// ConversationInfo summarizes one conversation in the audit trail.
type ConversationInfo struct {
	ConversationID string `json:"conversation_id"`
	AgentA         string `json:"agent_a"`
	AgentB         string `json:"agent_b"`
	StartedAt      string `json:"started_at"`
	LastMessageAt  string `json:"last_message_at"`
	MessageCount   int64  `json:"message_count"`
	Outcome        string `json:"outcome,omitempty"`
}

// LogEntry is one message in a conversation log. Bodies are not exposed
// here; the log is routing metadata, not content.
type LogEntry struct {
	MessageID      string `json:"message_id"`
	Sender         string `json:"sender"`
	Recipient      string `json:"recipient"`
	Encrypted      bool   `json:"encrypted"`
	CreatedAt      string `json:"created_at"`
	ExpiresAt      string `json:"expires_at"`
	DeliveredAt    string `json:"delivered_at,omitempty"`
	AcknowledgedAt string `json:"acknowledged_at,omitempty"`
}

// ConversationLogResponse is the audit trail of one conversation.
type ConversationLogResponse struct {
	Conversation ConversationInfo `json:"conversation"`
	Entries      []LogEntry       `json:"entries"`
}

// LogsResponse lists conversations involving a vault.
type LogsResponse struct {
	VaultID       string             `json:"vault_id"`
	Conversations []ConversationInfo `json:"conversations"`
	Count         int                `json:"count"`
}

// OutcomeRequest records how a conversation concluded.
type OutcomeRequest struct {
	Outcome string `json:"outcome"`
}

func conversationInfo(c *models.Conversation) ConversationInfo {
	return ConversationInfo{
		ConversationID: c.ID,
		AgentA:         c.AgentA,
		AgentB:         c.AgentB,
		StartedAt:      c.StartedAt.Format(time.RFC3339),
		LastMessageAt:  c.LastMessageAt.Format(time.RFC3339),
		MessageCount:   c.MessageCount,
		Outcome:        c.Outcome,
	}
}

// ConversationLog handles GET /messages/{conversation_id}/log.
func (h *Handler) ConversationLog(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversation_id")

	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if conv == nil {
		h.Error(w, http.StatusNotFound, "conversation not found")
		return
	}

	msgs, err := h.store.MessagesInConversation(r.Context(), conversationID, 500)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	entries := make([]LogEntry, len(msgs))
	for i, m := range msgs {
		e := LogEntry{
			MessageID: m.ID,
			Sender:    m.Sender,
			Recipient: m.Recipient,
			Encrypted: len(m.EncryptedPayload) > 0,
			CreatedAt: m.CreatedAt.Format(time.RFC3339),
			ExpiresAt: m.ExpiresAt.Format(time.RFC3339),
		}
		if m.DeliveredAt != nil {
			e.DeliveredAt = m.DeliveredAt.Format(time.RFC3339)
		}
		if m.AcknowledgedAt != nil {
			e.AcknowledgedAt = m.AcknowledgedAt.Format(time.RFC3339)
		}
		entries[i] = e
	}

	h.JSON(w, http.StatusOK, ConversationLogResponse{
		Conversation: conversationInfo(conv),
		Entries:      entries,
	})
}

// Logs handles GET /logs/{vault_id}.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault_id")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	convs, err := h.store.ListConversations(r.Context(), vaultID, limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	out := make([]ConversationInfo, len(convs))
	for i := range convs {
		out[i] = conversationInfo(&convs[i])
	}

	h.JSON(w, http.StatusOK, LogsResponse{
		VaultID:       vaultID,
		Conversations: out,
		Count:         len(out),
	})
}

// SetOutcome handles POST /messages/{conversation_id}/outcome. Only a
// participant may record an outcome.
func (h *Handler) SetOutcome(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	conversationID := chi.URLParam(r, "conversation_id")

	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if conv == nil {
		h.Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if !conv.HasParticipant(agent.VaultID) {
		h.Error(w, http.StatusForbidden, "not a participant")
		return
	}

	var req OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Outcome == "" {
		h.Error(w, http.StatusBadRequest, "outcome is required")
		return
	}
	if len(req.Outcome) > 1024 {
		h.Error(w, http.StatusBadRequest, "outcome too long (max 1024 bytes)")
		return
	}

	if err := h.store.SetConversationOutcome(r.Context(), conversationID, req.Outcome); err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	conv.Outcome = req.Outcome
	h.JSON(w, http.StatusOK, conversationInfo(conv))
}
