package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/clawsend/internal/metrics"
)

// ReceivedMessage is one queued message as handed to the recipient.
type ReceivedMessage struct {
	Message        json.RawMessage `json:"message"` // full signed wire form
	ConversationID string          `json:"conversation_id"`
	CreatedAt      string          `json:"created_at"`
	ExpiresAt      string          `json:"expires_at"`
	Redelivery     bool            `json:"redelivery"`
}

// ReceiveResponse is the poll result.
type ReceiveResponse struct {
	VaultID  string            `json:"vault_id"`
	Messages []ReceivedMessage `json:"messages"`
	Count    int               `json:"count"`
}

// Receive handles GET /receive/{vault_id}. Messages stay queued until
// their TTL passes, so a crashed receiver can re-poll.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault_id")

	agent, err := h.store.GetAgent(r.Context(), vaultID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if agent == nil {
		h.Error(w, http.StatusNotFound, "vault not registered")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > ReceiveBatchMax {
		limit = ReceiveBatchMax
	}

	now := time.Now().UTC()
	msgs, err := h.store.PendingMessages(r.Context(), vaultID, limit, now)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	_ = h.store.TouchAgent(r.Context(), vaultID, now)

	out := make([]ReceivedMessage, len(msgs))
	for i, m := range msgs {
		redelivery := m.DeliveredAt != nil && m.DeliveredAt.Before(now)
		out[i] = ReceivedMessage{
			Message:        json.RawMessage(m.Raw),
			ConversationID: m.ConversationID,
			CreatedAt:      m.CreatedAt.Format(time.RFC3339),
			ExpiresAt:      m.ExpiresAt.Format(time.RFC3339),
			Redelivery:     redelivery,
		}
	}

	if len(msgs) > 0 {
		metrics.MessagesDelivered.Add(float64(len(msgs)))
	}

	h.JSON(w, http.StatusOK, ReceiveResponse{
		VaultID:  vaultID,
		Messages: out,
		Count:    len(out),
	})
}
