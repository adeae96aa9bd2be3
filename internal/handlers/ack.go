package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/clawsend/internal/api/middleware"
	"github.com/openclaw/clawsend/internal/metrics"
)

// AckRequest is the signed acknowledgement body.
type AckRequest struct {
	MessageID string `json:"message_id"`
}

// AckResponse confirms an acknowledgement.
type AckResponse struct {
	MessageID      string `json:"message_id"`
	AcknowledgedAt string `json:"acknowledged_at"`
}

// Ack handles POST /ack/{message_id}. Acknowledgement distinguishes
// "fetched" from "actually processed"; the message itself stays queued
// until its TTL passes.
func (h *Handler) Ack(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	messageID := chi.URLParam(r, "message_id")

	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MessageID != messageID {
		h.Error(w, http.StatusBadRequest, "message_id mismatch")
		return
	}

	now := time.Now().UTC()
	msg, err := h.store.AcknowledgeMessage(r.Context(), messageID, agent.VaultID, now)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if msg == nil {
		// Soft failure: already swept, expired, or never existed.
		existing, err := h.store.GetMessage(r.Context(), messageID)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "database error")
			return
		}
		if existing != nil && existing.Recipient == agent.VaultID && existing.Expired(now) {
			h.Error(w, http.StatusGone, "message expired")
			return
		}
		h.Error(w, http.StatusNotFound, "message not found")
		return
	}

	metrics.MessagesAcked.Inc()

	ackedAt := now
	if msg.AcknowledgedAt != nil {
		ackedAt = *msg.AcknowledgedAt
	}
	h.JSON(w, http.StatusOK, AckResponse{
		MessageID:      messageID,
		AcknowledgedAt: ackedAt.UTC().Format(time.RFC3339),
	})
}
