package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/openclaw/clawsend/internal/crypto"
	"github.com/openclaw/clawsend/internal/envelope"
	"github.com/openclaw/clawsend/internal/metrics"
	"github.com/openclaw/clawsend/internal/models"
)

// SendResponse is the receipt returned for an accepted message.
type SendResponse struct {
	MessageID      string `json:"message_id"`
	Recipient      string `json:"recipient"`
	ConversationID string `json:"conversation_id"`
	ExpiresAt      string `json:"expires_at"`
}

// Send handles POST /send. The sender is authenticated by the envelope
// signature, verified against the key on file for the declared sender —
// never against any key carried in the request.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var signed envelope.Signed
	if err := json.NewDecoder(r.Body).Decode(&signed); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg := &signed.Message
	if err := msg.Validate(); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if signed.Signature == "" {
		h.Error(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	sender, err := h.store.GetAgent(r.Context(), msg.Envelope.Sender)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if sender == nil {
		h.Error(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	pub, err := crypto.ValidateSigningKey(sender.SigningPublicKey)
	if err != nil {
		h.Error(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	canonical, err := msg.Encode()
	if err != nil {
		h.Error(w, http.StatusBadRequest, "message does not canonicalize")
		return
	}
	if err := crypto.Verify(pub, canonical, signed.Signature); err != nil {
		metrics.AuthFailures.WithLabelValues("bad_signature").Inc()
		h.Error(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	// Admission control after authentication: unauthenticated traffic
	// must not consume a sender's quota.
	allowed, remaining, retryAfter, err := h.limiter.Allow(r.Context(), sender.VaultID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "rate limiter unavailable")
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.limiter.Limit()))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !allowed {
		metrics.RateLimitHits.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		h.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	// Recipient may be a vault id or an alias; either way it must be
	// registered before the relay will queue for it.
	recipient, err := h.lookupAgent(r, msg.Envelope.Recipient)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if recipient == nil {
		h.Error(w, http.StatusNotFound, "recipient not registered")
		return
	}

	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(msg.Envelope.TTL) * time.Second)

	raw, err := json.Marshal(signed)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to serialize message")
		return
	}

	var encrypted []byte
	if signed.EncryptedPayload != nil {
		encrypted, err = json.Marshal(signed.EncryptedPayload)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to serialize message")
			return
		}
	}

	stored := &models.StoredMessage{
		ID:               msg.Envelope.ID,
		Sender:           sender.VaultID,
		Recipient:        recipient.VaultID,
		Raw:              raw,
		Signature:        signed.Signature,
		EncryptedPayload: encrypted,
		ConversationID:   models.ConversationID(sender.VaultID, recipient.VaultID),
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
	}
	queued, err := h.store.EnqueueMessage(r.Context(), stored)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to queue message")
		return
	}
	if !queued {
		// A retry after an ambiguous timeout. Hand back the receipt for
		// the message already queued under this id; nothing is counted
		// twice.
		existing, err := h.store.GetMessage(r.Context(), stored.ID)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "database error")
			return
		}
		if existing == nil || existing.Sender != sender.VaultID {
			h.Error(w, http.StatusConflict, "message id already used")
			return
		}
		h.JSON(w, http.StatusCreated, SendResponse{
			MessageID:      existing.ID,
			Recipient:      existing.Recipient,
			ConversationID: existing.ConversationID,
			ExpiresAt:      existing.ExpiresAt.Format(time.RFC3339),
		})
		return
	}

	// The conversation aggregate is bumped only for a fresh enqueue.
	conv, err := h.store.TouchConversation(r.Context(), sender.VaultID, recipient.VaultID, now)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	_ = h.store.TouchAgent(r.Context(), sender.VaultID, now)

	metrics.MessagesSent.WithLabelValues(string(msg.Envelope.Type)).Inc()

	h.logger.Info().
		Str("message_id", stored.ID).
		Str("sender", stored.Sender).
		Str("recipient", stored.Recipient).
		Str("type", string(msg.Envelope.Type)).
		Str("intent", string(msg.Payload.Intent)).
		Bool("encrypted", signed.EncryptedPayload != nil).
		Time("expires_at", expiresAt).
		Msg("message queued")

	h.JSON(w, http.StatusCreated, SendResponse{
		MessageID:      stored.ID,
		Recipient:      recipient.VaultID,
		ConversationID: conv.ID,
		ExpiresAt:      expiresAt.Format(time.RFC3339),
	})
}

// lookupAgent resolves a vault id or alias to a registered agent.
func (h *Handler) lookupAgent(r *http.Request, ref string) (*models.Agent, error) {
	agent, err := h.store.GetAgent(r.Context(), ref)
	if err != nil || agent != nil {
		return agent, err
	}
	return h.store.GetAgentByAlias(r.Context(), ref)
}
