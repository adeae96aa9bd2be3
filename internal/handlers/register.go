package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/openclaw/clawsend/internal/crypto"
	"github.com/openclaw/clawsend/internal/metrics"
	"github.com/openclaw/clawsend/internal/models"
	"github.com/openclaw/clawsend/internal/store"
)

// ChallengeRequest asks for a registration nonce.
type ChallengeRequest struct {
	SigningPublicKey    string `json:"signing_public_key"`
	EncryptionPublicKey string `json:"encryption_public_key"`
}

// ChallengeResponse carries the nonce the client must sign.
type ChallengeResponse struct {
	VaultID   string `json:"vault_id"`
	Challenge string `json:"challenge"`
	ExpiresIn int    `json:"expires_in"` // seconds
}

// RegisterRequest completes registration with the signed challenge.
type RegisterRequest struct {
	VaultID             string `json:"vault_id"`
	SigningPublicKey    string `json:"signing_public_key"`
	EncryptionPublicKey string `json:"encryption_public_key"`
	Signature           string `json:"signature"`
	Alias               string `json:"alias,omitempty"`
}

// RegisterResponse confirms a completed registration.
type RegisterResponse struct {
	VaultID      string `json:"vault_id"`
	Alias        string `json:"alias,omitempty"`
	RegisteredAt string `json:"registered_at"`
}

// Challenge handles POST /register/challenge. No identity claim is
// trusted yet; the nonce just binds the completion to these keys.
func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	signingPub, err := crypto.ValidateSigningKey(req.SigningPublicKey)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid signing_public_key: must be base64-encoded Ed25519 public key (32 bytes)")
		return
	}
	if _, err := crypto.ValidateEncryptionKey(req.EncryptionPublicKey); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid encryption_public_key: must be base64-encoded X25519 public key (32 bytes)")
		return
	}

	vaultID := crypto.DeriveVaultID(signingPub)

	challenge, err := crypto.GenerateChallenge()
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to generate challenge")
		return
	}

	ch := &models.Challenge{
		VaultID:             vaultID,
		Challenge:           challenge,
		SigningPublicKey:    req.SigningPublicKey,
		EncryptionPublicKey: req.EncryptionPublicKey,
		CreatedAt:           time.Now().UTC(),
	}
	if err := h.store.PutChallenge(r.Context(), ch); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to store challenge")
		return
	}

	metrics.ChallengesIssued.Inc()

	h.JSON(w, http.StatusOK, ChallengeResponse{
		VaultID:   vaultID,
		Challenge: challenge,
		ExpiresIn: int(h.challengeTTL.Seconds()),
	})
}

// Register handles POST /register. The challenge is consumed exactly
// once, so two racing completions cannot both win.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	signingPub, err := crypto.ValidateSigningKey(req.SigningPublicKey)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid signing_public_key")
		return
	}
	if _, err := crypto.ValidateEncryptionKey(req.EncryptionPublicKey); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid encryption_public_key")
		return
	}
	if req.Alias != "" && !isValidAlias(req.Alias) {
		h.Error(w, http.StatusBadRequest, "alias must be 2-64 characters (letters, digits, . _ -)")
		return
	}

	// The vault id is bound to the signing key. A claimed id that does
	// not re-derive is a hijack attempt, not a lookup miss.
	vaultID := crypto.DeriveVaultID(signingPub)
	if req.VaultID != vaultID {
		h.Error(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	ch, err := h.store.TakeChallenge(r.Context(), vaultID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	now := time.Now().UTC()
	if ch == nil || ch.Stale(now, h.challengeTTL) {
		h.Error(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	if ch.SigningPublicKey != req.SigningPublicKey || ch.EncryptionPublicKey != req.EncryptionPublicKey {
		h.Error(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	if err := crypto.VerifyChallenge(signingPub, ch.Challenge, req.Signature); err != nil {
		h.Error(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	// Re-registration of the same vault id is key rotation for the
	// encryption key; the signing key cannot change without changing
	// the id, and the challenge signature just proved control of it.
	existing, err := h.store.GetAgent(r.Context(), vaultID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	agent := &models.Agent{
		VaultID:             vaultID,
		SigningPublicKey:    req.SigningPublicKey,
		EncryptionPublicKey: req.EncryptionPublicKey,
		RegisteredAt:        now,
		LastSeenAt:          now,
	}
	status := http.StatusCreated
	if existing != nil {
		agent.RegisteredAt = existing.RegisteredAt
		agent.Alias = existing.Alias
		status = http.StatusOK
	}
	if req.Alias != "" && req.Alias != agent.Alias {
		holder, err := h.store.GetAgentByAlias(r.Context(), req.Alias)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "database error")
			return
		}
		if holder != nil && holder.VaultID != vaultID {
			h.Error(w, http.StatusConflict, "alias already taken")
			return
		}
		agent.Alias = req.Alias
	}

	if err := h.store.UpsertAgent(r.Context(), agent); err != nil {
		// The pre-check above can lose a race; the store's uniqueness
		// guarantee is the one that holds.
		if errors.Is(err, store.ErrAliasTaken) {
			h.Error(w, http.StatusConflict, "alias already taken")
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to register agent")
		return
	}

	if existing == nil {
		metrics.AgentsRegistered.Inc()
	}

	h.logger.Info().
		Str("vault", vaultID).
		Str("alias", agent.Alias).
		Bool("rotation", existing != nil).
		Msg("agent registered")

	h.JSON(w, status, RegisterResponse{
		VaultID:      vaultID,
		Alias:        agent.Alias,
		RegisteredAt: agent.RegisteredAt.Format(time.RFC3339),
	})
}
