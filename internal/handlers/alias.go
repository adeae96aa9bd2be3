package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/clawsend/internal/api/middleware"
	"github.com/openclaw/clawsend/internal/store"
)

// SetAliasRequest claims or updates an alias for the signing vault.
type SetAliasRequest struct {
	Alias string `json:"alias"`
}

// AliasResponse maps an alias to its vault.
type AliasResponse struct {
	Alias   string `json:"alias"`
	VaultID string `json:"vault_id"`
}

// SetAlias handles POST /alias. Uniqueness is enforced here, at claim
// time, not at send time.
func (h *Handler) SetAlias(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	var req SetAliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !isValidAlias(req.Alias) {
		h.Error(w, http.StatusBadRequest, "alias must be 2-64 characters (letters, digits, . _ -)")
		return
	}

	if err := h.store.SetAlias(r.Context(), agent.VaultID, req.Alias); err != nil {
		if errors.Is(err, store.ErrAliasTaken) {
			h.Error(w, http.StatusConflict, "alias already taken")
			return
		}
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	h.logger.Info().Str("vault", agent.VaultID).Str("alias", req.Alias).Msg("alias set")

	h.JSON(w, http.StatusOK, AliasResponse{
		Alias:   req.Alias,
		VaultID: agent.VaultID,
	})
}

// ResolveAlias handles GET /resolve/{alias}.
func (h *Handler) ResolveAlias(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")
	if !isValidAlias(alias) {
		h.Error(w, http.StatusBadRequest, "invalid alias")
		return
	}

	agent, err := h.store.GetAgentByAlias(r.Context(), alias)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if agent == nil {
		h.Error(w, http.StatusNotFound, "alias not found")
		return
	}

	h.JSON(w, http.StatusOK, AliasResponse{
		Alias:   alias,
		VaultID: agent.VaultID,
	})
}
