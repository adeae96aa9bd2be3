package handlers

import (
	"net/http"
	"strconv"
	"time"
)

// AgentInfo is the public directory entry for a registered agent. Only
// public key material ever leaves the relay.
type AgentInfo struct {
	VaultID             string `json:"vault_id"`
	Alias               string `json:"alias,omitempty"`
	SigningPublicKey    string `json:"signing_public_key"`
	EncryptionPublicKey string `json:"encryption_public_key"`
	RegisteredAt        string `json:"registered_at"`
	LastSeenAt          string `json:"last_seen_at"`
}

// AgentsResponse is the directory listing.
type AgentsResponse struct {
	Agents []AgentInfo `json:"agents"`
	Count  int         `json:"count"`
}

// Agents handles GET /agents.
func (h *Handler) Agents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	agents, err := h.store.ListAgents(r.Context(), limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	out := make([]AgentInfo, len(agents))
	for i, a := range agents {
		out[i] = AgentInfo{
			VaultID:             a.VaultID,
			Alias:               a.Alias,
			SigningPublicKey:    a.SigningPublicKey,
			EncryptionPublicKey: a.EncryptionPublicKey,
			RegisteredAt:        a.RegisteredAt.Format(time.RFC3339),
			LastSeenAt:          a.LastSeenAt.Format(time.RFC3339),
		}
	}

	h.JSON(w, http.StatusOK, AgentsResponse{Agents: out, Count: len(out)})
}
