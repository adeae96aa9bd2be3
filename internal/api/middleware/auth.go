package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/openclaw/clawsend/internal/crypto"
	"github.com/openclaw/clawsend/internal/envelope"
	"github.com/openclaw/clawsend/internal/metrics"
	"github.com/openclaw/clawsend/internal/models"
	"github.com/openclaw/clawsend/internal/store"
)

type contextKey string

const AgentContextKey contextKey = "agent"

// Auth header names for signed requests.
const (
	HeaderVaultID   = "X-Clawsend-Vault"
	HeaderSignature = "X-Clawsend-Signature"
)

// AuthMiddleware verifies request signatures against registered keys.
type AuthMiddleware struct {
	store store.Store
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(s store.Store) *AuthMiddleware {
	return &AuthMiddleware{store: s}
}

// RequireAuth verifies the Ed25519 signature over the canonical form of
// the request body. The sender must already be registered; the signature
// is checked against the key on file, not any key carried in the request.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vaultID := r.Header.Get(HeaderVaultID)
		signature := r.Header.Get(HeaderSignature)

		if vaultID == "" || signature == "" {
			authFail(w, "missing_headers", "missing auth headers")
			return
		}

		agent, err := m.store.GetAgent(r.Context(), vaultID)
		if err != nil {
			authFail(w, "store_error", "agent lookup failed")
			return
		}
		if agent == nil {
			authFail(w, "unknown_vault", "vault not registered")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body)) // Reset for handler

		canonical := body
		if len(body) > 0 {
			canonical, err = envelope.CanonicalBytes(body)
			if err != nil {
				jsonError(w, http.StatusBadRequest, "request body is not valid JSON")
				return
			}
		}

		pub, err := crypto.ValidateSigningKey(agent.SigningPublicKey)
		if err != nil {
			authFail(w, "bad_key", "registered key is invalid")
			return
		}
		if err := crypto.Verify(pub, canonical, signature); err != nil {
			authFail(w, "bad_signature", "invalid signature")
			return
		}

		ctx := context.WithValue(r.Context(), AgentContextKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func authFail(w http.ResponseWriter, reason, message string) {
	metrics.AuthFailures.WithLabelValues(reason).Inc()
	jsonError(w, http.StatusUnauthorized, message)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetAgentFromContext retrieves the authenticated agent from the request context.
func GetAgentFromContext(ctx context.Context) *models.Agent {
	agent, ok := ctx.Value(AgentContextKey).(*models.Agent)
	if !ok {
		return nil
	}
	return agent
}
