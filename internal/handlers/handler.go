package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/clawsend/internal/ratelimit"
	"github.com/openclaw/clawsend/internal/store"
)

// aliasRegex constrains aliases to 2-64 chars of a safe charset, starting
// with a letter or digit.
var aliasRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{1,63}$`)

// ReceiveBatchMax caps how many messages one receive poll returns.
const ReceiveBatchMax = 100

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store        store.Store
	limiter      ratelimit.Limiter
	logger       zerolog.Logger
	challengeTTL time.Duration
}

// NewHandler creates a new Handler.
func NewHandler(s store.Store, limiter ratelimit.Limiter, logger zerolog.Logger, challengeTTL time.Duration) *Handler {
	return &Handler{
		store:        s,
		limiter:      limiter,
		logger:       logger,
		challengeTTL: challengeTTL,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// isValidAlias reports whether the alias meets the naming rules.
func isValidAlias(alias string) bool {
	return aliasRegex.MatchString(alias)
}
