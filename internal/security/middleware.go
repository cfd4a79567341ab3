package security

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/avaropoint/agstream/internal/store"
)

// KeyStore is the part of the store the middleware needs.
type KeyStore interface {
	VerifyAPIKey(ctx context.Context, keyHash string) (*store.APIKey, error)
	CountAPIKeys(ctx context.Context) (int, error)
}

// AuthMiddleware validates API key authentication on HTTP requests.
// While no key exists the API stays open, so a fresh install works
// before `agstream apikey create` has been run.
type AuthMiddleware struct {
	keys KeyStore
	log  *slog.Logger
}

type apiKeyCtx struct{}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(keys KeyStore, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{keys: keys, log: logger.With("component", "auth")}
}

// Handler wraps next so that it requires a valid API key once any key
// exists. The key can be provided via Authorization header or "token"
// query parameter.
func (a *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		n, err := a.keys.CountAPIKeys(ctx)
		if err != nil {
			a.log.Error("count api keys", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if n == 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := extractKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		apiKey, err := a.keys.VerifyAPIKey(ctx, HashAPIKey(key))
		if err != nil || apiKey == nil {
			a.log.Warn("rejected api key", "remote", r.RemoteAddr, "error", err)
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, apiKeyCtx{}, apiKey)))
	})
}

// KeyFromContext returns the API key that authenticated the request, if any.
func KeyFromContext(ctx context.Context) (*store.APIKey, bool) {
	k, ok := ctx.Value(apiKeyCtx{}).(*store.APIKey)
	return k, ok
}

// extractKey gets the API key from the request.
// Checks Authorization: Bearer <key> header first, then "token" query param.
func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if key, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(key)
		}
	}
	return r.URL.Query().Get("token")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
