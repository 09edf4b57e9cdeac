package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

const (
	// APIKeyPrefix distinguishes control API keys from Matrix access
	// tokens, which must never be accepted here.
	APIKeyPrefix = "rx_"
	// APIKeyMinLen is the prefix plus 32 hex characters.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey binds a pre-configured key to the operator identity it
// authenticates.
type APIKey struct {
	UserID string
	Key    string
}

// KeyStore holds the configured API keys. It is immutable after
// construction and safe for concurrent use.
type KeyStore struct {
	keys []APIKey
}

// NewKeyStore returns a KeyStore over the given keys.
func NewKeyStore(keys []APIKey) *KeyStore {
	return &KeyStore{keys: append([]APIKey(nil), keys...)}
}

// Validate returns the entry matching token, or nil. Every configured key
// is compared so the time taken does not depend on which one matched.
func (s *KeyStore) Validate(token string) *APIKey {
	if s == nil {
		return nil
	}

	var found *APIKey

	for i := range s.keys {
		if subtle.ConstantTimeCompare([]byte(s.keys[i].Key), []byte(token)) == 1 {
			found = &s.keys[i]
		}
	}

	return found
}

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

// RequestUserID returns the authenticated operator ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware returns HTTP middleware that validates Bearer API keys.
// Unauthenticated requests get a 401 with a WWW-Authenticate header.
func Middleware(keys *KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	const (
		wwwAuthNoToken = `Bearer realm="riotx-sync"`
		wwwAuthInvalid = `Bearer realm="riotx-sync", error="invalid_token"`
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			var ak *APIKey
			if strings.HasPrefix(token, APIKeyPrefix) {
				ak = keys.Validate(token)
			}

			if ak == nil {
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via API key",
				slog.String("user_id", ak.UserID),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, ak.UserID)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
