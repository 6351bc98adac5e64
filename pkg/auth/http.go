package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"notesync/pkg/httpx"
)

type contextKey string

const identityContextKey contextKey = "notesync.identity"

// Authenticator is satisfied by *Gate.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// TokenExtractor pulls the presented token out of a request.
type TokenExtractor func(r *http.Request) string

// BearerToken returns the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

// StreamToken also accepts an access_token query parameter, since browser
// WebSocket clients cannot set headers on the upgrade request.
func StreamToken(r *http.Request) string {
	if tok := BearerToken(r); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// Middleware rejects requests with 401 before any handler runs and puts the
// derived Identity into the request context.
func Middleware(a Authenticator, extract TokenExtractor) func(http.Handler) http.Handler {
	if extract == nil {
		extract = BearerToken
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r.Context(), extract(r))
			if err != nil {
				if errors.Is(err, ErrMissingCredential) {
					httpx.Error(w, http.StatusUnauthorized, "missing bearer token")
					return
				}
				httpx.Error(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v := ctx.Value(identityContextKey)
	if v == nil {
		return "", false
	}
	id, ok := v.(Identity)
	return id, ok && id != ""
}

func IsValidURL(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	parsed, err := url.Parse(raw)
	return err == nil && parsed.Scheme != "" && parsed.Host != ""
}
