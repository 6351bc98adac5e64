// Package hardening rejects insecure server configuration in production-like
// environments.
package hardening

import (
	"errors"
	"fmt"
	"strings"

	"notesync/pkg/auth"
)

// MinSecretBytes is the shortest HS256 secret accepted in production.
const MinSecretBytes = 32

type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	StoreBackend          string
	DatabaseRequireTLS    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	AuthMode              string
	JWTSecret             string
	JWKSURL               string
	CORSAllowedOrigins    string
	WSAllowedOrigins      string
}

// ValidateProduction returns every violation at once, joined.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: strict production hardening "+format, append([]any{service}, args...)...))
	}

	switch strings.ToLower(strings.TrimSpace(o.StoreBackend)) {
	case "postgres":
		if !isTrue(o.DatabaseRequireTLS, false) {
			fail("requires DATABASE_REQUIRE_TLS=true")
		}
	default:
		fail("requires STORE_BACKEND=postgres, got %q", o.StoreBackend)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			fail("requires REDIS_REQUIRE_TLS=true")
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			fail("forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
		}
	}
	switch strings.ToLower(strings.TrimSpace(o.AuthMode)) {
	case "rs256":
		switch {
		case !auth.IsValidURL(o.JWKSURL):
			fail("requires a valid OIDC_JWKS_URL, got %q", o.JWKSURL)
		case !strings.HasPrefix(strings.ToLower(strings.TrimSpace(o.JWKSURL)), "https://"):
			fail("requires an https OIDC_JWKS_URL")
		}
	default:
		if len(o.JWTSecret) < MinSecretBytes {
			fail("requires JWT_SECRET of at least %d bytes", MinSecretBytes)
		}
	}
	for _, origins := range []struct{ key, raw string }{
		{"CORS_ALLOWED_ORIGINS", o.CORSAllowedOrigins},
		{"WS_ALLOWED_ORIGINS", o.WSAllowedOrigins},
	} {
		if err := validateOrigins(origins.key, origins.raw); err != nil {
			fail("%v", err)
		}
	}
	return errors.Join(errs...)
}

func validateOrigins(key, raw string) error {
	valid := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		valid++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("forbids %s wildcard origin", key)
		}
		if isLoopback(lower) {
			return fmt.Errorf("forbids localhost %s origin %q", key, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("requires HTTPS %s origin, got %q", key, o)
		}
	}
	if valid == 0 {
		return fmt.Errorf("requires explicit %s", key)
	}
	return nil
}

func isLoopback(origin string) bool {
	for _, prefix := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
