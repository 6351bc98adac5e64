package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
)

const (
	ModeHS256 = "hs256"
	ModeRS256 = "rs256"
)

// Identity is the principal id carried by a verified token.
type Identity string

func (i Identity) String() string { return string(i) }

type GateConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Now      func() time.Time
	// Context bounds the background JWKS refresh in RS256 mode.
	Context context.Context
}

type Option func(*GateConfig)

func WithJWKS(url string) Option {
	return func(cfg *GateConfig) {
		cfg.JWKSURL = strings.TrimSpace(url)
	}
}

func WithIssuer(issuer string) Option {
	return func(cfg *GateConfig) {
		cfg.Issuer = strings.TrimSpace(issuer)
	}
}

func WithAudience(audience string) Option {
	return func(cfg *GateConfig) {
		cfg.Audience = strings.TrimSpace(audience)
	}
}

func WithContext(ctx context.Context) Option {
	return func(cfg *GateConfig) {
		if ctx != nil {
			cfg.Context = ctx
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(cfg *GateConfig) {
		if now != nil {
			cfg.Now = now
		}
	}
}

// Gate verifies bearer tokens. It holds only immutable key material and is
// safe for concurrent use.
type Gate struct {
	mode   string
	secret []byte
	jwks   keyfunc.Keyfunc
	parser *jwt.Parser
}

func NewGate(mode, secret string, options ...Option) (*Gate, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := GateConfig{Now: func() time.Time { return time.Now().UTC() }, Context: context.Background()}
	for _, opt := range options {
		opt(&cfg)
	}
	g := &Gate{mode: mode}
	parserOpts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(cfg.Now),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}
	switch mode {
	case ModeHS256, "":
		if secret == "" {
			return nil, errors.New("secret is required")
		}
		g.mode = ModeHS256
		g.secret = []byte(secret)
		parserOpts = append(parserOpts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	case ModeRS256:
		if !IsValidURL(cfg.JWKSURL) {
			return nil, errors.New("a valid jwks url is required")
		}
		jwks, err := keyfunc.NewDefaultCtx(cfg.Context, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		g.jwks = jwks
		parserOpts = append(parserOpts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
	g.parser = jwt.NewParser(parserOpts...)
	return g, nil
}

// Authenticate derives the Identity from a presented token without consulting
// any store. Every failure is ErrMissingCredential or wraps ErrInvalidCredential.
func (g *Gate) Authenticate(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingCredential
	}
	claims := jwt.MapClaims{}
	if _, err := g.parser.ParseWithClaims(token, claims, g.keyFunc(ctx)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	id := identityClaim(claims)
	if id == "" {
		return "", fmt.Errorf("%w: subject required", ErrInvalidCredential)
	}
	return id, nil
}

// keyFunc resolves the verification key: the shared secret, or the JWKS key
// named by the token's kid.
func (g *Gate) keyFunc(ctx context.Context) jwt.Keyfunc {
	if g.mode == ModeRS256 {
		return g.jwks.KeyfuncCtx(ctx)
	}
	return func(*jwt.Token) (any, error) {
		return g.secret, nil
	}
}

// identityClaim reads sub, then the id/user_id claims older issuers used.
func identityClaim(claims jwt.MapClaims) Identity {
	if sub, err := claims.GetSubject(); err == nil && strings.TrimSpace(sub) != "" {
		return Identity(strings.TrimSpace(sub))
	}
	for _, key := range []string{"id", "user_id"} {
		if v, ok := claims[key].(string); ok && strings.TrimSpace(v) != "" {
			return Identity(strings.TrimSpace(v))
		}
	}
	return ""
}
