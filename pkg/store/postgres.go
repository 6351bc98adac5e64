// Package store opens the Postgres pool and Redis client the server depends
// on. Connection settings come from the environment.
package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var pgxPoolNewWithConfig = pgxpool.NewWithConfig

type PostgresConfig struct {
	URL            string
	RequireTLS     bool
	MaxConns       int32
	MinConns       int32
	ConnectRetries int
	RetryDelay     time.Duration
	PingTimeout    time.Duration
	AppName        string
}

// PostgresConfigFromEnv reads DATABASE_URL, or assembles one from the
// DATABASE_* parts when it is unset.
func PostgresConfigFromEnv() PostgresConfig {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = defaultPostgresURL()
	}
	return PostgresConfig{
		URL:            dsn,
		RequireTLS:     envBool("DATABASE_REQUIRE_TLS"),
		MaxConns:       int32(envInt("DATABASE_MAX_CONNS", 10)),
		MinConns:       int32(envInt("DATABASE_MIN_CONNS", 1)),
		ConnectRetries: envInt("DATABASE_CONNECT_RETRIES", 30),
		RetryDelay:     2 * time.Second,
		PingTimeout:    2 * time.Second,
		AppName:        "notesync",
	}
}

// OpenPostgres retries until the database answers a ping, ctx ends, or the
// retry budget runs out.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	if cfg.RequireTLS {
		if err := validatePostgresTLS(cfg.URL); err != nil {
			return nil, err
		}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.AppName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = map[string]string{}
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.AppName
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 && cfg.MinConns <= poolCfg.MaxConns {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 1
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			if err := wait(ctx, cfg.RetryDelay); err != nil {
				return nil, fmt.Errorf("db connect cancelled: %w", lastErr)
			}
		}
		pool, err := pgxPoolNewWithConfig(ctx, poolCfg)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func defaultPostgresURL() string {
	user := envOr("DATABASE_USER", "notesync")
	password := os.Getenv("POSTGRES_PASSWORD")
	host := envOr("DATABASE_HOST", "localhost")
	port := envOr("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + envOr("DATABASE_NAME", "notesync"),
	}
	if password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", envOr("DATABASE_SSLMODE", "disable"))
	uri.RawQuery = q.Encode()
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
