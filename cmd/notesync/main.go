package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"notesync/pkg/auth"
	"notesync/pkg/hardening"
	"notesync/pkg/metrics"
	"notesync/pkg/notes"
	"notesync/pkg/ownership"
	"notesync/pkg/ratelimit"
	"notesync/pkg/store"
	"notesync/pkg/stream"
	"notesync/pkg/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Testable variables for main()
var (
	exitf = func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
		os.Exit(1)
	}
	initTelemetryFn = telemetry.Init
	openPostgresFn  = func(ctx context.Context) (*pgxpool.Pool, error) {
		return store.OpenPostgres(ctx, store.PostgresConfigFromEnv())
	}
	openRedisFn = func(ctx context.Context) (*redis.Client, error) {
		cfg, err := store.RedisConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return store.OpenRedis(ctx, cfg)
	}
	listenFn = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runServer(ctx, loadConfig(), os.Stderr); err != nil {
		exitf("notesync: %v", err)
	}
}

// Config is the server configuration, read once at startup.
type Config struct {
	Addr               string
	Environment        string
	StrictProdSecurity string
	LogLevel           string

	AuthMode  string
	JWTSecret string
	JWKSURL   string
	Issuer    string
	Audience  string

	StoreBackend string
	RedisAddr    string

	RateLimitEnabled   bool
	RateLimitPerMinute int
	RateLimitWindow    time.Duration

	CORSAllowedOrigins string
	WSAllowedOrigins   string
	StreamBuffer       int
	StreamIdleTimeout  time.Duration
	FanoutScope        string
	ServerAnnounce     bool

	MaxRequestBodyBytes int64
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
	ShutdownTimeout     time.Duration
}

func loadConfig() Config {
	return Config{
		Addr:                env("ADDR", ":8080"),
		Environment:         env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:  env("STRICT_PROD_SECURITY", "true"),
		LogLevel:            env("LOG_LEVEL", "info"),
		AuthMode:            env("AUTH_MODE", auth.ModeHS256),
		JWTSecret:           env("JWT_SECRET", ""),
		JWKSURL:             env("OIDC_JWKS_URL", ""),
		Issuer:              env("OIDC_ISSUER", ""),
		Audience:            env("OIDC_AUDIENCE", ""),
		StoreBackend:        strings.ToLower(env("STORE_BACKEND", "memory")),
		RedisAddr:           env("REDIS_ADDR", ""),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitWindow:     envDurationSec("RATE_LIMIT_WINDOW_SEC", 60),
		CORSAllowedOrigins:  env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:    env("WS_ALLOWED_ORIGINS", ""),
		StreamBuffer:        envInt("STREAM_BUFFER", 16),
		StreamIdleTimeout:   envDurationSec("STREAM_IDLE_TIMEOUT_SEC", 60),
		FanoutScope:         strings.ToLower(env("FANOUT_SCOPE", "all")),
		ServerAnnounce:      env("SERVER_ANNOUNCE", "false") == "true",
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		ReadHeaderTimeout:   envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:         envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:        envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:         envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
		ShutdownTimeout:     envDurationSec("HTTP_SHUTDOWN_TIMEOUT_SEC", 10),
	}
}

func runServer(ctx context.Context, cfg Config, logOut io.Writer) error {
	logger := newLogger(logOut, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "notesync",
		Environment:           cfg.Environment,
		StrictProdSecurity:    cfg.StrictProdSecurity,
		StoreBackend:          cfg.StoreBackend,
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             cfg.RedisAddr,
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		AuthMode:              cfg.AuthMode,
		JWTSecret:             cfg.JWTSecret,
		JWKSURL:               cfg.JWKSURL,
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
		WSAllowedOrigins:      cfg.WSAllowedOrigins,
	}); err != nil {
		return err
	}

	gate, err := auth.NewGate(cfg.AuthMode, cfg.JWTSecret,
		auth.WithJWKS(cfg.JWKSURL),
		auth.WithIssuer(cfg.Issuer),
		auth.WithAudience(cfg.Audience),
		auth.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	shutdownTelemetry, err := initTelemetryFn(ctx, telemetry.ConfigFromEnv("notesync"), logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	var noteStore, taskStore notes.Store
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := openPostgresFn(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		noteStore = notes.NewPostgresStore(pool)
		taskStore = notes.NewPostgresTaskStore(pool)
	case "memory", "":
		logger.Warn("using in-memory stores; notes and tasks are lost on restart")
		noteStore = notes.NewMemoryStore()
		taskStore = notes.NewMemoryStore()
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", cfg.StoreBackend)
	}

	var scope stream.Scope
	switch cfg.FanoutScope {
	case "all", "":
		scope = stream.ScopeAll
	case "identity":
		scope = stream.ScopeIdentity
	default:
		return fmt.Errorf("unsupported FANOUT_SCOPE %q", cfg.FanoutScope)
	}

	s := &Server{
		Gate:    gate,
		Notes:   ownership.NewGuard(noteStore),
		Tasks:   ownership.NewGuard(taskStore),
		Hub:     stream.NewHub(stream.WithScope(scope)),
		Metrics: metrics.NewRegistry(),
		Logger:  logger,
		Config:  cfg,
	}
	s.Notes.OnDeny = func(id auth.Identity, recordID string) {
		s.Metrics.IncDenial()
		logger.Debug("ownership denied", "identity", id, "note_id", recordID)
	}
	s.Tasks.OnDeny = func(id auth.Identity, recordID string) {
		s.Metrics.IncDenial()
		logger.Debug("ownership denied", "identity", id, "task_id", recordID)
	}

	if cfg.RateLimitEnabled {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		s.Limiter = ratelimit.NewFixedWindow(window)
		if cfg.RedisAddr != "" {
			client, err := openRedisFn(ctx)
			if err != nil {
				logger.Warn("redis unavailable, falling back to in-memory limits", "err", err)
			} else {
				defer client.Close()
				rl := ratelimit.NewRedis(client, window)
				rl.Logger = logger
				s.Limiter = rl
			}
		}
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("notesync listening", "addr", cfg.Addr, "store", cfg.StoreBackend, "fanout_scope", cfg.FanoutScope)
		errCh <- listenFn(server)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down", "open_streams", s.Hub.Len())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})).With("service", "notesync")
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}
