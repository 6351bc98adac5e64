package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	TLS         *tls.Config
	PingTimeout time.Duration
}

func RedisConfigFromEnv() (RedisConfig, error) {
	tlsConfig, err := loadRedisTLSConfigFromEnv()
	if err != nil {
		return RedisConfig{}, err
	}
	if envBool("REDIS_REQUIRE_TLS") && tlsConfig == nil {
		return RedisConfig{}, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	return RedisConfig{
		Addr:        envOr("REDIS_ADDR", "localhost:6379"),
		Password:    os.Getenv("REDIS_PASSWORD"),
		DB:          envInt("REDIS_DB", 0),
		TLS:         tlsConfig,
		PingTimeout: 2 * time.Second,
	}, nil
}

// OpenRedis returns a client only after the server answers a ping.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func loadRedisTLSConfigFromEnv() (*tls.Config, error) {
	if !envBool("REDIS_TLS") {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if envBool("REDIS_TLS_INSECURE") {
		if !envBool("REDIS_ALLOW_INSECURE_TLS") {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	cfg.ServerName = strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	if caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
