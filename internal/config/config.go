// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Mirror repository
	RepositoryDir     string
	StaleCacheSize    int
	LockCacheSize     int
	DefaultEncoding   string
	ClientCacheMaxAge int // seconds, 0 disables the Cache-Control header

	// Taglib prefixes available to templates, "prefix=uri" pairs
	Taglibs map[string]string

	// Content store backend ("local", "s3" or "smb", default: "local")
	StorageBackend   string
	LocalStoragePath string
	SMBMountPath     string

	// S3 content store
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// TLS (optional — if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Auth
	JWTSecret     string
	AdminPassword string

	// OIDC (optional)
	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCAdminClaim   string
	OIDCAdminValue   string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:       envOr("METRICS_ADDR", ":9090"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
		DatabaseURL:       envOr("DATABASE_URL", ""),
		RepositoryDir:     envOr("REPOSITORY_DIR", "/data/repository"),
		StaleCacheSize:    envInt("STALE_CACHE_SIZE", 1000),
		LockCacheSize:     envInt("LOCK_CACHE_SIZE", 10000),
		DefaultEncoding:   envOr("DEFAULT_ENCODING", "UTF-8"),
		ClientCacheMaxAge: envInt("CLIENT_CACHE_MAXAGE", 0),
		Taglibs:           envPairs("TAGLIBS"),
		StorageBackend:    envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath:  envOr("LOCAL_STORAGE_PATH", "/data/storage"),
		SMBMountPath:      envOr("SMB_MOUNT_PATH", ""),
		S3Endpoint:        envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:          envOr("S3_BUCKET", "pagemill"),
		S3AccessKey:       envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:       envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		S3UseSSL:          envBool("S3_USE_SSL", false),
		TLSCertFile:       envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:        envOr("TLS_KEY_FILE", ""),
		JWTSecret:         envOr("JWT_SECRET", ""),
		AdminPassword:     envOr("ADMIN_PASSWORD", ""),
		OIDCIssuerURL:     envOr("OIDC_ISSUER_URL", ""),
		OIDCClientID:      envOr("OIDC_CLIENT_ID", ""),
		OIDCClientSecret:  envOr("OIDC_CLIENT_SECRET", ""),
		OIDCAdminClaim:    envOr("OIDC_ADMIN_CLAIM", "is_admin"),
		OIDCAdminValue:    envOr("OIDC_ADMIN_VALUE", "true"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.AdminPassword == "" {
		return nil, fmt.Errorf("ADMIN_PASSWORD is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

// envPairs parses "key=value,key=value" lists, e.g.
// TAGLIBS="cms=http://example.com/taglib/cms,fmt=http://java.sun.com/jsp/jstl/fmt"
func envPairs(key string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || name == "" || value == "" {
			continue
		}
		out[name] = value
	}
	return out
}
