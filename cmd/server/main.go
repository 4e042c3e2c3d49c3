// PageMill template mirror server.
//
// Regenerates virtual-store templates into a real-filesystem repository so
// the hosting container can serve them, keeping every mirror file no older
// than its source and its transitive references.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pagemill/pagemill/internal/api"
	"github.com/pagemill/pagemill/internal/auth"
	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/events"
	"github.com/pagemill/pagemill/internal/loader"
	"github.com/pagemill/pagemill/internal/logging"
	"github.com/pagemill/pagemill/internal/metrics"
	"github.com/pagemill/pagemill/internal/storage"
	"github.com/pagemill/pagemill/internal/storage/local"
	s3storage "github.com/pagemill/pagemill/internal/storage/s3"
	"github.com/pagemill/pagemill/internal/storage/smb"
	"github.com/pagemill/pagemill/internal/vfs"
	"github.com/pagemill/pagemill/internal/vfs/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("PageMill server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("repository", cfg.RepositoryDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Content store backend for template source bytes
	contentStore, err := newContentStore(ctx, cfg)
	if err != nil {
		logging.Fatal("content store init failed", zap.Error(err))
	}
	defer contentStore.Close()

	// Resource metadata in PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	store, err := postgres.New(cfg.DatabaseURL, contentStore)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if dir := findMigrationsDir(); dir != "" {
		logging.Info("running migrations...", zap.String("dir", dir))
		if err := store.Migrate(dir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	// Auth
	authHandler := auth.New(store.DB(), cfg.JWTSecret)
	if err := authHandler.EnsureAdmin(ctx, cfg.AdminPassword); err != nil {
		logging.Error("failed to ensure admin account", zap.Error(err))
	}
	if cfg.OIDCIssuerURL != "" {
		oidcProvider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
			IssuerURL:    cfg.OIDCIssuerURL,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			AdminClaim:   cfg.OIDCAdminClaim,
			AdminValue:   cfg.OIDCAdminValue,
		}, authHandler)
		if err != nil {
			logging.Fatal("OIDC provider init failed", zap.Error(err))
		}
		if oidcProvider != nil {
			authHandler.SetOIDCProvider(oidcProvider)
		}
	}

	// Invalidation bus
	broadcaster := events.NewBroadcaster()

	// Template mirror loader
	ld, err := loader.New(store, loader.Options{
		RepositoryDir:   cfg.RepositoryDir,
		CacheSize:       cfg.StaleCacheSize,
		LockCacheSize:   cfg.LockCacheSize,
		DefaultEncoding: cfg.DefaultEncoding,
		Taglibs:         cfg.Taglibs,
	})
	if err != nil {
		logging.Fatal("loader init failed", zap.Error(err))
	}

	// this node applies its own invalidation events like any subscriber
	go ld.ConsumeEvents(ctx, broadcaster.Subscribe())

	srv := api.NewServer(store, store, ld, authHandler, broadcaster, cfg)

	// Metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	// Periodic gauge updates
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				store.UpdateConnectionMetrics()
				online, offline := ld.StaleCacheSizes()
				metrics.SetStaleCacheSize(vfs.Online.String(), online)
				metrics.SetStaleCacheSize(vfs.Offline.String(), offline)
			}
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}

// newContentStore builds the configured storage backend for template source
// content.
func newContentStore(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	var raw json.RawMessage
	switch cfg.StorageBackend {
	case "s3":
		raw, _ = json.Marshal(s3storage.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	case "smb":
		raw, _ = json.Marshal(smb.Config{
			MountPath: cfg.SMBMountPath,
		})
	default:
		raw, _ = json.Marshal(local.Config{
			RootPath:   cfg.LocalStoragePath,
			CreateDirs: true,
		})
	}
	backend, err := storage.NewBackendFromConfig(ctx, cfg.StorageBackend, raw)
	if err != nil {
		return nil, err
	}
	logging.Info("content store initialized", zap.String("backend", backend.Type()))
	return backend, nil
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
