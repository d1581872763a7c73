// stashd server
//
// Path-scoped file storage behind a provider abstraction:
// - relative paths contained to a fixed root, traversal rejected
// - multi-backend storage (local filesystem, S3, SMB mounts)
// - signed, time-limited share links
// - Prometheus metrics & structured logging (zap)
// - SSE change notifications
// - WebDAV access and per-client rate limiting
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stashd/stashd/internal/api"
	"github.com/stashd/stashd/internal/config"
	"github.com/stashd/stashd/internal/events"
	"github.com/stashd/stashd/internal/logging"
	"github.com/stashd/stashd/internal/metrics"
	"github.com/stashd/stashd/internal/quota"
	"github.com/stashd/stashd/internal/storage"
	"github.com/stashd/stashd/internal/storage/local"
	"github.com/stashd/stashd/internal/storage/router"
	s3provider "github.com/stashd/stashd/internal/storage/s3"
	"github.com/stashd/stashd/internal/storage/smb"
	"github.com/stashd/stashd/internal/webdav"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("stashd server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage router: location store when a database is configured,
	// otherwise a single backend straight from the environment.
	var storageRouter *router.Router
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		locationStore, err := router.OpenLocationStore(cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("location store init failed", zap.Error(err))
		}
		defer locationStore.Close()

		if err := ensureDefaultLocation(ctx, locationStore, cfg); err != nil {
			logging.Fatal("failed to ensure default storage location", zap.Error(err))
		}

		storageRouter, err = router.NewRouter(ctx, locationStore)
		if err != nil {
			logging.Fatal("storage router init failed", zap.Error(err))
		}
	} else {
		provider, err := newProviderFromEnv(ctx, cfg)
		if err != nil {
			logging.Fatal("storage provider init failed", zap.Error(err))
		}
		storageRouter = router.NewStatic(provider)
	}
	defer storageRouter.Close()

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster()
	logging.Info("SSE broadcaster initialized")

	// Create API server
	srv := api.NewServer(storageRouter, broadcaster, cfg)

	rootMux := http.NewServeMux()
	rootMux.Handle("/", srv.Handler())
	if cfg.WebDAVPrefix != "" {
		rootMux.Handle(cfg.WebDAVPrefix+"/", webdav.NewHandler(storageRouter, cfg.WebDAVPrefix))
		logging.Info("webdav endpoint enabled", zap.String("prefix", cfg.WebDAVPrefix))
	}

	var handler http.Handler = rootMux
	if cfg.RateLimitPerMin > 0 {
		limiter := quota.NewRateLimiter()
		handler = quota.Middleware(limiter, cfg.RateLimitPerMin)(handler)
		go func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					limiter.Cleanup(time.Hour)
				}
			}
		}()
		logging.Info("rate limiting enabled", zap.Int("rpm", cfg.RateLimitPerMin))
	}

	// Start metrics server
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

	// Start HTTP server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
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

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

// newProviderFromEnv builds the single storage provider selected by
// STORAGE_BACKEND.
func newProviderFromEnv(ctx context.Context, cfg *config.Config) (storage.Provider, error) {
	switch cfg.StorageBackend {
	case "s3":
		return s3provider.New(ctx, s3provider.ProviderConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			KeyPrefix: cfg.S3KeyPrefix,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	case "smb":
		return smb.New(smb.Config{MountPath: cfg.SMBMountPath})
	default:
		return local.New(local.Config{
			RootPath:   cfg.LocalStoragePath,
			CreateDirs: true,
		})
	}
}

// ensureDefaultLocation auto-creates a default storage location on
// first run, when the locations table is empty.
func ensureDefaultLocation(ctx context.Context, store *router.LocationStore, cfg *config.Config) error {
	rows, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		return nil
	}

	var name, backendType string
	var backendConfig json.RawMessage

	if cfg.StorageBackend == "s3" {
		name = "Default S3"
		backendType = "s3"
		backendConfig, _ = json.Marshal(s3provider.ProviderConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			KeyPrefix: cfg.S3KeyPrefix,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	} else {
		name = "Default Local"
		backendType = "local"
		backendConfig, _ = json.Marshal(local.Config{
			RootPath:   cfg.LocalStoragePath,
			CreateDirs: true,
		})
	}

	if err := store.Upsert(ctx, router.LocationRow{
		Name:        name,
		BackendType: backendType,
		Config:      backendConfig,
		IsDefault:   true,
	}); err != nil {
		return err
	}
	logging.Info("auto-created default storage location",
		zap.String("backend", backendType),
		zap.String("name", name))
	return nil
}
