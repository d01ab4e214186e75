// File browser server
//
// Serves a single directory tree over HTTP:
// - JWT login against a YAML users file (bcrypt hashes)
// - listing, download and zip archives for any authenticated user
// - move and delete for admins
// - SSE change notifications, Prometheus metrics, structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/filebrowser/internal/api"
	"github.com/fruitsalade/filebrowser/internal/archive"
	"github.com/fruitsalade/filebrowser/internal/auth"
	"github.com/fruitsalade/filebrowser/internal/config"
	"github.com/fruitsalade/filebrowser/internal/events"
	"github.com/fruitsalade/filebrowser/internal/fileops"
	"github.com/fruitsalade/filebrowser/internal/logging"
	"github.com/fruitsalade/filebrowser/internal/metrics"
	"github.com/fruitsalade/filebrowser/internal/sandbox"
)

const shutdownTimeout = 10 * time.Second

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

	logging.Info("file browser starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("root", cfg.Root))

	sb, err := sandbox.New(cfg.Root)
	if err != nil {
		logging.Fatal("invalid root", zap.Error(err))
	}
	if len(cfg.Users) == 0 {
		logging.Warn("no users configured, every login will fail")
	}

	broadcaster := events.NewBroadcaster()
	ops := fileops.New(sb, fileops.Options{
		Exclude: cfg.Exclude,
		Events:  broadcaster,
	})
	tokens := auth.NewAuthority(cfg.JWTSecret, cfg.TokenTTL())

	srv := api.NewServer(
		ops,
		archive.NewZipper(sb, ops.Hidden),
		auth.NewAuthorizer(tokens),
		auth.NewLoginHandler(cfg.Users, tokens),
		broadcaster,
		cfg.PublicDir,
	)

	// Start metrics server
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		adminMux := http.NewServeMux()
		adminMux.Handle("/metrics", metrics.Handler())
		adminMux.Handle("/log/level", logging.LevelHandler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           adminMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Open SSE streams would otherwise hold Shutdown until its deadline.
	httpServer.RegisterOnShutdown(broadcaster.Close)
	if cfg.UseTLS() {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	idle := make(chan struct{})
	go func() {
		defer close(idle)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")

		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("forced shutdown", zap.Error(err))
			httpServer.Close()
		}
		if metricsServer != nil {
			metricsServer.Close()
		}
	}()

	if cfg.UseTLS() {
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
	<-idle
	logging.Info("server stopped")
}
