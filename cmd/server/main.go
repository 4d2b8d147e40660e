// Command server runs the wide workspace backend: the file action
// endpoint, the terminal websocket and the metrics listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wide-ide/wide/internal/api"
	"github.com/wide-ide/wide/internal/config"
	"github.com/wide-ide/wide/internal/events"
	"github.com/wide-ide/wide/internal/fileops"
	"github.com/wide-ide/wide/internal/logging"
	"github.com/wide-ide/wide/internal/metrics"
	"github.com/wide-ide/wide/internal/quota"
	"github.com/wide-ide/wide/internal/registry"
	"github.com/wide-ide/wide/internal/sandbox"
	"github.com/wide-ide/wide/internal/shell"
	"github.com/wide-ide/wide/internal/storage/local"
)

func main() {
	flagSet := pflag.NewFlagSet("wide-server", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", os.Getenv("WIDE_CONFIG"), "path to a YAML config file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("wide server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("shell", cfg.ShellAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := loadRegistry(ctx, cfg)
	if err != nil {
		logging.Fatal("failed to load project registry", zap.Error(err))
	}
	metrics.SetRegistryProjects(reg.Len())
	if reg.Len() == 0 {
		logging.Warn("config doesn't have any projects")
	} else {
		logging.Info("project registry loaded", zap.Int("projects", reg.Len()))
	}

	broadcaster := events.NewBroadcaster()
	rateLimiter := quota.NewRateLimiter(cfg.RequestsPerMinute)

	dispatcher := fileops.New(reg, local.New(local.Config{CreateDirs: cfg.CreateDirs}), broadcaster, fileops.Config{
		BasePath: cfg.BasePath,
		Policy: sandbox.Policy{
			AllowProtected:      cfg.AllowProtected,
			ProtectedExtensions: cfg.ProtectedExtensions,
		},
	})

	srv := api.NewServer(dispatcher, reg, broadcaster, rateLimiter, api.Options{
		MaxRequestSize: cfg.MaxRequestSize,
		CORSOrigin:     cfg.CORSOrigin,
	})

	bridge := shell.NewBridge(reg, &shell.PTYSpawner{
		Shell: cfg.Shell,
		Args:  cfg.ShellArgs,
		Term:  cfg.ShellTerm,
	}, shell.Config{
		RootMode:      cfg.ShellRootMode,
		Root:          cfg.ShellRoot,
		BasePath:      cfg.BasePath,
		Cols:          uint16(cfg.ShellCols),
		Rows:          uint16(cfg.ShellRows),
		AllowedOrigin: cfg.CORSOrigin,
	})
	shellMux := http.NewServeMux()
	shellMux.Handle("GET /shell", bridge)

	baseContext := func(net.Listener) context.Context { return ctx }

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     srv.Handler(),
		BaseContext: baseContext,
	}
	shellServer := &http.Server{
		Addr:        cfg.ShellAddr,
		Handler:     metrics.Middleware(logging.Middleware(shellMux)),
		BaseContext: baseContext,
	}

	serve := func(name string, s *http.Server) {
		logging.Info(name+" server listening", zap.String("addr", s.Addr))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal(name+" server error", zap.Error(err))
		}
	}
	go serve("metrics", metricsServer)
	go serve("shell", shellServer)

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rateLimiter.Cleanup(24 * time.Hour)
			}
		}
	}()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")

		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer done()

		// Ends SSE streams and live terminal sessions.
		cancel()
		if err := bridge.Shutdown(shutdownCtx); err != nil {
			logging.Warn("shell sessions did not close in time", zap.Error(err))
		}
		for _, s := range []*http.Server{shellServer, httpServer, metricsServer} {
			if err := s.Shutdown(shutdownCtx); err != nil {
				logging.Error("server shutdown failed", zap.String("addr", s.Addr), zap.Error(err))
				s.Close()
			}
		}
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}
	<-stopped
	logging.Info("server stopped")
}

// loadRegistry reads project descriptors from Postgres when a database
// URL is configured, otherwise from the registry document.
func loadRegistry(ctx context.Context, cfg *config.Config) (*registry.Registry, error) {
	hasher, err := registry.NewHasher(cfg.KeyHash, cfg.KeySalt)
	if err != nil {
		return nil, err
	}

	var projects []*registry.Project
	if cfg.RegistryDatabaseURL != "" {
		loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		logging.Info("loading projects from PostgreSQL...", zap.String("table", cfg.RegistryTable))
		projects, err = registry.LoadPostgres(loadCtx, cfg.RegistryDatabaseURL, cfg.RegistryTable)
	} else {
		logging.Info("loading projects from file...", zap.String("path", cfg.RegistryPath))
		projects, err = registry.LoadFile(cfg.RegistryPath)
	}
	if err != nil {
		return nil, err
	}
	return registry.New(projects, hasher), nil
}
