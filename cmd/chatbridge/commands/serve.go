package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/chatbridge/internal/cache"
	"github.com/opencode-ai/chatbridge/internal/config"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/logging"
	"github.com/opencode-ai/chatbridge/internal/provider"
	"github.com/opencode-ai/chatbridge/internal/server"
	"github.com/opencode-ai/chatbridge/internal/session"
	"github.com/opencode-ai/chatbridge/internal/storage"
	"github.com/opencode-ai/chatbridge/internal/store"
	"github.com/opencode-ai/chatbridge/internal/transport"
	"github.com/opencode-ai/chatbridge/internal/transport/bridge"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

var servePort int

const redisPingTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chatbridge HTTP server",
	Long: `Start the HTTP API, reconnect every session that wants a connection
and answer inbound messages until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (defaults to config or PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}
	initLogging(paths)
	defer logging.Close()

	appConfig, err := config.Load(dir)
	if err != nil {
		return err
	}

	log := logging.Component("serve")
	log.Info().
		Str("version", Version).
		Str("directory", dir).
		Str("logFile", logging.GetLogFilePath()).
		Msg("starting chatbridge")

	ctx := context.Background()

	st, err := openStore(appConfig, paths)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	replies := cache.New(openCacheBackend(ctx, appConfig), config.CacheTTL(appConfig))
	defer replies.Close()

	providers, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize some providers")
	}
	var gen provider.Generator
	if p, err := providers.Default(); err != nil {
		log.Warn().Err(err).Msg("no provider available, every reply will be the fallback")
	} else {
		log.Info().Str("provider", p.ID()).Str("model", p.Model()).Msg("using provider")
		gen = p
	}

	bus := event.NewBus()
	defer bus.Close()

	creds := transport.NewCredentialStore(paths.CredentialsPath())
	initial, max := config.ReconnectDelays(appConfig)
	sup := session.NewSupervisor(bridge.New(config.BridgeURL(appConfig)), st, creds, bus, session.ReconnectPolicy{
		Initial: initial,
		Max:     max,
	})

	pipeCfg := session.PipelineConfig{Timeout: config.ReplyTimeout(appConfig)}
	if appConfig.Reply != nil {
		pipeCfg.MaxHistory = appConfig.Reply.MaxHistory
		pipeCfg.Fallback = appConfig.Reply.Fallback
	}
	pipe := session.NewPipeline(st, replies, gen, sup, bus, pipeCfg)
	registry := session.NewRegistry(st, sup, pipe, creds, bus)
	defer registry.Close()

	serverConfig := server.DefaultConfig()
	serverConfig.Port = config.Port(appConfig)
	if servePort > 0 {
		serverConfig.Port = servePort
	}
	srv := server.New(serverConfig, registry, bus)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", serverConfig.Port).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
	return nil
}

// openStore selects the durable store: postgres, sqlite, or JSON files.
func openStore(cfg *types.Config, paths *config.Paths) (store.Store, error) {
	var driver, dsn string
	if cfg.Store != nil {
		driver, dsn = cfg.Store.Driver, cfg.Store.DSN
	}

	switch driver {
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres store requires a dsn")
		}
		return store.OpenPostgres(dsn)
	case "sqlite":
		if dsn == "" {
			dsn = paths.DatabasePath()
		}
		return store.OpenSQLite(dsn)
	case "", "file":
		return store.NewFileStore(storage.New(paths.StoragePath())), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// openCacheBackend uses Redis when configured and process memory otherwise.
// The cache is advisory, so an unreachable Redis degrades to memory instead
// of keeping the bridge from starting.
func openCacheBackend(ctx context.Context, cfg *types.Config) cache.Backend {
	if cfg.Cache == nil || cfg.Cache.RedisURL == "" {
		return cache.NewMemoryBackend()
	}

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	backend, err := cache.NewRedisBackend(pingCtx, cfg.Cache.RedisURL)
	if err != nil {
		log := logging.Component("serve")
		log.Warn().Err(err).Msg("redis unavailable, caching replies in memory")
		return cache.NewMemoryBackend()
	}
	return backend
}
