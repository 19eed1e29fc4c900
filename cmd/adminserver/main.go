package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/looprock/alias-relay/internal/admin"
	"github.com/looprock/alias-relay/internal/config"
	"github.com/looprock/alias-relay/internal/database"
	"github.com/looprock/alias-relay/internal/directory"
	"github.com/looprock/alias-relay/internal/logger"
	"github.com/looprock/alias-relay/internal/unsubscribe"
)

func main() {
	// Create context that listens for the interrupt signal from the OS
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.FromConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(ctx, cfg, log.Named("adminserver")); err != nil {
		log.Fatal("Admin server failed", zap.Error(err))
	}
	log.Info("Admin server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("Admin server using database", zap.String("driver", cfg.Database.Driver))

	// Initialize database
	db, err := database.New(cfg, log.Named("database"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	opts := admin.Options{
		Aliases:      database.NewDirectory(db),
		Links:        unsubscribe.NewLinks(cfg.Relay.SiteURL, cfg.Relay.UnsubscribeSecret),
		Activity:     database.NewStore(db, database.StoreConfig{Domain: cfg.Relay.Domain}),
		Health:       db,
		PasswordHash: cfg.AdminServer.PasswordHash,
		Gatherer:     prometheus.DefaultGatherer,
		Log:          log,
	}

	// unsubscribes must drop the mail server's cached copy of the alias
	if cfg.Redis.Addr != "" {
		client, err := directory.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		opts.Cache = directory.NewCached(database.NewDirectory(db), client, cfg.Redis.TTL, log.Named("cache"))
	}

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.AdminServer.Host, strconv.Itoa(cfg.AdminServer.Port)),
		Handler:           admin.New(opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Started admin server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down admin server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
