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

	"github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/looprock/alias-relay/internal/config"
	"github.com/looprock/alias-relay/internal/database"
	"github.com/looprock/alias-relay/internal/directory"
	"github.com/looprock/alias-relay/internal/dkim"
	"github.com/looprock/alias-relay/internal/email"
	"github.com/looprock/alias-relay/internal/logger"
	"github.com/looprock/alias-relay/internal/metrics"
	"github.com/looprock/alias-relay/internal/transport"
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

	if err := run(ctx, cfg, log.Named("mailserver")); err != nil {
		log.Fatal("Mail server failed", zap.Error(err))
	}
	log.Info("Mail server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	// Initialize database
	db, err := database.New(cfg, log.Named("database"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	// Run database migrations
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}

	dir, err := newDirectory(ctx, cfg, db, log)
	if err != nil {
		return err
	}

	signer := newSigner(cfg, log)

	sender, err := newSender(ctx, cfg, log.Named("transport"))
	if err != nil {
		return err
	}

	notifier, err := newNotifier(cfg, signer, sender, log.Named("notice"))
	if err != nil {
		return err
	}

	m := metrics.NewRelay(prometheus.DefaultRegisterer)

	store := database.NewStore(db, database.StoreConfig{
		Domain:         cfg.Relay.Domain,
		HandlePrefix:   cfg.Relay.ReplyPrefixes[0],
		HandleAttempts: cfg.Relay.HandleAttempts,
	})

	relay := email.NewRelay(email.RelayConfig{
		Domain:         cfg.Relay.Domain,
		Unsubscribe:    unsubscribe.NewLinks(cfg.Relay.SiteURL, cfg.Relay.UnsubscribeSecret),
		SupportAddress: cfg.Relay.SupportAddress,
	}, dir, store, signer, sender, notifier, m, log.Named("relay"))

	smtpLog := log.Named("smtp")
	backend := email.NewBackend(relay, email.NewDispatcher(cfg.Relay.ReplyPrefixes), cfg.Upstream.Timeout+30*time.Second, smtpLog)
	server := email.NewSMTPServer(backend, email.ServerConfig{
		Host:            cfg.MailServer.Host,
		Port:            cfg.MailServer.Port,
		Domain:          cfg.Relay.Domain,
		ReadTimeout:     cfg.MailServer.ReadTimeout,
		WriteTimeout:    cfg.MailServer.WriteTimeout,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
	})

	listener, err := email.Listen(ctx, server.Addr, smtpLog)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))
	metricsServer := &http.Server{
		Addr:              cfg.MailServer.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Started SMTP server",
			zap.String("addr", listener.Addr().String()),
			zap.String("domain", cfg.Relay.Domain),
			zap.String("transport", sender.Name()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			return fmt.Errorf("smtp server: %w", err)
		}
		return nil
	})

	if cfg.MailServer.MetricsAddr != "" {
		g.Go(func() error {
			log.Info("Started metrics server", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down mail server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("smtp shutdown: %w", err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// newDirectory returns the alias directory, cached in redis when configured
func newDirectory(ctx context.Context, cfg *config.Config, db *database.DB, log *zap.Logger) (directory.Directory, error) {
	dir := database.NewDirectory(db)
	if cfg.Redis.Addr == "" {
		return dir, nil
	}

	client, err := directory.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("Caching alias lookups in redis", zap.String("addr", cfg.Redis.Addr), zap.Duration("ttl", cfg.Redis.TTL))
	return directory.NewCached(dir, client, cfg.Redis.TTL, log.Named("cache")), nil
}

// newSigner loads the DKIM key. Without one the relay keeps working and
// sends unsigned mail.
func newSigner(cfg *config.Config, log *zap.Logger) *dkim.Signer {
	if cfg.DKIM.KeyFile == "" {
		log.Warn("No DKIM key configured, relayed mail will not be signed")
		return nil
	}
	key, err := dkim.LoadKey(cfg.DKIM.KeyFile)
	if err != nil {
		log.Warn("Failed to load DKIM key, relayed mail will not be signed",
			zap.String("file", cfg.DKIM.KeyFile), zap.Error(err))
		return nil
	}
	log.Info("Loaded DKIM key", zap.String("domain", cfg.Relay.Domain), zap.String("selector", cfg.DKIM.Selector))
	return dkim.NewSigner(cfg.Relay.Domain, cfg.DKIM.Selector, key)
}

func newSender(ctx context.Context, cfg *config.Config, log *zap.Logger) (transport.Sender, error) {
	switch cfg.Upstream.Transport {
	case "ses":
		sender, err := transport.NewSES(ctx, transport.SESConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES transport: %w", err)
		}
		return sender, nil
	default:
		log.Info("Relaying through upstream MTA",
			zap.String("addr", net.JoinHostPort(cfg.Upstream.Host, strconv.Itoa(cfg.Upstream.Port))))
		return transport.NewUpstream(cfg.Upstream.Host, cfg.Upstream.Port, cfg.Relay.Domain, cfg.Upstream.Timeout, log), nil
	}
}

func newNotifier(cfg *config.Config, signer *dkim.Signer, sender transport.Sender, log *zap.Logger) (email.Notifier, error) {
	switch cfg.Notice.Transport {
	case "mailgun":
		n, err := email.NewMailgunNotifier(cfg.Mailgun.Domain, cfg.Mailgun.APIKey, cfg.Mailgun.FromAddress, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create mailgun notifier: %w", err)
		}
		return n, nil
	default:
		return email.NewUpstreamNotifier(cfg.Relay.NoticeFrom, signer, sender, log), nil
	}
}
