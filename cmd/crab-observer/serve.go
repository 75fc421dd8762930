package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"crabstack.local/projects/crab-observer/internal/config"
	"crabstack.local/projects/crab-observer/internal/db"
	"crabstack.local/projects/crab-observer/internal/httpapi"
	"crabstack.local/projects/crab-observer/internal/hub"
	"crabstack.local/projects/crab-observer/internal/ingest"
	"crabstack.local/projects/crab-observer/internal/platform"
	"crabstack.local/projects/crab-observer/internal/query"
	"crabstack.local/projects/crab-observer/internal/redact"
	"crabstack.local/projects/crab-observer/internal/relay"
	"crabstack.local/projects/crab-observer/internal/store"
	"crabstack.local/projects/crab-observer/internal/subscribers"
	logging "crabstack.local/projects/crab-observer/internal/subscribers/logging"
	"crabstack.local/projects/crab-observer/internal/subscribers/webhook"
	"crabstack.local/projects/crab-observer/internal/validate"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion, query and stream server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.Server.HTTPAddr)
			if err != nil {
				_ = a.store.Close()
				return fmt.Errorf("listen on %s: %w", cfg.Server.HTTPAddr, err)
			}
			return a.run(ctx, ln)
		},
	}
}

type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   store.Store
	hub     *hub.Hub
	gateway *ingest.Gateway
	relay   *relay.Relay
	server  *http.Server
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	gormDB, err := db.OpenGorm(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.DB.Driver, err)
	}
	defer func() {
		if err != nil {
			_ = db.Close(gormDB)
		}
	}()

	eventStore, err := store.NewGormStore(gormDB)
	if err != nil {
		return nil, fmt.Errorf("initialize event store: %w", err)
	}
	platformStore, err := platform.NewGormStore(gormDB)
	if err != nil {
		return nil, fmt.Errorf("initialize platform store: %w", err)
	}
	registry, err := platform.NewRegistry(ctx, platformStore, logger)
	if err != nil {
		return nil, err
	}
	if err := registry.Seed(ctx, toPlatforms(cfg.Platforms)); err != nil {
		return nil, err
	}

	redactor, err := redact.New(cfg.RedactPatterns, cfg.ExcludeFields)
	if err != nil {
		return nil, fmt.Errorf("invalid redaction config: %w", err)
	}
	validator := validate.New(registry, validate.Options{
		Redactor:        redactor,
		MaxPayloadBytes: cfg.Events.MaxPayloadBytes,
		Logger:          logger,
	})

	h := hub.New(cfg.Stream.QueueSize, logger)
	eventStore.OnCommit(h.Publish)

	gateway := ingest.New(ingest.Config{
		DropRate:        1 - cfg.Events.SamplingRate,
		Capture:         cfg.CaptureEnabled,
		RetryAttempts:   cfg.RetryAttempts,
		RetryQueueSize:  cfg.Events.RetryQueueSize,
		Timeout:         cfg.Timeout,
		EventsPerSecond: cfg.RateLimit.EventsPerSecond,
		Burst:           cfg.RateLimit.Burst,
		MaxBatchSize:    cfg.Events.BatchSize,
	}, validator, eventStore, logger)

	subs := []subscribers.Subscriber{logging.New(logger)}
	for idx, webhookURL := range cfg.Forwarders.Webhooks {
		subs = append(subs, webhook.New(webhookSubscriberName(idx, webhookURL), webhookURL, logger))
	}

	engine := query.New(eventStore, query.Config{
		DefaultWindow: cfg.Query.DefaultWindow,
		MaxWindow:     cfg.Query.MaxWindow,
		MaxLimit:      cfg.Query.MaxLimit,
	})
	server := httpapi.NewServer(logger, httpapi.Config{
		Addr:         cfg.Server.HTTPAddr,
		PingInterval: cfg.Stream.PingInterval,
	}, httpapi.Services{
		Gateway:   gateway,
		Query:     engine,
		Platforms: registry,
		Hub:       h,
		Store:     eventStore,
	})

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   eventStore,
		hub:     h,
		gateway: gateway,
		relay:   relay.New(logger, h, subs),
		server:  server,
	}, nil
}

// run serves on ln until ctx ends, then drains: ingestion stops and
// finishes in-flight commits, live streams are flushed and closed, and
// only then the HTTP server and the database go away.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	defer func() {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", "err", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("listening", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})
	return g.Wait()
}

func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	a.logger.Info("shutting down")
	var errs []error
	if err := a.gateway.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain ingestion: %w", err))
	}
	a.hub.Close()
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func toPlatforms(seeds []config.PlatformSeed) []platform.Platform {
	out := make([]platform.Platform, 0, len(seeds))
	for _, seed := range seeds {
		out = append(out, platform.Platform{
			Name:          seed.Name,
			DisplayName:   seed.DisplayName,
			Version:       seed.Version,
			SchemaVersion: seed.SchemaVersion,
			Enabled:       seed.Enabled,
			Config:        seed.Config,
		})
	}
	return out
}

func webhookSubscriberName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil {
		host := strings.TrimSpace(parsed.Host)
		if host != "" {
			return host
		}
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
