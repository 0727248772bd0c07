// Package main runs the notification digest service: an HTTP API for the
// publisher/subscriber registry plus a scheduled digest email job.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"lms-notifier/archive"
	"lms-notifier/config"
	"lms-notifier/digest"
	"lms-notifier/email"
	"lms-notifier/events"
	"lms-notifier/forum"
	"lms-notifier/handler"
	"lms-notifier/i18n"
	"lms-notifier/interval"
	"lms-notifier/lock"
	"lms-notifier/metrics"
	"lms-notifier/registry"
	"lms-notifier/schedule"
	"lms-notifier/server"
	sqlstore "lms-notifier/storage"
)

func main() {
	configFile := flag.String("config", "", "optional YAML config file")
	dotEnv := flag.String("env", ".env", "optional .env file")
	runOnce := flag.Bool("once", false, "run one digest and exit")
	flag.Parse()

	cfg, err := config.Load(*configFile, *dotEnv)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, *runOnce); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, once bool) error {
	st, err := sqlstore.Open(ctx, cfg.DatabasePath, logger.With("component", "storage"))
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close database", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bus := events.NewBus()
	m.WatchEvents(bus.Listeners, bus.Dropped)

	resolver, err := interval.NewResolver(cfg.EnabledIntervals, cfg.DefaultInterval, logger.With("component", "interval"))
	if err != nil {
		return fmt.Errorf("interval configuration: %w", err)
	}
	catalog, err := i18n.New(cfg.DefaultLocale, logger.With("component", "i18n"))
	if err != nil {
		return fmt.Errorf("translations: %w", err)
	}

	manager := registry.New(&registry.Config{
		Store:    st,
		Locks:    lock.New(),
		Bus:      bus,
		Recorder: m,
		Logger:   logger.With("component", "registry"),
	})

	forumHandler := forum.New(forum.Config{
		Logger:   logger.With("component", "forum"),
		CacheTTL: cfg.ForumCacheTTL,
		Rate:     rate.Limit(cfg.ForumRate),
	})
	defer forumHandler.Close()
	handlers := []handler.Handler{forumHandler}
	for _, typ := range cfg.GenericTypes {
		handlers = append(handlers, handler.NewGeneric(typ, cfg.BaseURL))
	}
	handlerRegistry, err := handler.NewRegistry(handlers...)
	if err != nil {
		return fmt.Errorf("notification handlers: %w", err)
	}

	provider, err := newProvider(ctx, cfg, logger.With("component", "email"))
	if err != nil {
		return err
	}

	var gcs *storage.Client
	if !cfg.Local() {
		gcs, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("initialize storage client: %w", err)
		}
		defer func() {
			if err := gcs.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	} else if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
		return fmt.Errorf("create local storage directory: %w", err)
	}
	reports := archive.New(gcs, cfg.StorageBucket, cfg.LocalStorage, logger.With("component", "archive"))

	job := digest.New(&digest.Config{
		Store:        st,
		Handlers:     handlerRegistry,
		Mailer:       email.New(provider, logger.With("component", "email"), cfg.BaseURL),
		Translations: translations{catalog},
		Resolver:     resolver,
		Archive:      reports,
		Recorder:     m,
		Logger:       logger.With("component", "digest"),
	})

	if once {
		_, err := job.Run(ctx)
		return err
	}

	srv := server.New(&server.Config{
		Registry:   manager,
		Identities: st,
		Intervals:  resolver,
		Runner:     job,
		Reports:    reports,
		Recorder:   m,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:     logger.With("component", "server"),
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
	})
	defer srv.Close()

	sched := schedule.New(schedule.Config{
		Timezone:       cfg.Timezone,
		DefaultTimeout: cfg.RunTimeout,
	}, logger.With("component", "schedule"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.ListenAndServe(ctx, cfg.Port)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sched.Start(ctx)
		if _, err := sched.AddCron("digest", cfg.Schedule, 0, func(ctx context.Context) error {
			_, err := job.Run(ctx)
			return err
		}); err != nil {
			return fmt.Errorf("schedule digest: %w", err)
		}
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		sched.Stop(stopCtx)
		return nil
	})
	g.Go(func() error {
		watchChanges(ctx, bus, logger.With("component", "events"))
		return nil
	})

	logger.Info("Service started",
		"port", cfg.Port,
		"schedule", cfg.Schedule,
		"email_provider", cfg.EmailProvider,
		"local_storage", cfg.LocalStorage,
		"bucket", cfg.StorageBucket,
		"handlers", handlerRegistry.Types())
	return g.Wait()
}

// translations adapts the catalog to the digest job.
type translations struct {
	catalog *i18n.Catalog
}

func (t translations) For(locale string) email.Translator {
	return t.catalog.For(locale)
}

// watchChanges logs subscription changes until ctx is done.
func watchChanges(ctx context.Context, bus *events.Bus, logger *slog.Logger) {
	ch, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			logger.Debug("Subscription changed",
				"resource", e.Resource.String(),
				"publisher", e.PublisherKey,
				"subscribers", len(e.SubscriberKeys),
				"ignored_identity", e.IgnoredIdentity)
		}
	}
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.EmailProvider {
	case config.ProviderBrevo:
		logger.Info("Using Brevo email provider")
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.FromAddress, cfg.FromName, logger), nil
	case config.ProviderSendGrid:
		logger.Info("Using SendGrid email provider")
		return email.NewSendGridProvider(cfg.SendGridAPIKey, cfg.FromAddress, cfg.FromName, logger), nil
	case config.ProviderGmail:
		var opts []option.ClientOption
		if cfg.GoogleCredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
		}
		// Without explicit credentials, Application Default Credentials apply.
		svc, err := gmail.NewService(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("initialize gmail service: %w", err)
		}
		logger.Info("Using Gmail email provider")
		return email.NewGmailProvider(svc, logger), nil
	default:
		logger.Info("Mock email mode enabled (no provider credentials)")
		return email.NewMockProvider(logger), nil
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
