package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"breakout-engine/config"
	"breakout-engine/internal/api"
	"breakout-engine/internal/broker"
	"breakout-engine/internal/clock"
	"breakout-engine/internal/coordinator"
	"breakout-engine/internal/database"
	"breakout-engine/internal/engine"
	"breakout-engine/internal/events"
	"breakout-engine/internal/feed"
	"breakout-engine/internal/journal"
	"breakout-engine/internal/logging"
	"breakout-engine/internal/metrics"
	"breakout-engine/internal/notification"
	"breakout-engine/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:   cfg.LoggingConfig.Level,
		Output:  cfg.LoggingConfig.Output,
		Console: cfg.LoggingConfig.Console,
	})
	logging.SetDefault(logger)
	logger.Info().Str("broker_mode", cfg.BrokerConfig.Mode).Msg("starting breakout engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	metrics.Observe(bus)

	notifier := notification.NewManager()
	if cfg.NotificationConfig.Enabled {
		notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.NotificationConfig.Telegram.BotToken,
			ChatID:   cfg.NotificationConfig.Telegram.ChatID,
			Enabled:  cfg.NotificationConfig.Telegram.Enabled,
		}))
		notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
			Enabled:    cfg.NotificationConfig.Discord.Enabled,
		}))
	}
	notification.Observe(bus, notifier)

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	ledger := journal.New(database.NewJournalStore(db), logger)
	recordStore := database.NewStreamStore(db)
	rangeLog := database.NewRangeLogStore(db)

	// Vault holds venue credentials for live deployments. The simulated
	// adapter does not need them, but a sealed or unreachable Vault is
	// still a startup failure when it is enabled.
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("vault client failed")
	}
	if vaultClient.IsEnabled() {
		if err := vaultClient.Health(ctx); err != nil {
			logger.Fatal().Err(err).Msg("vault unhealthy")
		}
		if _, err := vaultClient.GetCredentials(ctx, cfg.BrokerConfig.Venue, cfg.BrokerConfig.Paper); err != nil {
			logger.Warn().Err(err).Str("venue", cfg.BrokerConfig.Venue).Msg("no venue credentials in vault")
		}
	}

	var adapter broker.Adapter
	var sim *broker.Sim
	switch cfg.BrokerConfig.Mode {
	case "dryrun":
		adapter = broker.NewDryRun(logger)
	default:
		sim = broker.NewSim(float64(cfg.BrokerConfig.OrdersPerSecond), logger)
		adapter = sim
	}

	var watch *database.ProtectionWatch
	var watchIface coordinator.ProtectionWatch
	if cfg.RedisConfig.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		watch = database.NewProtectionWatch(rdb, cfg.BrokerConfig.ProtectionDeadlineSec, logger)
		watchIface = watch
	}

	coord := coordinator.New(adapter, ledger, bus, notifier, watchIface, logger)

	if watch != nil {
		watch.SetBreachFunc(func(ctx context.Context, fill database.UnprotectedFill) {
			coord.FailClosed(ctx, fill.StreamID, fill.IntentID,
				journal.IncidentUnprotectedFill, "protective orders still missing past deadline")
		})
		watch.Start()
		defer watch.Stop()
	}

	clk := clock.NewSystemClock()
	sc, err := clock.NewSessionClock(clk, cfg.EngineConfig.SessionTimezone)
	if err != nil {
		logger.Fatal().Err(err).Str("zone", cfg.EngineConfig.SessionTimezone).Msg("invalid session timezone")
	}

	var backfill engine.Backfiller
	if cfg.FeedConfig.BackfillURL != "" {
		backfill = feed.NewBackfillClient(cfg.FeedConfig.BackfillURL, logger)
	}

	eng := engine.New(engine.Config{
		TickInterval:  cfg.EngineConfig.TickInterval,
		TimetablePath: cfg.EngineConfig.TimetablePath,
		TimetablePoll: cfg.EngineConfig.TimetablePoll,
		MailboxDepth:  cfg.EngineConfig.MailboxDepth,
		BarMinAge:     cfg.EngineConfig.BarMinAge,
	}, clk, sc, engine.CoordinatorExecutor{C: coord}, recordStore, rangeLog, bus, backfill, logger)

	eng.Start(ctx)
	bus.Publish(events.Event{Type: events.EventEngineStarted})

	feeds := buildFeeds(cfg, logger)
	for _, f := range feeds {
		f := f
		if err := f.Start(ctx); err != nil {
			_ = notifier.SendError("feed start failed", err.Error())
			logger.Fatal().Err(err).Msg("feed start failed")
		}
		go func() {
			for bar := range f.Bars() {
				if sim != nil {
					sim.OnBar(bar)
				}
				eng.HandleBar(ctx, bar)
				coord.OnBar(ctx, bar)
			}
		}()
	}
	if len(feeds) == 0 {
		logger.Warn().Msg("no bar feed configured; streams will arm on backfill only")
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(api.ServerConfig{
			Port:           cfg.ServerConfig.Port,
			Host:           cfg.ServerConfig.Host,
			ProductionMode: cfg.ServerConfig.ProductionMode,
			JWTSecret:      cfg.ServerConfig.JWTSecret,
			AllowOrigins:   splitOrigins(cfg.ServerConfig.AllowedOrigins),
		}, eng, ledger, bus, logger)
		go func() {
			if err := server.Start(); err != nil {
				_ = notifier.SendError("api server stopped", err.Error())
				logger.Error().Err(err).Msg("api server stopped")
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetActiveStreams(eng.ActiveStreams())
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()
	for _, f := range feeds {
		f.Stop()
	}
	eng.Stop()
	bus.Publish(events.Event{Type: events.EventEngineStopped})

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("api shutdown incomplete")
		}
	}

	logger.Info().Msg("shutdown complete")
}

func buildFeeds(cfg *config.Config, logger zerolog.Logger) []feed.BarFeed {
	var feeds []feed.BarFeed
	if cfg.FeedConfig.WebsocketURL != "" {
		feeds = append(feeds, feed.NewWebsocketFeed(cfg.FeedConfig.WebsocketURL, logger))
	}
	if cfg.FeedConfig.FilePath != "" {
		feeds = append(feeds, feed.NewFileFeed(cfg.FeedConfig.FilePath, logger))
	}
	return feeds
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
