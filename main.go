package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"botfleet/config"
	"botfleet/internal/api"
	"botfleet/internal/cache"
	"botfleet/internal/database"
	"botfleet/internal/events"
	"botfleet/internal/logging"
	"botfleet/internal/meter"
	"botfleet/internal/notification"
	"botfleet/internal/orchestrator"
	"botfleet/internal/registry"
	"botfleet/internal/secrets"
	"botfleet/internal/strategy"
	"botfleet/internal/supervisor"
	"botfleet/internal/telemetry"
	"botfleet/internal/tier"
)

func main() {
	// .env is optional; environment variables win either way
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	// Initialize event bus
	eventBus := events.NewBus()
	logger.Info("Event bus initialized")

	// Initialize notification manager
	notifyManager := buildNotifications(cfg, logger)

	// Initialize database (optional)
	var repo *database.Repository
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(cfg.DatabaseConfig.URL, cfg.DatabaseConfig.MaxConns, logger)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := db.RunMigrations(context.Background()); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}

		repo = database.NewRepository(db)
		logger.Info("Database initialized")
	}

	// Tier source: database-backed subscriptions when available,
	// otherwise everyone lands on the free tier.
	var tiers tier.Source
	if repo != nil {
		tiers = tier.NewCachedSource(repo, time.Minute)
	} else {
		tiers = tier.NewStaticSource(nil)
		logger.Warn("Database disabled, all tenants resolve to the free tier")
	}

	// Initialize Vault-backed credential store
	vault, err := secrets.NewVaultClient(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to initialize vault client: %v", err)
	}
	if vault.IsEnabled() {
		logger.Info("Vault credential store enabled", "address", cfg.VaultConfig.Address)
	}

	// Initialize telemetry. The Redis summary cache doubles as the
	// flush target so status reads can skip the aggregator.
	var summaries *cache.SummaryCache
	var publisher telemetry.Publisher
	if cfg.RedisConfig.Enabled {
		summaries, err = cache.NewSummaryCache(cfg.RedisConfig, cfg.TelemetryConfig.SummaryTTL, logger)
		if err != nil {
			log.Fatalf("Failed to initialize redis cache: %v", err)
		}
		defer summaries.Close()
		publisher = summaries
		logger.Info("Redis telemetry cache enabled", "address", cfg.RedisConfig.Address)
	}

	zl := zerolog.New(os.Stdout).With().Timestamp().Logger()
	aggregator := telemetry.New(telemetry.Config{
		BufferSize:    cfg.TelemetryConfig.BufferSize,
		FlushInterval: cfg.TelemetryConfig.FlushInterval,
		Publisher:     publisher,
	}, zl)
	aggregator.Start()
	logger.Info("Telemetry aggregator started", "buffer_size", cfg.TelemetryConfig.BufferSize)

	// Initialize registry and meter
	reg := registry.New(cfg.RegistryConfig.Retention)
	reg.StartEviction(cfg.RegistryConfig.EvictionInterval)

	met := meter.New()
	met.StartCleanup(time.Hour, 24*time.Hour)

	// Initialize supervision
	sup := supervisor.New(supervisor.Config{
		TickInterval:     cfg.SupervisorConfig.TickInterval,
		TickTimeout:      cfg.SupervisorConfig.TickTimeout,
		StartTimeout:     cfg.SupervisorConfig.StartTimeout,
		StopGrace:        cfg.SupervisorConfig.StopGrace,
		FailureThreshold: cfg.SupervisorConfig.FailureThreshold,
		BackoffBase:      cfg.SupervisorConfig.BackoffBase,
		BackoffCap:       cfg.SupervisorConfig.BackoffCap,
	}, reg, met, eventBus, aggregator, notifyManager, logger)

	// Register strategies
	strategies := strategy.NewRegistry()
	mustRegister(strategies, "grid", strategy.NewGridBot)
	mustRegister(strategies, "scalp", strategy.NewScalpBot)
	logger.Info("Strategies registered", "tags", strategies.Tags())

	orch := orchestrator.New(reg, met, sup, eventBus, aggregator, strategies, tiers, vault, notifyManager, logger)

	// Persist lifecycle events to the audit log
	if repo != nil {
		setupEventPersistence(eventBus, repo, logger)
	}

	// JWT auth (optional)
	var jwtManager *api.JWTManager
	if cfg.AuthConfig.Enabled {
		if cfg.AuthConfig.JWTSecret == "" {
			log.Fatal("AUTH_ENABLED is set but AUTH_JWT_SECRET is empty")
		}
		jwtManager = api.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.AccessTokenDuration)
		logger.Info("JWT authentication enabled")
	} else {
		logger.Warn("Authentication disabled, trusting X-Tenant-ID header")
	}

	server := api.NewServer(cfg.ServerConfig, orch, strategies, eventBus, jwtManager, summaries, logger)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Web server failed: %v", err)
		}
	}()
	logger.Info("API listening", "host", cfg.ServerConfig.Host, "port", cfg.ServerConfig.Port)

	// Sweep lapsed subscriptions and force-stop their fleets
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	if repo != nil {
		go runExpirySweep(sweepCtx, repo, orch, logger)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutdown signal received", "signal", sig.String())

	cancelSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}

	orch.Shutdown(shutdownCtx)
	aggregator.Stop()
	met.Stop()
	reg.Stop()

	logger.Info("Shutdown complete")
}

func mustRegister(r *strategy.Registry, tag string, factory strategy.Factory) {
	if err := r.Register(tag, factory); err != nil {
		log.Fatalf("Failed to register strategy %s: %v", tag, err)
	}
}

func buildNotifications(cfg *config.Config, logger *logging.Logger) *notification.Manager {
	if !cfg.NotificationConfig.Enabled {
		return nil
	}

	manager := notification.NewManager(cfg.NotificationConfig.QuotaAlertEvery)

	if cfg.NotificationConfig.Telegram.Enabled {
		manager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.NotificationConfig.Telegram.BotToken,
			ChatID:   cfg.NotificationConfig.Telegram.ChatID,
			Enabled:  true,
		}))
		logger.Info("Telegram notifications enabled")
	}

	if cfg.NotificationConfig.Discord.Enabled {
		manager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
			Enabled:    true,
		}))
		logger.Info("Discord notifications enabled")
	}

	if cfg.NotificationConfig.Webhook.Enabled {
		manager.AddNotifier(notification.NewWebhookNotifier(notification.WebhookConfig{
			URL:     cfg.NotificationConfig.Webhook.URL,
			Enabled: true,
		}))
		logger.Info("Webhook notifications enabled")
	}

	return manager
}

// setupEventPersistence appends every tenant-scoped lifecycle event to
// the audit log. Failures are logged and dropped; the audit trail is
// best effort by design of the event bus.
func setupEventPersistence(bus *events.Bus, repo *database.Repository, logger *logging.Logger) {
	auditLogger := logger.WithComponent("audit")

	bus.SubscribeAll(func(event events.Event) {
		tenantID, _ := event.Data["tenant_id"].(string)
		if tenantID == "" {
			return
		}
		botID, _ := event.Data["bot_id"].(string)

		detail := ""
		if reason, ok := event.Data["reason"].(string); ok {
			detail = reason
		} else if cause, ok := event.Data["error"].(string); ok {
			detail = cause
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := repo.RecordAuditEvent(ctx, tenantID, botID, string(event.Type), detail); err != nil {
			auditLogger.Error("Failed to record audit event",
				"event_type", string(event.Type),
				"tenant_id", tenantID,
				"error", err)
		}
	})

	logger.Info("Audit log persistence enabled")
}

// runExpirySweep periodically force-stops the fleets of tenants whose
// subscription has lapsed, then marks the subscription expired so the
// next tier lookup lands on free.
func runExpirySweep(ctx context.Context, repo *database.Repository, orch *orchestrator.Orchestrator, logger *logging.Logger) {
	sweepLogger := logger.WithComponent("expiry-sweep")
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		expired, err := repo.ExpiredSubscribers(ctx)
		if err != nil {
			sweepLogger.Error("Failed to list expired subscribers", "error", err)
			continue
		}

		for _, tenantID := range expired {
			stopped, err := orch.ForceStopAll(ctx, tenantID, "subscription expired")
			if err != nil {
				sweepLogger.Error("Force stop failed", "tenant_id", tenantID, "error", err)
				continue
			}
			if err := repo.MarkExpired(ctx, tenantID); err != nil {
				sweepLogger.Error("Failed to mark subscription expired", "tenant_id", tenantID, "error", err)
				continue
			}
			sweepLogger.Info(fmt.Sprintf("Expired subscription swept for tenant %s", tenantID),
				"stopped", stopped)
		}
	}
}
