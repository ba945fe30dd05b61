// Package app wires the configured backends into the reservation engine.
package app

import (
	"context"
	"fmt"
	"time"

	"surplus-service/config"
	"surplus-service/internal/api"
	"surplus-service/internal/broker"
	"surplus-service/internal/lock"
	"surplus-service/internal/payment"
	"surplus-service/internal/redisclient"
	"surplus-service/internal/service"
	"surplus-service/internal/store"
	"surplus-service/internal/store/memstore"
	"surplus-service/internal/util"
	"surplus-service/internal/voice"

	"go.uber.org/zap"
)

// Backend is a store that can be probed and closed
type Backend interface {
	service.Store
	Ping(ctx context.Context) error
	Close() error
}

// App holds the engine components and the clients they share
type App struct {
	Config   *config.Config
	Services api.Services
	Webhooks api.WebhookParser

	store    Backend
	redis    *redisclient.Client
	producer *broker.Producer
	logger   *zap.Logger
}

// New connects the configured backends and builds every service
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, logger: util.GetLogger()}

	policy, err := Policy(cfg.Capabilities)
	if err != nil {
		return nil, err
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	var (
		locker  lock.Locker
		staging voice.Staging
	)
	if cfg.Redis.Enabled {
		a.redis, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
		locker = lock.NewRedis(a.redis, cfg.Business.PickupLockTTL, cfg.Business.PickupLockWait)
		staging = voice.NewRedisStaging(a.redis, cfg.Voice.MaxStaged, cfg.Voice.DeltaTTL)
	} else {
		locker = lock.NewLocal(cfg.Business.PickupLockWait)
		staging = voice.NewMemoryStaging(cfg.Voice.MaxStaged, cfg.Voice.DeltaTTL)
	}

	var publisher service.EventPublisher = broker.NewNopPublisher()
	if cfg.Kafka.Enabled {
		a.producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReservation)
		publisher = broker.NewEventPublisher(a.producer)
		a.logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicReservation))
	}

	var gateway service.PaymentGateway
	if cfg.Payment.Provider == "stripe" {
		stripeClient := payment.NewStripeClient(payment.Config{
			SecretKey:      cfg.Payment.StripeSecretKey,
			WebhookSecret:  cfg.Payment.StripeWebhookSecret,
			Currency:       cfg.Payment.Currency,
			SuccessURL:     cfg.Payment.SuccessURL,
			CancelURL:      cfg.Payment.CancelURL,
			MaxRetries:     cfg.Payment.MaxRetries,
			InitialBackoff: cfg.Payment.InitialBackoff,
			MaxElapsed:     cfg.Payment.MaxElapsed,
		})
		gateway = stripeClient
		a.Webhooks = stripeClient
	}

	var parser voice.Parser = voice.RuleParser{}
	if cfg.Voice.OpenAIAPIKey != "" {
		parser = voice.NewOpenAIParser(cfg.Voice.OpenAIAPIKey, cfg.Voice.OpenAIModel)
	}

	loc := cfg.Business.Location()
	catalog := service.NewMenuCatalog(a.store, policy, loc, nil)
	ledger := service.NewSubscriptionLedger(a.store, policy, loc, nil)

	a.Services = api.Services{
		Catalog:   catalog,
		Scheduler: service.NewRecurringMenuScheduler(a.store, publisher, policy, loc, cfg.Business.ExpandConcurrency, nil),
		Coordinator: service.NewReservationCoordinator(a.store, ledger, gateway, publisher, policy, service.CoordinatorConfig{
			PaymentTimeout:     cfg.Business.PaymentTimeout,
			PickupCodeAttempts: cfg.Business.PickupCodeAttempts,
		}),
		Ledger: ledger,
		Pickup: service.NewPickupValidator(a.store, locker, publisher, policy, loc, nil),
		Voice: service.NewVoiceStockAdjuster(catalog, a.store, parser, staging, publisher, policy,
			service.VoiceConfig{DeltaTTL: cfg.Voice.DeltaTTL, MaxDelta: cfg.Voice.MaxDelta}, loc, nil),
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Database.Driver {
	case "memory":
		a.store = memstore.New()
		a.logger.Warn("Using in-memory store; data is lost on restart")
		return nil
	case "postgres", "":
		db, err := store.NewStore(a.Config.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		a.store = db
		a.logger.Info("Database connected")
		return nil
	default:
		return fmt.Errorf("unknown database driver %q", a.Config.Database.Driver)
	}
}

// Dependencies returns the backends probed by the readiness check
func (a *App) Dependencies() []api.Pinger {
	deps := []api.Pinger{a.store}
	if a.redis != nil {
		deps = append(deps, a.redis)
	}
	return deps
}

// PaymentResultsConsumer returns a consumer for gateway outcomes, or nil when
// Kafka is disabled
func (a *App) PaymentResultsConsumer() *broker.Consumer {
	if !a.Config.Kafka.Enabled || a.Config.Kafka.TopicPaymentResults == "" {
		return nil
	}
	return broker.NewConsumer(a.Config.Kafka.Brokers, a.Config.Kafka.TopicPaymentResults, a.Config.Kafka.ConsumerGroup)
}

// Close releases every backend that was opened
func (a *App) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("Error closing Kafka producer", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Error closing Redis", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Error closing store", zap.Error(err))
		}
	}
}

// Policy compiles the configured capability map, falling back to the defaults
// when none is configured
func Policy(grants map[string][]config.CapabilityGrant) (*service.Policy, error) {
	if len(grants) == 0 {
		return service.DefaultPolicy(), nil
	}

	out := make(map[service.Role][]service.Grant, len(grants))
	for name, list := range grants {
		role, ok := service.ParseRole(name)
		if !ok {
			return nil, fmt.Errorf("capabilities: unknown role %q", name)
		}
		for _, g := range list {
			out[role] = append(out[role], service.Grant{
				Operation: service.Operation(g.Operation),
				Condition: g.Condition,
			})
		}
	}
	return service.NewPolicy(out)
}

// shutdownTimeout bounds graceful shutdown of the server and workers
const shutdownTimeout = 10 * time.Second

// ShutdownContext returns a context bounded by the shutdown timeout
func ShutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}
