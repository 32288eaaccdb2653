package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidleathers/fraud-alert-engine/internal/api/rest"
	"github.com/davidleathers/fraud-alert-engine/internal/api/websocket"
	"github.com/davidleathers/fraud-alert-engine/internal/domain/alert"
	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/cache"
	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/config"
	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/database"
	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/events"
	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/repository"
	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/fraud-alert-engine/internal/metrics"
	"github.com/davidleathers/fraud-alert-engine/internal/service/fraud"
	"github.com/davidleathers/fraud-alert-engine/internal/service/intake"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("engine failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// closer collects cleanup steps and runs them in reverse order.
type closer struct {
	logger *zap.Logger
	steps  []func() error
	names  []string
}

func (c *closer) add(name string, fn func() error) {
	c.names = append(c.names, name)
	c.steps = append(c.steps, fn)
}

func (c *closer) close() {
	for i := len(c.steps) - 1; i >= 0; i-- {
		if err := c.steps[i](); err != nil {
			c.logger.Warn("shutdown step failed", zap.String("component", c.names[i]), zap.Error(err))
		}
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting fraud engine",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.String("identity_backend", cfg.Detection.IdentityBackend),
		zap.Int64("velocity_threshold", cfg.Detection.VelocityThreshold))

	cleanup := &closer{logger: logger}
	defer cleanup.close()

	provider, err := telemetry.Setup(ctx, cfg.Telemetry, telemetry.Service{
		Name:        "fraud-engine",
		Version:     cfg.Version,
		Environment: cfg.Environment,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	cleanup.add("telemetry", func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return provider.Shutdown(shutdownCtx)
	})

	registry, err := metrics.NewRegistry(metrics.WithMeterProvider(provider.MeterProvider()))
	if err != nil {
		return fmt.Errorf("creating metrics registry: %w", err)
	}

	redisClient, err := cache.NewRedisClient(&cfg.Redis, logger)
	if err != nil {
		return err
	}
	cleanup.add("redis", redisClient.Close)

	g, gctx := errgroup.WithContext(ctx)

	healthCheckers := []rest.HealthChecker{rest.NewRedisHealthChecker(redisClient)}

	var graph fraud.IdentityGraph
	switch cfg.Detection.IdentityBackend {
	case config.IdentityBackendPostgres:
		pool, err := database.NewPool(ctx, &cfg.Database, logger)
		if err != nil {
			return err
		}
		cleanup.add("postgres", func() error { pool.Close(); return nil })

		repo := repository.NewIdentityGraphRepository(pool, cfg.Detection.DeviceTTL, logger)
		graph = repo
		healthCheckers = append(healthCheckers, rest.NewPostgresHealthChecker(pool))

		g.Go(func() error {
			repo.RunJanitor(gctx, cfg.Database.PruneInterval)
			return nil
		})

		monitor := database.NewMonitor(pool, registry, logger, database.MonitorConfig{})
		g.Go(func() error {
			monitor.Run(gctx)
			return nil
		})
	default:
		graph = cache.NewDeviceUsageStore(redisClient, cfg.Detection.DeviceTTL, logger,
			cache.WithDevicePrefix(cfg.Detection.KeyPrefix))
	}

	velocity := cache.NewVelocityTracker(redisClient, cfg.Detection.VelocityWindow, cfg.Detection.KeyPrefix, logger)

	alerts, err := events.NewPublisher(events.PublisherConfig{
		GracePeriod:   cfg.Alerts.GracePeriod,
		BufferSize:    cfg.Alerts.BufferSize,
		Name:          "alerts",
		MeterProvider: provider.MeterProvider(),
	}, logger)
	if err != nil {
		return fmt.Errorf("creating alert publisher: %w", err)
	}
	var alertSinks []func() error
	cleanup.add("alert publisher", func() error {
		err := alerts.Close()
		for _, closeSink := range alertSinks {
			err = errors.Join(err, closeSink())
		}
		return err
	})

	if cfg.Alerts.RedisEnabled {
		sink := events.NewRedisChannelSink(redisClient, cfg.Alerts.Channel, logger)
		if _, err := alerts.Subscribe(sink, events.WithName("redis:"+cfg.Alerts.Channel)); err != nil {
			return fmt.Errorf("subscribing redis channel sink: %w", err)
		}
	}

	if cfg.Alerts.KafkaEnabled {
		writer := events.NewKafkaWriter(events.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.AlertTopic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		sink := events.NewKafkaAlertSink(writer, logger)
		alertSinks = append(alertSinks, sink.Close)
		if _, err := alerts.Subscribe(sink, events.WithName("kafka:"+cfg.Kafka.AlertTopic)); err != nil {
			return fmt.Errorf("subscribing kafka alert sink: %w", err)
		}
	}

	var dashboard *websocket.Handler
	if cfg.Dashboard.Enabled {
		feed, err := events.NewPublisher(events.PublisherConfig{
			GracePeriod:   cfg.Alerts.GracePeriod,
			BufferSize:    cfg.Alerts.BufferSize,
			Name:          "dashboard",
			MeterProvider: provider.MeterProvider(),
		}, logger)
		if err != nil {
			return fmt.Errorf("creating dashboard publisher: %w", err)
		}
		cleanup.add("dashboard publisher", feed.Close)

		if cfg.Alerts.RedisEnabled {
			// Every engine replica publishes to the channel, so the relay
			// gives each dashboard the alerts of the whole deployment.
			relay := events.NewRedisRelay(redisClient, cfg.Alerts.Channel, feed, logger)
			g.Go(func() error { return relay.Run(gctx) })
		} else {
			forward := events.SinkFunc(func(ctx context.Context, a *alert.FraudAlert) error {
				err := feed.Publish(ctx, a)
				if errors.Is(err, events.ErrPublisherClosed) {
					return events.ErrSinkClosed
				}
				return err
			})
			if _, err := alerts.Subscribe(forward, events.WithName("dashboard")); err != nil {
				return fmt.Errorf("subscribing dashboard feed: %w", err)
			}
		}

		dashboard = websocket.NewHandler(feed, cfg.Dashboard, registry, logger)
	}

	engine := fraud.NewEngine(graph, velocity, alerts, logger,
		fraud.WithVelocityThreshold(cfg.Detection.VelocityThreshold),
		fraud.WithMetrics(registry),
		fraud.WithTracerProvider(provider.TracerProvider()))

	producer := events.NewKafkaTransactionProducer(events.NewKafkaWriter(events.KafkaConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.TransactionTopic,
		WriteTimeout: cfg.Kafka.WriteTimeout,
	}), logger)
	cleanup.add("transaction producer", producer.Close)

	if cfg.Intake.Enabled {
		source := events.NewKafkaTransactionSource(events.NewKafkaReader(events.KafkaConfig{
			Brokers:     cfg.Kafka.Brokers,
			GroupID:     cfg.Kafka.GroupID,
			Topic:       cfg.Kafka.TransactionTopic,
			DialTimeout: cfg.Kafka.DialTimeout,
		}), logger)
		cleanup.add("transaction source", source.Close)

		consumer := intake.NewConsumer(source, intake.NewAdapter(engine, logger), intake.ConsumerConfig{
			Workers:      cfg.Intake.Workers,
			MaxRate:      cfg.Intake.MaxRate,
			Burst:        cfg.Intake.Burst,
			MaxRetries:   cfg.Intake.MaxRetries,
			RetryBackoff: cfg.Intake.RetryBackoff,
		}, registry, logger)

		if cfg.Kafka.DeadLetterTopic != "" {
			dlq := events.NewKafkaDeadLetterQueue(events.NewKafkaWriter(events.KafkaConfig{
				Brokers:      cfg.Kafka.Brokers,
				Topic:        cfg.Kafka.DeadLetterTopic,
				WriteTimeout: cfg.Kafka.WriteTimeout,
			}), logger)
			cleanup.add("dead letter queue", dlq.Close)
			consumer.WithDeadLetterQueue(dlq)
		}
		g.Go(func() error { return consumer.Run(gctx) })
	}

	deps := rest.Dependencies{
		Queue:          producer,
		Health:         rest.NewHealthService(cfg.Version, 2*time.Second, healthCheckers...),
		Metrics:        registry,
		MetricsHandler: registry.Handler(),
	}
	if cfg.Server.RateLimit > 0 {
		deps.RateLimiter = cache.NewRateLimiter(redisClient, cfg.Detection.KeyPrefix, logger)
		deps.RateLimit = cfg.Server.RateLimit
		deps.RateLimitWindow = cfg.Server.RateLimitWindow
	}
	if dashboard != nil {
		deps.Dashboard = dashboard
	}
	server := rest.NewServer(cfg.Server, deps, logger)
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	logger.Info("shutting down", zap.Bool("signal", ctx.Err() != nil))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
