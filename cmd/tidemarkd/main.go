package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tidemark/pkg/dcb"
	"tidemark/pkg/processor"
)

type config struct {
	Database struct {
		WriteURL string `mapstructure:"writeUrl"`
		ReadURL  string `mapstructure:"readUrl"`
	} `mapstructure:"database"`
	InstanceID string `mapstructure:"instanceId"`
	API        struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"api"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Redis struct {
		Addr   string `mapstructure:"addr"`
		Stream string `mapstructure:"stream"`
	} `mapstructure:"redis"`
	Processors map[string]processor.ProcessorConfig `mapstructure:"processors"`
}

func loadConfig(path string) (config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TIDEMARK")
	v.AutomaticEnv()

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("kafka.topic", "tidemark.events")
	v.SetDefault("redis.stream", "tidemark.events")

	var cfg config
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Database.WriteURL == "" {
		return cfg, errors.New("database.writeUrl is required")
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, *configPath); err != nil {
		logger.Fatal("tidemarkd exited", zap.Error(err))
	}
}

func run(logger *zap.Logger, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	writePool, err := pgxpool.New(ctx, cfg.Database.WriteURL)
	if err != nil {
		return fmt.Errorf("create write pool: %w", err)
	}
	defer writePool.Close()

	readPool := writePool
	if cfg.Database.ReadURL != "" {
		readPool, err = pgxpool.New(ctx, cfg.Database.ReadURL)
		if err != nil {
			return fmt.Errorf("create read pool: %w", err)
		}
		defer readPool.Close()
	}

	store, err := dcb.NewEventStoreWithConfig(ctx, writePool, readPool, dcb.DefaultEventStoreConfig())
	if err != nil {
		return fmt.Errorf("create event store: %w", err)
	}

	instanceID := processor.ResolveInstanceID(cfg.InstanceID)
	logger.Info("starting tidemarkd", zap.String("instance", instanceID))

	handler, closeSinks, err := buildHandler(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	subscriptions := make(map[string]processor.Subscription, len(cfg.Processors))
	for id, pc := range cfg.Processors {
		subscriptions[id] = processor.NewSubscription(pc.Subscription)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	elector := processor.NewLeaderElector(writePool, "tidemark-leader", instanceID)
	runtime := processor.NewRuntime(processor.RuntimeDeps{
		Logger:   logger,
		Configs:  cfg.Processors,
		Fetcher:  processor.NewEventFetcher(store, subscriptions),
		Progress: processor.NewProgressTracker(writePool, readPool),
		Elector:  elector,
		Handler:  handler,
		Metrics:  processor.NewMetrics(registry),
	})

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Mount("/", processor.NewAPIHandler(runtime, logger))

	server := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("management API listening", zap.String("addr", cfg.API.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("management API: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		if err := waitForSchema(groupCtx, writePool, logger); err != nil {
			return err
		}
		runtime.SignalReady()
		return runtime.Start(groupCtx)
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := runtime.Stop(shutdownCtx); err != nil {
			logger.Warn("runtime shutdown", zap.Error(err))
		}
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// waitForSchema polls until the progress table exists, so processors never
// start against an unmigrated database.
func waitForSchema(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		var exists bool
		err := pool.QueryRow(ctx,
			"SELECT to_regclass('processor_progress') IS NOT NULL").Scan(&exists)
		if err == nil && exists {
			return nil
		}
		if err != nil {
			logger.Warn("schema check failed", zap.Error(err))
		} else {
			logger.Info("waiting for schema")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// buildHandler wires the per-processor sinks named in the subscription config
// into a router. Processors without a recognized publisher fall back to a
// logging sink so the feed keeps draining.
func buildHandler(ctx context.Context, cfg config, logger *zap.Logger) (processor.EventHandler, func(), error) {
	var (
		kafkaClient *kgo.Client
		redisClient *redis.Client
		err         error
	)

	needsKafka, needsRedis := false, false
	for _, pc := range cfg.Processors {
		for _, pub := range processor.NewSubscription(pc.Subscription).Publishers {
			switch pub {
			case "kafka":
				needsKafka = true
			case "redis":
				needsRedis = true
			}
		}
	}

	if needsKafka {
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, nil, errors.New("kafka publisher configured but kafka.brokers is empty")
		}
		kafkaClient, err = kgo.NewClient(kgo.SeedBrokers(cfg.Kafka.Brokers...))
		if err != nil {
			return nil, nil, fmt.Errorf("create kafka client: %w", err)
		}
	}
	if needsRedis {
		if cfg.Redis.Addr == "" {
			return nil, nil, errors.New("redis publisher configured but redis.addr is empty")
		}
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	router := processor.NewRouter()
	for id, pc := range cfg.Processors {
		sub := processor.NewSubscription(pc.Subscription)
		switch {
		case contains(sub.Publishers, "kafka"):
			router.Route(id, processor.NewKafkaPublisher(kafkaClient, cfg.Kafka.Topic))
		case contains(sub.Publishers, "redis"):
			router.Route(id, processor.NewRedisStreamPublisher(redisClient, cfg.Redis.Stream))
		default:
			router.Route(id, logSink(logger, id))
		}
	}

	closeSinks := func() {
		if kafkaClient != nil {
			kafkaClient.Close()
		}
		if redisClient != nil {
			redisClient.Close()
		}
	}
	return router, closeSinks, nil
}

func logSink(logger *zap.Logger, processorID string) processor.EventHandler {
	return processor.HandlerFunc(func(ctx context.Context, id string, events []dcb.Event) (int, error) {
		for _, event := range events {
			logger.Info("event",
				zap.String("processor", processorID),
				zap.String("type", event.Type),
				zap.Int64("position", event.Position))
		}
		return len(events), nil
	})
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
