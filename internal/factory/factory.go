package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"otp-service/internal/audit"
	"otp-service/internal/channel"
	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/hashing"
	"otp-service/internal/repository/scylla"
	"otp-service/internal/service"
	"otp-service/internal/store"
	"otp-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient   *client.RedisClient
	scyllaClient  *scylla.ScyllaClient
	kafkaProducer *client.KafkaProducer
	auditSink     *audit.Sink

	// Managers
	hasher          *hashing.CodeHasher
	whatsappSession *channel.Session

	recordStore    store.Store
	channels       map[store.Channel]channel.Channel
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeStore(); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	factory.initializeChannels()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.Bool("scylla_mirror", cfg.Store.MirrorEnabled),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
	)

	return factory, nil
}

// initializeClients initializes the external service clients with health
// checks. Kafka and ClickHouse are optional; the core path must not depend
// on them being up.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis backs the network store; only needed for that backend.
	if f.config.Store.Backend == store.BackendRedis {
		if redisClient, err := client.NewRedisClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = redisClient
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
			} else {
				util.Info("Redis client initialized and healthy")
			}
		}
	}

	// Scylla mirrors records for the in-memory backend when enabled.
	if f.config.Store.MirrorEnabled {
		if scyllaClient, err := scylla.NewScyllaClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = scyllaClient
			if err := f.scyllaClient.HealthCheck(); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
			} else {
				util.Info("ScyllaDB client initialized and healthy")
			}
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if sink, err := audit.NewSink(f.config); err != nil {
			util.Warn("Audit sink initialization failed - proceeding without audit", util.ErrorField(err))
		} else {
			f.auditSink = sink
			if err := f.auditSink.HealthCheck(ctx); err != nil {
				util.Warn("Audit sink health check failed", util.ErrorField(err))
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	f.hasher = hashing.NewCodeHasher(f.config)

	return nil
}

// initializeStore selects the record store backend from configuration.
func (f *Factory) initializeStore() error {
	switch f.config.Store.Backend {
	case store.BackendRedis:
		if f.redisClient == nil {
			return fmt.Errorf("redis backend selected but redis client unavailable")
		}
		f.recordStore = store.NewRedisStore(f.redisClient, f.hasher)
		util.Info("Using Redis record store")
	case store.BackendMemory:
		opts := []store.MemoryOption{}
		if f.scyllaClient != nil {
			opts = append(opts, store.WithMirror(scylla.NewOTPMirror(f.scyllaClient)))
		}
		f.recordStore = store.NewMemoryStore(f.config.Store.Shards, opts...)
		util.Info("Using in-memory record store",
			util.Int("shards", f.config.Store.Shards))
	default:
		return fmt.Errorf("unknown store backend %q", f.config.Store.Backend)
	}
	return nil
}

// initializeChannels wires the delivery channels. The WhatsApp session
// connects in the background; until it reaches connected, sends over that
// channel fail fast.
func (f *Factory) initializeChannels() {
	f.channels = make(map[store.Channel]channel.Channel)

	f.whatsappSession = channel.NewSession(f.config)
	f.channels[store.ChannelWhatsApp] = channel.NewWhatsAppChannel(f.whatsappSession)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := f.whatsappSession.Connect(ctx); err != nil {
			util.Warn("Initial WhatsApp connect failed; channel starts unavailable",
				util.ErrorField(err))
		}
	}()

	if f.config.Channels.SMSAPIURL != "" {
		f.channels[store.ChannelSMS] = channel.NewSMSChannel(f.config)
	} else {
		util.Warn("SMS_API_URL not set; sms channel disabled")
	}

	f.channels[store.ChannelEmail] = channel.NewEmailChannel(f.config)

	util.Info("Delivery channels initialized", util.Int("count", len(f.channels)))
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.recordStore,
			f.channels,
			f.kafkaProducer,
			f.auditSink,
			f.config,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.config.Store.Backend == store.BackendRedis {
		if f.redisClient != nil {
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				healthErrors["redis"] = err
			}
		} else {
			healthErrors["redis"] = fmt.Errorf("redis client not initialized")
		}
	}

	if f.config.Store.MirrorEnabled {
		if f.scyllaClient != nil {
			if err := f.scyllaClient.HealthCheck(); err != nil {
				healthErrors["scylla"] = err
			}
		} else {
			healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.auditSink != nil {
		if err := f.auditSink.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// Event and audit sinks degrade gracefully.
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if f.whatsappSession != nil {
			if err := f.whatsappSession.Disconnect(ctx); err != nil {
				util.Error("Failed to disconnect WhatsApp session", util.ErrorField(err))
			}
		}

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		if f.auditSink != nil {
			if err := f.auditSink.Close(); err != nil {
				util.Error("Failed to close audit sink", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) WhatsAppSession() *channel.Session {
	return f.whatsappSession
}
