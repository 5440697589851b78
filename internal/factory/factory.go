package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"otp-service/internal/audit"
	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/dispatch"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	redisrepo "otp-service/internal/repository/redis"
	"otp-service/internal/repository/scylla"
	"otp-service/internal/secret"
	"otp-service/internal/service"
	"otp-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher    *hashing.Hasher
	generator *secret.Generator
	recorder  *audit.Recorder

	// Repositories and services
	otpRepository      model.OtpStore
	identityRepository model.IdentityStore
	attemptCache       model.AttemptCounter
	dispatcher         model.ChannelDispatcher
	serviceFactory     *service.ServiceFactory

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

	factory.initializeManagers()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("debug_mode", cfg.OTP.DebugMode),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health
// checks. Redis and Scylla are required; Kafka and ClickHouse only carry the
// audit trail and degrade to warnings outside production.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// ClickHouse
	if clickhouseClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		util.Warn("ClickHouse initialization failed - proceeding without ClickHouse", util.ErrorField(err))
	} else {
		f.clickhouseClient = clickhouseClient
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			util.Warn("ClickHouse health check failed", util.ErrorField(err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
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

	return nil
}

// initializeManagers initializes hashing, code generation and audit recording
func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)
	f.generator = secret.NewGenerator()
	f.recorder = audit.NewRecorder(f.kafkaProducer, f.clickhouseClient, f.config.Kafka.EventsTopic, util.Get())

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("kafka_audit", f.kafkaProducer != nil),
		util.Bool("clickhouse_audit", f.clickhouseClient != nil),
	)
}

// ==============================
// Repository Initialization
// ==============================

func (f *Factory) OtpRepository() model.OtpStore {
	if f.otpRepository == nil {
		f.otpRepository = scylla.NewOTPRepository(f.scyllaClient, util.Get())
	}
	return f.otpRepository
}

func (f *Factory) IdentityRepository() model.IdentityStore {
	if f.identityRepository == nil {
		f.identityRepository = scylla.NewIdentityRepository(f.scyllaClient, util.Get())
	}
	return f.identityRepository
}

func (f *Factory) AttemptCache() model.AttemptCounter {
	if f.attemptCache == nil {
		f.attemptCache = redisrepo.NewAttemptCache(f.redisClient)
	}
	return f.attemptCache
}

// Dispatcher returns the channel dispatcher. Debug mode swaps in the logging
// dispatcher so no real SMS or email ever leaves a development machine.
func (f *Factory) Dispatcher() model.ChannelDispatcher {
	if f.dispatcher == nil {
		if f.config.OTP.DebugMode {
			f.dispatcher = dispatch.NewLogDispatcher(util.Get())
		} else {
			f.dispatcher = dispatch.NewGatewayDispatcher(f.config, util.Get())
		}
	}
	return f.dispatcher
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.OtpRepository(),
			f.IdentityRepository(),
			f.generator,
			f.hasher,
			f.Dispatcher(),
			f.AttemptCache(),
			f.recorder,
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

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
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
