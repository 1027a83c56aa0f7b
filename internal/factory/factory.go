package factory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/subsubl/gate-control/internal/audit"
	"github.com/subsubl/gate-control/internal/bucketing"
	"github.com/subsubl/gate-control/internal/client"
	"github.com/subsubl/gate-control/internal/config"
	"github.com/subsubl/gate-control/internal/gate"
	"github.com/subsubl/gate-control/internal/hashing"
	"github.com/subsubl/gate-control/internal/models"
	"github.com/subsubl/gate-control/internal/relay"
	"github.com/subsubl/gate-control/internal/repository/memory"
	"github.com/subsubl/gate-control/internal/security"
	"github.com/subsubl/gate-control/internal/service"
	"github.com/subsubl/gate-control/internal/session"
	"github.com/subsubl/gate-control/internal/tls"
	"github.com/subsubl/gate-control/internal/util"
	"github.com/subsubl/gate-control/internal/websocket"
)

const devAdminPassword = "admin"

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Core state
	credentials *memory.CredentialStore
	auditLog    *memory.AuditLog
	guard       *security.LockoutGuard
	actuator    *gate.PulseActuator
	location    *time.Location

	// Managers
	hasher           *hashing.Hasher
	tokens           *session.Manager
	bucketingManager *bucketing.Manager
	adminHash        string

	// Fan-out
	hub        *websocket.Hub
	dispatcher *audit.Dispatcher
	relay      *relay.Relay

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory(cfg *config.Config) (*Factory, error) {
	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve gate timezone: %w", err)
	}

	f := &Factory{
		config:   cfg,
		location: loc,
		closed:   make(chan struct{}),
	}

	f.credentials = memory.NewCredentialStore()
	f.auditLog = memory.NewAuditLog()
	f.guard = security.NewLockoutGuard(f.auditLog,
		security.WithThreshold(cfg.Security.LockoutThreshold),
		security.WithLockoutDuration(cfg.Security.LockoutDuration),
		security.WithLogger(logger.Named("lockout")),
	)
	f.actuator = gate.NewPulseActuator(gate.NewLogSwitch(logger.Named("relay_output")), cfg.Gate.PulseDuration, logger.Named("gate"))
	f.bucketingManager = bucketing.NewManager(cfg)

	if err := f.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := f.initializeSinks(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize audit sinks: %w", err)
	}

	f.serviceFactory = service.NewServiceFactory(service.ServiceDeps{
		Credentials: f.credentials,
		Audit:       f.auditLog,
		Guard:       f.guard,
		Actuator:    f.actuator,
		Location:    f.location,
		Verifier:    f.hasher,
		AdminHash:   f.adminHash,
		Tokens:      f.tokens,
		Logger:      logger,
	})

	f.initializeRelay()

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg, logger.Named("tls"))
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("timezone", loc.String()),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("relay_enabled", cfg.Relay.Enabled),
		util.Strings("audit_sinks", f.dispatcher.SinkNames()),
	)

	return f, nil
}

// initializeManagers sets up password hashing and admin session signing
func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)

	switch {
	case f.config.Security.AdminPasswordHash != "":
		f.adminHash = f.config.Security.AdminPasswordHash
	case f.config.Security.AdminPassword != "":
		hash, err := f.hasher.HashPassword(f.config.Security.AdminPassword)
		if err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}
		f.adminHash = hash
	default:
		util.Warn("No admin password configured, using the development default")
		hash, err := f.hasher.HashPassword(devAdminPassword)
		if err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}
		f.adminHash = hash
	}

	secret := f.config.Security.JWTSecret
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate session secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		util.Warn("SECURITY_JWT_SECRET not set, sessions will not survive a restart")
	}

	tokens, err := session.NewManager(secret, f.config.Security.TokenTTL)
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}
	f.tokens = tokens
	return nil
}

// initializeSinks connects the optional analytics backends and starts the audit
// dispatcher. Outside production an unreachable backend is skipped with a warning.
func (f *Factory) initializeSinks() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := util.Get()
	var (
		sinks      []audit.Sink
		initErrors []error
	)

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config.Kafka.Brokers, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			sinks = append(sinks, audit.NewKafkaSink(producer, f.config.Kafka.AuditTopic))
			util.Info("Kafka audit sink initialized", util.String("topic", f.config.Kafka.AuditTopic))
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if ch, err := client.NewClickHouseClient(ctx, f.config, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = ch
			sink := audit.NewClickHouseSink(ch, f.bucketingManager, f.config.Clickhouse.Table,
				f.config.Clickhouse.BatchSize, f.config.Clickhouse.FlushInterval, logger.Named("clickhouse_sink"))
			if err := sink.EnsureTable(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse table: %w", err))
				_ = sink.Close()
				f.clickhouseClient = nil
			} else {
				sinks = append(sinks, sink)
				util.Info("ClickHouse audit sink initialized", util.String("table", f.config.Clickhouse.Table))
			}
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if es, err := client.NewElasticsearchClient(ctx, f.config, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
			sinks = append(sinks, audit.NewElasticsearchSink(es, f.config.Elasticsearch.Index))
			util.Info("Elasticsearch audit sink initialized", util.String("index", f.config.Elasticsearch.Index))
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			for _, s := range sinks {
				_ = s.Close()
			}
			f.kafkaProducer, f.clickhouseClient, f.esClient = nil, nil, nil
			return fmt.Errorf("critical sink initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Audit sink initialization warning", util.ErrorField(err))
		}
	}

	f.hub = websocket.NewHub(logger.Named("ws"))
	go f.hub.Run()
	sinks = append(sinks, audit.NewHubSink(f.hub))

	f.dispatcher = audit.NewDispatcher(sinks, f.config.Audit.SinkBuffer, f.config.Audit.SinkTimeout, logger.Named("audit"))
	f.dispatcher.Start()
	f.auditLog.OnAppend(func(rec models.AuditRecord) {
		f.dispatcher.Enqueue(rec)
	})

	return nil
}

func (f *Factory) initializeRelay() {
	dialer := relay.NewSchemeDialer(relay.DialOptions{
		ClientID:       f.config.Relay.ClientID,
		Username:       f.config.Relay.Username,
		Password:       f.config.Relay.Password,
		ConnectTimeout: f.config.Relay.ConnectTimeout,
	}, util.Get().Named("relay"))

	f.relay = relay.New(dialer, f.actuator, f.auditLog, util.Get().Named("relay"))
	if !f.config.Relay.Enabled {
		util.Info("Remote command relay disabled")
		return
	}
	f.relay.Start(models.RelayConfig{
		Broker:      f.config.Relay.Broker,
		CmdTopic:    f.config.Relay.CmdTopic,
		StatusTopic: f.config.Relay.StatusTopic,
	})
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.config.Relay.Enabled {
		if err := f.relay.HealthCheck(ctx); err != nil {
			healthErrors["relay"] = err
		}
	}

	if f.config.Kafka.Enabled {
		if f.kafkaProducer == nil {
			healthErrors["kafka"] = fmt.Errorf("kafka producer not initialized")
		} else if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.config.Clickhouse.Enabled {
		if f.clickhouseClient == nil {
			healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
		} else if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.config.Elasticsearch.Enabled {
		if f.esClient == nil {
			healthErrors["elasticsearch"] = fmt.Errorf("elasticsearch client not initialized")
		} else if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.tlsManager != nil {
		if _, err := f.tlsManager.Certificate(); err != nil {
			healthErrors["tls"] = err
		}
	}

	return healthErrors
}

// Close tears down in reverse start order. Sink clients are closed by the dispatcher.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.relay != nil {
			if err := f.relay.Close(); err != nil {
				util.Error("Failed to close relay", util.ErrorField(err))
			} else {
				util.Info("Relay closed")
			}
		}

		if f.dispatcher != nil {
			if err := f.dispatcher.Close(); err != nil {
				util.Error("Failed to close audit dispatcher", util.ErrorField(err))
			} else {
				stats := f.dispatcher.Stats()
				util.Info("Audit dispatcher closed",
					util.Any("delivered", stats.Delivered),
					util.Any("failed", stats.Failed),
					util.Any("dropped", stats.Dropped),
				)
			}
		}

		if f.hub != nil {
			_ = f.hub.Close()
			util.Info("Websocket hub closed")
		}

		if f.actuator != nil {
			if err := f.actuator.Close(); err != nil {
				util.Error("Failed to release gate actuator", util.ErrorField(err))
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) Relay() *relay.Relay {
	return f.relay
}

func (f *Factory) Hub() *websocket.Hub {
	return f.hub
}

func (f *Factory) Dispatcher() *audit.Dispatcher {
	return f.dispatcher
}

func (f *Factory) AuditLog() *memory.AuditLog {
	return f.auditLog
}
