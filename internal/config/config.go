package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the whole gate controller configuration, one section per concern.
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Security      SecurityConfig      `mapstructure:"security"`
	Gate          GateConfig          `mapstructure:"gate"`
	Relay         RelayConfig         `mapstructure:"relay"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Clickhouse    ClickhouseConfig    `mapstructure:"clickhouse"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Bucketing     BucketingConfig     `mapstructure:"bucketing"`
	Audit         AuditConfig         `mapstructure:"audit"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	EnableTLS    bool          `mapstructure:"enable_tls"`
	CertFile     string        `mapstructure:"cert_file"`
	KeyFile      string        `mapstructure:"key_file"`
	CertDir      string        `mapstructure:"cert_dir"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SecurityConfig struct {
	LockoutThreshold  int           `mapstructure:"lockout_threshold"`
	LockoutDuration   time.Duration `mapstructure:"lockout_duration"`
	AdminPassword     string        `mapstructure:"admin_password"`
	AdminPasswordHash string        `mapstructure:"admin_password_hash"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	Argon2MemoryCost  int           `mapstructure:"argon2_memory_cost"`
	Argon2TimeCost    int           `mapstructure:"argon2_time_cost"`
	Argon2Parallelism int           `mapstructure:"argon2_parallelism"`
}

type GateConfig struct {
	Timezone      string        `mapstructure:"timezone"`
	PulseDuration time.Duration `mapstructure:"pulse_duration"`
}

type RelayConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	CmdTopic       string        `mapstructure:"cmd_topic"`
	StatusTopic    string        `mapstructure:"status_topic"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type KafkaConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Brokers    []string `mapstructure:"brokers"`
	AuditTopic string   `mapstructure:"audit_topic"`
	GroupID    string   `mapstructure:"group_id"`
}

type ClickhouseConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Database      string        `mapstructure:"database"`
	Table         string        `mapstructure:"table"`
	CAFile        string        `mapstructure:"ca_file"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type ElasticsearchConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Index    string `mapstructure:"index"`
}

type BucketingConfig struct {
	EventBuckets int `mapstructure:"event_buckets"`
}

type AuditConfig struct {
	SinkBuffer  int           `mapstructure:"sink_buffer"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
}

var (
	current *Config
	mu      sync.RWMutex
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.enable_tls", false)
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")
	v.SetDefault("server.cert_dir", "./certs")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("security.lockout_threshold", 5)
	v.SetDefault("security.lockout_duration", 300*time.Second)
	v.SetDefault("security.admin_password", "")
	v.SetDefault("security.admin_password_hash", "")
	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.token_ttl", 12*time.Hour)
	v.SetDefault("security.argon2_memory_cost", 64*1024)
	v.SetDefault("security.argon2_time_cost", 3)
	v.SetDefault("security.argon2_parallelism", 2)

	v.SetDefault("gate.timezone", "Local")
	v.SetDefault("gate.pulse_duration", 2*time.Second)

	v.SetDefault("relay.enabled", true)
	v.SetDefault("relay.broker", "tcp://test.mosquitto.org:1883")
	v.SetDefault("relay.cmd_topic", "antigravity_gate/cmd")
	v.SetDefault("relay.status_topic", "antigravity_gate/status")
	v.SetDefault("relay.client_id", "")
	v.SetDefault("relay.username", "")
	v.SetDefault("relay.password", "")
	v.SetDefault("relay.connect_timeout", 10*time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.audit_topic", "gate.audit")
	v.SetDefault("kafka.group_id", "gate-control")

	v.SetDefault("clickhouse.enabled", false)
	v.SetDefault("clickhouse.url", "http://localhost:9000")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.password", "")
	v.SetDefault("clickhouse.database", "default")
	v.SetDefault("clickhouse.table", "gate_audit_events")
	v.SetDefault("clickhouse.ca_file", "")
	v.SetDefault("clickhouse.batch_size", 100)
	v.SetDefault("clickhouse.flush_interval", 5*time.Second)

	v.SetDefault("elasticsearch.enabled", false)
	v.SetDefault("elasticsearch.url", "http://localhost:9200")
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("elasticsearch.index", "gate-audit")

	v.SetDefault("bucketing.event_buckets", 16)

	v.SetDefault("audit.sink_buffer", 1024)
	v.SetDefault("audit.sink_timeout", 5*time.Second)
}

// LoadConfig reads an optional .env file and then the process environment.
// Keys map to environment variables by upper-casing and replacing dots,
// so server.port is SERVER_PORT and relay.cmd_topic is RELAY_CMD_TOPIC.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.GetViper()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = &cfg
	mu.Unlock()

	return &cfg, nil
}

// Get returns the most recently loaded configuration, or nil before LoadConfig.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Validate rejects values the gate cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT out of range: %d", c.Server.Port))
	}
	if c.Server.EnableTLS && c.IsProduction() && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		errs = append(errs, errors.New("SERVER_CERT_FILE and SERVER_KEY_FILE are required for TLS in production"))
	}
	if c.Security.LockoutThreshold < 1 {
		errs = append(errs, fmt.Errorf("SECURITY_LOCKOUT_THRESHOLD must be positive, got %d", c.Security.LockoutThreshold))
	}
	if c.Security.LockoutDuration <= 0 {
		errs = append(errs, errors.New("SECURITY_LOCKOUT_DURATION must be positive"))
	}
	if c.IsProduction() {
		if c.Security.JWTSecret == "" {
			errs = append(errs, errors.New("SECURITY_JWT_SECRET is required in production"))
		}
		if c.Security.AdminPasswordHash == "" {
			errs = append(errs, errors.New("SECURITY_ADMIN_PASSWORD_HASH is required in production"))
		}
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("GATE_TIMEZONE: %w", err))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when kafka is enabled"))
	}

	return errors.Join(errs...)
}

// Location resolves the gate's local time zone used for schedule checks.
func (c *Config) Location() (*time.Location, error) {
	switch c.Gate.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	return time.LoadLocation(c.Gate.Timezone)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == ""
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
