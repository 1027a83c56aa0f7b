package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/subsubl/gate-control/internal/models"
)

var (
	ErrChannelUnavailable = errors.New("remote command channel unavailable")
	ErrUnsupportedScheme  = errors.New("unsupported broker scheme")
)

const (
	TransportMQTT  = "mqtt"
	TransportRedis = "redis"
	TransportKafka = "kafka"
	TransportAMQP  = "amqp"
)

// MessageHandler receives a raw command payload.
type MessageHandler func(payload []byte)

// Transport is one live connection to a command channel.
type Transport interface {
	Name() string
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, cfg models.RelayConfig) (Transport, error)
}

type DialOptions struct {
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// SchemeDialer picks a transport from the broker URL scheme. Bare host names are MQTT.
type SchemeDialer struct {
	opts   DialOptions
	logger *zap.Logger
}

func NewSchemeDialer(opts DialOptions, logger *zap.Logger) *SchemeDialer {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemeDialer{opts: opts, logger: logger}
}

func (d *SchemeDialer) Dial(ctx context.Context, cfg models.RelayConfig) (Transport, error) {
	kind, err := TransportFor(cfg.Broker)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	var t Transport
	switch kind {
	case TransportMQTT:
		t, err = dialMQTT(ctx, cfg.Broker, d.opts, d.logger)
	case TransportRedis:
		t, err = dialRedis(ctx, cfg.Broker, d.logger)
	case TransportKafka:
		t, err = dialKafka(ctx, cfg.Broker, d.logger)
	case TransportAMQP:
		t, err = dialAMQP(ctx, cfg.Broker, d.opts, d.logger)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrChannelUnavailable, kind, err)
	}
	return t, nil
}

// TransportFor names the transport a broker address selects.
func TransportFor(broker string) (string, error) {
	broker = strings.TrimSpace(broker)
	if broker == "" {
		return "", fmt.Errorf("%w: empty broker address", ErrUnsupportedScheme)
	}
	if !strings.Contains(broker, "://") {
		return TransportMQTT, nil
	}

	u, err := url.Parse(broker)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedScheme, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
		return TransportMQTT, nil
	case "redis", "rediss":
		return TransportRedis, nil
	case "kafka":
		return TransportKafka, nil
	case "amqp", "amqps":
		return TransportAMQP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// dottedKey turns a slash-separated topic into a dotted name for brokers that
// reserve or reject '/'.
func dottedKey(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}
