package relay

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/subsubl/gate-control/internal/client"
)

// kafkaTransport maps topics to dotted Kafka topic names. Kafka keeps every message,
// so the retained flag has no extra effect.
type kafkaTransport struct {
	brokers  []string
	producer *client.KafkaProducer
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	consumers []*client.KafkaConsumer
}

func dialKafka(ctx context.Context, broker string, logger *zap.Logger) (*kafkaTransport, error) {
	brokers := parseKafkaBrokers(broker)

	producer, err := client.NewKafkaProducer(brokers, logger)
	if err != nil {
		return nil, err
	}
	if err := producer.HealthCheck(ctx); err != nil {
		_ = producer.Close()
		return nil, err
	}

	bg, cancel := context.WithCancel(context.Background())
	return &kafkaTransport{
		brokers:  brokers,
		producer: producer,
		logger:   logger,
		ctx:      bg,
		cancel:   cancel,
	}, nil
}

func (t *kafkaTransport) Name() string { return TransportKafka }

func (t *kafkaTransport) Subscribe(_ context.Context, topic string, handler MessageHandler) error {
	consumer, err := client.NewKafkaConsumer(t.brokers, dottedKey(topic), "", t.logger)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.consumers = append(t.consumers, consumer)
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			msg, err := consumer.ConsumeMessage(t.ctx)
			if err != nil {
				if t.ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				t.logger.Warn("Kafka command read failed", zap.String("topic", topic), zap.Error(err))
				continue
			}
			handler(msg.Value)
		}
	}()
	return nil
}

func (t *kafkaTransport) Publish(ctx context.Context, topic string, payload []byte, _ bool) error {
	return t.producer.ProduceMessage(ctx, dottedKey(topic), nil, payload, nil)
}

func (t *kafkaTransport) Close() error {
	t.cancel()
	t.wg.Wait()

	t.mu.Lock()
	for _, c := range t.consumers {
		_ = c.Close()
	}
	t.consumers = nil
	t.mu.Unlock()

	return t.producer.Close()
}

// parseKafkaBrokers reads kafka://host1:9092,host2:9092.
func parseKafkaBrokers(broker string) []string {
	rest := strings.TrimPrefix(strings.TrimSpace(broker), "kafka://")
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		rest = rest[:i]
	}
	var out []string
	for _, b := range strings.Split(rest, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
