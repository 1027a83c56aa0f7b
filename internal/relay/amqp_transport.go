package relay

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const amqpExchange = "gate"

// amqpTransport publishes on a durable topic exchange. Each subscription gets an
// exclusive auto-delete queue bound to the dotted topic.
type amqpTransport struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func dialAMQP(_ context.Context, broker string, opts DialOptions, logger *zap.Logger) (*amqpTransport, error) {
	conn, err := amqp.DialConfig(broker, amqp.Config{Dial: amqp.DefaultDial(opts.ConnectTimeout)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(amqpExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	logger.Info("AMQP transport connected", zap.String("exchange", amqpExchange))
	return &amqpTransport{conn: conn, ch: ch, logger: logger}, nil
}

func (t *amqpTransport) Name() string { return TransportAMQP }

func (t *amqpTransport) Subscribe(_ context.Context, topic string, handler MessageHandler) error {
	q, err := t.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := t.ch.QueueBind(q.Name, dottedKey(topic), amqpExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := t.ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for d := range msgs {
			handler(d.Body)
		}
	}()
	return nil
}

// Publish marks retained messages persistent; AMQP has no last-value retention.
func (t *amqpTransport) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	mode := amqp.Transient
	if retained {
		mode = amqp.Persistent
	}
	return t.ch.PublishWithContext(ctx, amqpExchange, dottedKey(topic), false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: mode,
		Body:         payload,
	})
}

func (t *amqpTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if cerr := t.ch.Close(); cerr != nil {
			err = cerr
		}
		if cerr := t.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		t.wg.Wait()
	})
	return err
}
