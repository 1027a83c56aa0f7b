package relay

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/subsubl/gate-control/internal/client"
)

// redisTransport uses pub/sub channels named after the topics. Retained messages are
// also stored under the topic key so late readers can GET the last status.
type redisTransport struct {
	rc     *client.RedisClient
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs []*redis.PubSub
}

func dialRedis(ctx context.Context, broker string, logger *zap.Logger) (*redisTransport, error) {
	rc, err := client.NewRedisClient(ctx, broker, logger)
	if err != nil {
		return nil, err
	}
	bg, cancel := context.WithCancel(context.Background())
	return &redisTransport{
		rc:     rc,
		logger: logger,
		ctx:    bg,
		cancel: cancel,
	}, nil
}

func (t *redisTransport) Name() string { return TransportRedis }

func (t *redisTransport) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	ps, err := t.rc.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.subs = append(t.subs, ps)
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			case <-t.ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (t *redisTransport) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if retained {
		if err := t.rc.Set(ctx, topic, payload, 0); err != nil {
			return err
		}
	}
	return t.rc.Publish(ctx, topic, payload)
}

func (t *redisTransport) Close() error {
	t.cancel()

	t.mu.Lock()
	for _, ps := range t.subs {
		_ = ps.Close()
	}
	t.subs = nil
	t.mu.Unlock()

	t.wg.Wait()
	return t.rc.Close()
}
