package relay

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	mqttQoS        byte = 1
	mqttKeepAlive       = 60 * time.Second
	mqttDisconnect      = 250 // ms
)

type mqttTransport struct {
	client mqtt.Client
	logger *zap.Logger

	mu       sync.Mutex
	subs     map[string]mqtt.MessageHandler
	retained map[string][]byte
}

func dialMQTT(ctx context.Context, broker string, opts DialOptions, logger *zap.Logger) (*mqttTransport, error) {
	addr, err := normalizeMQTTBroker(broker)
	if err != nil {
		return nil, err
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = "gate-control-" + uuid.NewString()[:8]
	}

	t := &mqttTransport{
		logger:   logger,
		subs:     make(map[string]mqtt.MessageHandler),
		retained: make(map[string][]byte),
	}

	o := mqtt.NewClientOptions().
		AddBroker(addr).
		SetClientID(clientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetKeepAlive(mqttKeepAlive).
		SetConnectTimeout(opts.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false)

	o.SetOnConnectHandler(t.restore)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.String("broker", addr), zap.Error(err))
	})

	t.client = mqtt.NewClient(o)
	if err := wait(ctx, t.client.Connect()); err != nil {
		t.client.Disconnect(0)
		return nil, err
	}

	logger.Info("MQTT transport connected", zap.String("broker", addr), zap.String("client_id", clientID))
	return t, nil
}

func (t *mqttTransport) Name() string { return TransportMQTT }

func (t *mqttTransport) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	cb := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	}

	t.mu.Lock()
	t.subs[topic] = cb
	t.mu.Unlock()

	return wait(ctx, t.client.Subscribe(topic, mqttQoS, cb))
}

func (t *mqttTransport) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if retained {
		t.remember(topic, payload)
	}
	return wait(ctx, t.client.Publish(topic, mqttQoS, retained, payload))
}

func (t *mqttTransport) remember(topic string, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retained[topic] = append([]byte(nil), payload...)
}

func (t *mqttTransport) Close() error {
	t.client.Disconnect(mqttDisconnect)
	return nil
}

// restore runs on every connect. The session is clean, so subscriptions are made
// again and retained status messages are republished.
func (t *mqttTransport) restore(c mqtt.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, cb := range t.subs {
		c.Subscribe(topic, mqttQoS, cb)
	}
	for topic, payload := range t.retained {
		c.Publish(topic, mqttQoS, true, payload)
	}
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// normalizeMQTTBroker maps bare hosts and mqtt:// URLs onto the schemes paho dials,
// adding the default port when none is given.
func normalizeMQTTBroker(broker string) (string, error) {
	broker = strings.TrimSpace(broker)
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	u, err := url.Parse(broker)
	if err != nil {
		return "", fmt.Errorf("invalid MQTT broker address: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "mqtt":
		scheme = "tcp"
	case "mqtts", "tls":
		scheme = "ssl"
	}

	host := u.Host
	if u.Port() == "" {
		port := "1883"
		switch scheme {
		case "ssl":
			port = "8883"
		case "ws":
			port = "80"
		case "wss":
			port = "443"
		}
		host = u.Hostname() + ":" + port
	}

	out := scheme + "://" + host
	if scheme == "ws" || scheme == "wss" {
		out += u.Path
	}
	return out, nil
}
