package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/subsubl/gate-control/internal/gate"
	"github.com/subsubl/gate-control/internal/models"
)

const (
	CommandOpen   = "OPEN"
	StatusOnline  = "ONLINE"
	StatusOpening = "OPENING"

	publishTimeout = 5 * time.Second
	triggerTimeout = 5 * time.Second
)

type AuditAppender interface {
	Append(models.AuditRecord)
}

// Relay keeps a subscription to the command topic and opens the gate on "OPEN".
// Connection lifecycle runs on a single owner goroutine; callers only queue requests.
type Relay struct {
	dialer   Dialer
	actuator gate.Actuator
	audit    AuditAppender
	logger   *zap.Logger
	now      func() time.Time

	requests chan models.RelayConfig
	reqMu    sync.Mutex

	mu      sync.RWMutex
	desired models.RelayConfig
	status  models.RelayStatus
	applied uint64

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func New(dialer Dialer, actuator gate.Actuator, audit AuditAppender, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		dialer:   dialer,
		actuator: actuator,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
		requests: make(chan models.RelayConfig, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the owner goroutine and queues the initial configuration.
func (r *Relay) Start(initial models.RelayConfig) {
	r.startOnce.Do(func() {
		go r.run()
	})
	r.Reconfigure(initial)
}

// Reconfigure queues new channel parameters and returns immediately. Empty topics
// keep their previous values. Only the newest pending request is applied.
func (r *Relay) Reconfigure(cfg models.RelayConfig) {
	r.mu.Lock()
	if cfg.CmdTopic == "" {
		cfg.CmdTopic = r.desired.CmdTopic
	}
	if cfg.StatusTopic == "" {
		cfg.StatusTopic = r.desired.StatusTopic
	}
	r.desired = cfg
	r.mu.Unlock()

	r.reqMu.Lock()
	defer r.reqMu.Unlock()
	for {
		select {
		case r.requests <- cfg:
			return
		default:
		}
		// replace the stale pending request
		select {
		case <-r.requests:
		default:
		}
	}
}

// Config returns the most recently requested parameters.
func (r *Relay) Config() models.RelayConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.desired
}

// Status describes the channel most recently dialed. Before the first attempt it
// reports the requested parameters as disconnected.
func (r *Relay) Status() models.RelayStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.status
	if st.RelayConfig == (models.RelayConfig{}) {
		st.RelayConfig = r.desired
	}
	return st
}

// Applied counts finished connection attempts, successful or not.
func (r *Relay) Applied() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.applied
}

// HealthCheck reports ErrChannelUnavailable while disconnected.
func (r *Relay) HealthCheck(context.Context) error {
	if r.Status().Connected {
		return nil
	}
	return ErrChannelUnavailable
}

// Close stops the owner goroutine and tears down the live transport.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.startOnce.Do(func() { close(r.done) })
		<-r.done
	})
	return nil
}

func (r *Relay) run() {
	defer close(r.done)

	var current Transport
	teardown := func() {
		if current == nil {
			return
		}
		if err := current.Close(); err != nil {
			r.logger.Warn("Relay transport close failed", zap.String("transport", current.Name()), zap.Error(err))
		}
		current = nil
		r.setConnected(false, "", nil)
	}
	defer teardown()

	for {
		select {
		case <-r.ctx.Done():
			return
		case cfg := <-r.requests:
			teardown()
			current = r.connect(cfg)
		}
	}
}

func (r *Relay) connect(cfg models.RelayConfig) Transport {
	defer func() {
		r.mu.Lock()
		r.applied++
		r.mu.Unlock()
	}()

	r.mu.Lock()
	r.status.RelayConfig = cfg
	r.mu.Unlock()

	if cfg.Broker == "" {
		r.logger.Info("Relay disabled: no broker configured")
		return nil
	}

	log := r.logger.With(zap.String("broker", cfg.Broker), zap.String("cmd_topic", cfg.CmdTopic))
	log.Info("Relay connecting")

	t, err := r.dialer.Dial(r.ctx, cfg)
	if err != nil {
		log.Error("Relay connect failed", zap.Error(err))
		r.setConnected(false, "", err)
		return nil
	}

	if err := t.Subscribe(r.ctx, cfg.CmdTopic, r.commandHandler(t, cfg)); err != nil {
		log.Error("Relay subscribe failed", zap.Error(err))
		_ = t.Close()
		r.setConnected(false, "", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(r.ctx, publishTimeout)
	defer cancel()
	if err := t.Publish(ctx, cfg.StatusTopic, []byte(StatusOnline), true); err != nil {
		log.Warn("Relay online status publish failed", zap.Error(err))
	}

	r.setConnected(true, t.Name(), nil)
	log.Info("Relay connected", zap.String("transport", t.Name()))
	return t
}

func (r *Relay) commandHandler(t Transport, cfg models.RelayConfig) MessageHandler {
	actor := models.ActorRemote
	if t.Name() == TransportMQTT {
		actor = models.ActorMQTT
	}

	return func(payload []byte) {
		if string(payload) != CommandOpen {
			r.logger.Debug("Relay ignored command", zap.Int("size", len(payload)))
			return
		}

		ctx, cancel := context.WithTimeout(r.ctx, triggerTimeout)
		defer cancel()

		if r.actuator != nil {
			if err := r.actuator.Trigger(ctx); err != nil {
				r.logger.Error("Remote open failed", zap.String("actor", actor), zap.Error(err))
				return
			}
		}

		if err := t.Publish(ctx, cfg.StatusTopic, []byte(StatusOpening), false); err != nil {
			r.logger.Warn("Relay opening status publish failed", zap.Error(err))
		}

		r.audit.Append(models.NewAuditRecord(r.now(), actor, true, models.DetailsRemoteOpen))
		r.logger.Info("Gate opened remotely", zap.String("actor", actor), zap.String("transport", t.Name()))
	}
}

func (r *Relay) setConnected(connected bool, transport string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Connected = connected
	r.status.Transport = transport
	if err != nil {
		r.status.LastError = err.Error()
	} else if connected {
		r.status.LastError = ""
	}
}
