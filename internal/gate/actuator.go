// Package gate drives the door relay.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/subsubl/gate-control/internal/util"
)

// Actuator opens the gate.
type Actuator interface {
	Trigger(ctx context.Context) error
}

// Switch is the relay output. Implementations for real hardware wrap a GPIO line.
type Switch interface {
	On() error
	Off() error
}

// LogSwitch stands in for hardware and records every transition.
type LogSwitch struct {
	logger *zap.Logger
}

func NewLogSwitch(logger *zap.Logger) *LogSwitch {
	return &LogSwitch{logger: logger}
}

func (s *LogSwitch) On() error {
	s.logger.Info("Gate relay energized")
	return nil
}

func (s *LogSwitch) Off() error {
	s.logger.Info("Gate relay released")
	return nil
}

// PulseActuator holds the relay on for a fixed pulse. A trigger during an active pulse
// is absorbed by it.
type PulseActuator struct {
	sw     Switch
	pulse  time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	timer  *time.Timer
	pulses int
}

func NewPulseActuator(sw Switch, pulse time.Duration, logger *zap.Logger) *PulseActuator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PulseActuator{sw: sw, pulse: pulse, logger: logger}
}

func (a *PulseActuator) Trigger(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.logger.Debug("Gate pulse already active")
		return nil
	}
	if err := a.sw.On(); err != nil {
		return fmt.Errorf("failed to energize relay: %w", err)
	}
	a.pulses++
	gen := a.pulses
	a.timer = time.AfterFunc(a.pulse, func() { a.release(gen) })

	a.logger.Info("Gate opened", util.Duration("pulse", a.pulse))
	return nil
}

func (a *PulseActuator) release(gen int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	// a stale timer from a pulse cut short by Close
	if a.timer == nil || gen != a.pulses {
		return
	}
	a.timer = nil
	if err := a.sw.Off(); err != nil {
		a.logger.Error("Failed to release relay", util.ErrorField(err))
	}
}

// Active reports whether a pulse is in progress.
func (a *PulseActuator) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

// Pulses returns how many pulses have started.
func (a *PulseActuator) Pulses() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pulses
}

// Close cuts any active pulse short and leaves the relay released.
func (a *PulseActuator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer == nil {
		return nil
	}
	a.timer.Stop()
	a.timer = nil
	return a.sw.Off()
}
