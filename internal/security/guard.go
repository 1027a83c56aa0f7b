// Package security holds the brute-force guard that sits in front of PIN verification.
package security

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/subsubl/gate-control/internal/models"
	"github.com/subsubl/gate-control/internal/util"
)

const (
	DefaultThreshold       = 5
	DefaultLockoutDuration = 300 * time.Second
)

// AuditAppender receives the lockout-entry record.
type AuditAppender interface {
	Append(models.AuditRecord)
}

// LockoutGuard counts consecutive failed verifications and rejects every attempt for a
// fixed period once the threshold is hit. Expiry is lazy: the next Admit after
// lockoutUntil clears the state.
type LockoutGuard struct {
	mu             sync.Mutex
	failedAttempts int
	lockoutUntil   time.Time // zero when not locked

	threshold int
	duration  time.Duration
	audit     AuditAppender
	logger    *zap.Logger
}

type GuardOption func(*LockoutGuard)

func WithThreshold(n int) GuardOption {
	return func(g *LockoutGuard) {
		if n > 0 {
			g.threshold = n
		}
	}
}

func WithLockoutDuration(d time.Duration) GuardOption {
	return func(g *LockoutGuard) {
		if d > 0 {
			g.duration = d
		}
	}
}

func WithLogger(logger *zap.Logger) GuardOption {
	return func(g *LockoutGuard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func NewLockoutGuard(audit AuditAppender, opts ...GuardOption) *LockoutGuard {
	g := &LockoutGuard{
		threshold: DefaultThreshold,
		duration:  DefaultLockoutDuration,
		audit:     audit,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit reports whether an attempt at now may be evaluated. A rejected attempt leaves
// the counter untouched and produces no audit record.
func (g *LockoutGuard) Admit(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lockoutUntil.IsZero() {
		return true
	}
	if now.Before(g.lockoutUntil) {
		return false
	}

	g.logger.Info("Lockout expired",
		util.Time("lockout_until", g.lockoutUntil),
	)
	g.lockoutUntil = time.Time{}
	g.failedAttempts = 0
	return true
}

// Report records the outcome of an admitted attempt and returns true only for the call
// that moved the guard into lockout. Outcomes arriving while already locked are dropped
// so concurrent failures cannot trigger a second lockout.
func (g *LockoutGuard) Report(now time.Time, granted bool) bool {
	g.mu.Lock()

	if !g.lockoutUntil.IsZero() {
		g.mu.Unlock()
		return false
	}
	if granted {
		g.failedAttempts = 0
		g.mu.Unlock()
		return false
	}

	g.failedAttempts++
	if g.failedAttempts < g.threshold {
		g.mu.Unlock()
		return false
	}

	g.lockoutUntil = now.Add(g.duration)
	until := g.lockoutUntil
	attempts := g.failedAttempts
	// under the lock: the lockout record precedes every later decision
	if g.audit != nil {
		g.audit.Append(models.NewAuditRecord(now, models.ActorSystem, false, models.DetailsLockout))
	}
	g.mu.Unlock()

	g.logger.Warn("Security lockout engaged",
		util.Int("failed_attempts", attempts),
		util.Time("lockout_until", until),
		util.Duration("duration", g.duration),
	)
	return true
}

// Status is a read-only view; it does not perform the lazy reset.
func (g *LockoutGuard) Status(now time.Time) models.LockoutStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := models.LockoutStatus{
		FailedAttempts: g.failedAttempts,
		Threshold:      g.threshold,
	}
	if !g.lockoutUntil.IsZero() && now.Before(g.lockoutUntil) {
		until := g.lockoutUntil
		st.Locked = true
		st.LockoutUntil = &until
	}
	return st
}
