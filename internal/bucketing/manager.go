package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/subsubl/gate-control/internal/config"
)

const defaultEventBuckets = 16

// Manager assigns audit events to analytics partitions.
type Manager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	n := cfg.Bucketing.EventBuckets
	if n <= 0 {
		n = defaultEventBuckets
	}
	return NewManagerWithBuckets(n)
}

func NewManagerWithBuckets(n int) *Manager {
	if n <= 0 {
		n = defaultEventBuckets
	}
	m := &Manager{eventBuckets: n}
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// EventBucket returns a stable bucket in [0, EventBuckets) for an actor name.
func (m *Manager) EventBucket(actor string) int {
	return int(m.getHash(actor) % uint64(m.eventBuckets))
}

// DateBucket is the UTC calendar day of t.
func (m *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (m *Manager) EventBuckets() int {
	return m.eventBuckets
}

func (m *Manager) getHash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
