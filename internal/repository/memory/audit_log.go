package memory

import (
	"sync"

	"github.com/subsubl/gate-control/internal/models"
)

// AuditLog keeps every decision record in memory. It has no eviction; the log grows
// for the lifetime of the process.
type AuditLog struct {
	mu      sync.RWMutex
	records []models.AuditRecord
	notify  func(models.AuditRecord)
}

func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

// OnAppend registers a callback run after each append, outside the log's lock.
// It must not block.
func (l *AuditLog) OnAppend(fn func(models.AuditRecord)) {
	l.mu.Lock()
	l.notify = fn
	l.mu.Unlock()
}

func (l *AuditLog) Append(r models.AuditRecord) {
	l.mu.Lock()
	l.records = append(l.records, r)
	notify := l.notify
	l.mu.Unlock()

	if notify != nil {
		notify(r)
	}
}

// List returns a snapshot, newest first.
func (l *AuditLog) List() []models.AuditRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.AuditRecord, len(l.records))
	for i, r := range l.records {
		out[len(l.records)-1-i] = r
	}
	return out
}

func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
