package bucketing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsubl/gate-control/internal/config"
)

func TestEventBucketIsStable(t *testing.T) {
	m := NewManagerWithBuckets(8)

	first := m.EventBucket("Alice")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, m.EventBucket("Alice"))
	}
}

func TestEventBucketRange(t *testing.T) {
	m := NewManagerWithBuckets(4)
	seen := make(map[int]bool)

	for i := 0; i < 500; i++ {
		b := m.EventBucket(fmt.Sprintf("actor-%d", i))
		require.GreaterOrEqual(t, b, 0)
		require.Less(t, b, 4)
		seen[b] = true
	}
	assert.Len(t, seen, 4, "500 actors should land in every bucket")
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(&config.Config{})
	assert.Equal(t, defaultEventBuckets, m.EventBuckets())

	m = NewManager(&config.Config{Bucketing: config.BucketingConfig{EventBuckets: 32}})
	assert.Equal(t, 32, m.EventBuckets())
}

func TestDateBucketUsesUTC(t *testing.T) {
	m := NewManagerWithBuckets(1)
	loc := time.FixedZone("UTC+3", 3*3600)

	ts := time.Date(2026, 10, 13, 1, 30, 0, 0, loc)
	assert.Equal(t, "2026-10-12", m.DateBucket(ts))
}
