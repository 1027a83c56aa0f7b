package memory

import (
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsubl/gate-control/internal/models"
)

func TestCredentialStore_CreateAndLookup(t *testing.T) {
	s := NewCredentialStore()

	pin, err := s.Create(models.Credential{Name: "Alice", Kind: models.KindPermanent})
	require.NoError(t, err)
	require.Len(t, pin, 5)

	n, err := strconv.Atoi(pin)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 10000)
	assert.LessOrEqual(t, n, 99999)

	c, ok := s.Lookup(pin)
	require.True(t, ok)
	assert.Equal(t, "Alice", c.Name)
	assert.Equal(t, pin, c.PIN)

	_, ok = s.Lookup("00000")
	assert.False(t, ok)
}

func TestCredentialStore_CreateSkipsTakenPins(t *testing.T) {
	candidates := []string{"11111", "11111", "11111", "22222"}
	next := 0
	s := NewCredentialStoreWithGenerator(func() (string, error) {
		pin := candidates[next]
		next++
		return pin, nil
	})

	first, err := s.Create(models.Credential{Name: "a"})
	require.NoError(t, err)
	second, err := s.Create(models.Credential{Name: "b"})
	require.NoError(t, err)

	assert.Equal(t, "11111", first)
	assert.Equal(t, "22222", second)
	assert.Equal(t, 4, next)
}

func TestCredentialStore_CreateExhausted(t *testing.T) {
	s := NewCredentialStoreWithGenerator(func() (string, error) { return "12345", nil })

	_, err := s.Create(models.Credential{Name: "a"})
	require.NoError(t, err)
	_, err = s.Create(models.Credential{Name: "b"})
	assert.ErrorIs(t, err, ErrPinSpaceExhausted)
}

func TestCredentialStore_ConcurrentCreateUniquePins(t *testing.T) {
	s := NewCredentialStore()
	const n = 500

	pins := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pin, err := s.Create(models.Credential{Name: fmt.Sprintf("user-%d", i)})
			if err == nil {
				pins <- pin
			}
		}(i)
	}
	wg.Wait()
	close(pins)

	seen := make(map[string]bool)
	for pin := range pins {
		assert.False(t, seen[pin], "duplicate pin %s", pin)
		seen[pin] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, s.Count())
}

func TestCredentialStore_UpdatePartial(t *testing.T) {
	s := NewCredentialStore()
	pin, err := s.Create(models.Credential{Name: "Bob", Kind: models.KindCountLimited, Remaining: 3, WindowStart: 60, WindowEnd: 120})
	require.NoError(t, err)

	name := "Robert"
	updated, err := s.Update(pin, models.CredentialUpdate{Name: &name})
	require.NoError(t, err)

	assert.Equal(t, "Robert", updated.Name)
	assert.Equal(t, 3, updated.Remaining)
	assert.Equal(t, 60, updated.WindowStart)
	assert.Equal(t, 120, updated.WindowEnd)

	_, err = s.Update("99999x", models.CredentialUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestCredentialStore_Delete(t *testing.T) {
	s := NewCredentialStore()
	pin, err := s.Create(models.Credential{Name: "Carol"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(pin))
	assert.ErrorIs(t, s.Delete(pin), ErrCredentialNotFound)
	_, ok := s.Lookup(pin)
	assert.False(t, ok)
}

func TestCredentialStore_DecrementUsage(t *testing.T) {
	s := NewCredentialStore()
	pin, err := s.Create(models.Credential{Name: "Dan", Kind: models.KindCountLimited, Remaining: 2})
	require.NoError(t, err)

	left, err := s.DecrementUsage(pin)
	require.NoError(t, err)
	assert.Equal(t, 1, left)

	left, err = s.DecrementUsage(pin)
	require.NoError(t, err)
	assert.Equal(t, 0, left)

	_, err = s.DecrementUsage(pin)
	assert.ErrorIs(t, err, ErrUsageExhausted)

	c, ok := s.Lookup(pin)
	require.True(t, ok, "count-limited credentials stay after exhaustion")
	assert.Equal(t, 0, c.Remaining)
}

func TestCredentialStore_DecrementOneTimeRemoves(t *testing.T) {
	s := NewCredentialStore()
	pin, err := s.Create(models.Credential{Name: "Guest", Kind: models.KindOneTime, Remaining: 1})
	require.NoError(t, err)

	left, err := s.DecrementUsage(pin)
	require.NoError(t, err)
	assert.Equal(t, 0, left)

	_, ok := s.Lookup(pin)
	assert.False(t, ok)
	assert.Empty(t, s.List())

	_, err = s.DecrementUsage(pin)
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestCredentialStore_ConcurrentDecrementNoDoubleSpend(t *testing.T) {
	s := NewCredentialStore()
	pin, err := s.Create(models.Credential{Name: "Eve", Kind: models.KindCountLimited, Remaining: 1})
	require.NoError(t, err)

	const workers = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DecrementUsage(pin); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestCredentialStore_ListSorted(t *testing.T) {
	s := NewCredentialStore()
	for _, name := range []string{"Zoe", "Adam", "Mia"} {
		_, err := s.Create(models.Credential{Name: name})
		require.NoError(t, err)
	}

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"Adam", "Mia", "Zoe"}, []string{list[0].Name, list[1].Name, list[2].Name})
}
