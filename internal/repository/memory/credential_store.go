package memory

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/subsubl/gate-control/internal/models"
)

var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrUsageExhausted     = errors.New("credential has no remaining uses")
	ErrPinSpaceExhausted  = errors.New("no unused pin available")
)

const (
	pinMin         = 10000
	pinSpan        = 90000
	maxPinAttempts = 1000
)

// PinGenerator returns a candidate pin; the store rejects candidates already in use.
type PinGenerator func() (string, error)

// RandomPin draws a 5-digit pin in [10000, 99999].
func RandomPin() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(pinSpan))
	if err != nil {
		return "", fmt.Errorf("failed to draw pin: %w", err)
	}
	return fmt.Sprintf("%d", pinMin+n.Int64()), nil
}

// CredentialStore is the in-memory PIN registry. All methods are safe for concurrent use.
type CredentialStore struct {
	mu          sync.RWMutex
	credentials map[string]models.Credential
	generate    PinGenerator
}

func NewCredentialStore() *CredentialStore {
	return NewCredentialStoreWithGenerator(RandomPin)
}

func NewCredentialStoreWithGenerator(gen PinGenerator) *CredentialStore {
	return &CredentialStore{
		credentials: make(map[string]models.Credential),
		generate:    gen,
	}
}

// Create assigns a fresh pin to c, stores it and returns the pin. Any PIN set on c is ignored.
func (s *CredentialStore) Create(c models.Credential) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxPinAttempts; attempt++ {
		pin, err := s.generate()
		if err != nil {
			return "", err
		}
		if _, taken := s.credentials[pin]; taken {
			continue
		}
		c.PIN = pin
		s.credentials[pin] = c
		return pin, nil
	}
	return "", ErrPinSpaceExhausted
}

// Lookup returns a copy of the credential. A miss is reported through ok, not an error.
func (s *CredentialStore) Lookup(pin string) (models.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[pin]
	return c, ok
}

func (s *CredentialStore) Update(pin string, u models.CredentialUpdate) (models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[pin]
	if !ok {
		return models.Credential{}, ErrCredentialNotFound
	}

	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Kind != nil {
		c.Kind = *u.Kind
	}
	if u.Remaining != nil {
		c.Remaining = *u.Remaining
	}
	if u.AllowedDays != nil {
		c.AllowedDays = *u.AllowedDays
	}
	if u.WindowStart != nil {
		c.WindowStart = *u.WindowStart
	}
	if u.WindowEnd != nil {
		c.WindowEnd = *u.WindowEnd
	}
	if u.ClearExpiry {
		c.ExpiresAt = nil
	}
	if u.ExpiresAt != nil {
		expires := *u.ExpiresAt
		c.ExpiresAt = &expires
	}

	s.credentials[pin] = c
	return c, nil
}

func (s *CredentialStore) Delete(pin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[pin]; !ok {
		return ErrCredentialNotFound
	}
	delete(s.credentials, pin)
	return nil
}

// DecrementUsage consumes one use. The check, the decrement and the removal of an
// exhausted one-time credential happen under a single write lock.
func (s *CredentialStore) DecrementUsage(pin string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[pin]
	if !ok {
		return 0, ErrCredentialNotFound
	}
	if c.Remaining <= 0 {
		return 0, ErrUsageExhausted
	}

	c.Remaining--
	if c.Kind == models.KindOneTime && c.Remaining == 0 {
		delete(s.credentials, pin)
		return 0, nil
	}
	s.credentials[pin] = c
	return c.Remaining, nil
}

// List returns all credentials ordered by name, then pin.
func (s *CredentialStore) List() []models.Credential {
	s.mu.RLock()
	out := make([]models.Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].PIN < out[j].PIN
	})
	return out
}

func (s *CredentialStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.credentials)
}
