package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/subsubl/gate-control/internal/gate"
	"github.com/subsubl/gate-control/internal/models"
	"github.com/subsubl/gate-control/internal/repository/memory"
	"github.com/subsubl/gate-control/internal/schedule"
	"github.com/subsubl/gate-control/internal/util"
)

var (
	ErrCredentialNotFound = memory.ErrCredentialNotFound
	ErrPinSpaceExhausted  = memory.ErrPinSpaceExhausted
	ErrInvalidInput       = errors.New("invalid input")
	ErrGateUnavailable    = errors.New("gate actuator unavailable")
)

const (
	maxNameLength = 32
	day           = 24 * time.Hour
)

// Decision is the outcome of a verification.
type Decision string

const (
	DecisionGranted Decision = "granted"
	DecisionDenied  Decision = "denied"
	DecisionLocked  Decision = "locked"
)

// CredentialRepository is the credential store the engine reads and mutates.
type CredentialRepository interface {
	Create(c models.Credential) (string, error)
	Lookup(pin string) (models.Credential, bool)
	Update(pin string, u models.CredentialUpdate) (models.Credential, error)
	Delete(pin string) error
	DecrementUsage(pin string) (int, error)
	List() []models.Credential
}

type AuditRepository interface {
	Append(models.AuditRecord)
	List() []models.AuditRecord
}

// Guard admits or rejects attempts and learns from their outcomes.
type Guard interface {
	Admit(now time.Time) bool
	Report(now time.Time, granted bool) bool
	Status(now time.Time) models.LockoutStatus
}

// VerifyResult is what a keypad gets back.
type VerifyResult struct {
	Decision  Decision `json:"status"`
	Name      string   `json:"-"`
	Remaining *int     `json:"-"`
}

func (r VerifyResult) Granted() bool {
	return r.Decision == DecisionGranted
}

// CredentialCreateRequest mirrors the admin UI form. Limit is a use count for
// count-limited credentials and a number of days for expiring ones.
type CredentialCreateRequest struct {
	Name        string                `json:"name"`
	Kind        models.CredentialKind `json:"type"`
	Limit       int                   `json:"limit"`
	WindowStart int                   `json:"start"`
	WindowEnd   int                   `json:"end"`
	AllowedDays uint8                 `json:"days"`
}

type CredentialUpdateRequest struct {
	Name        *string                `json:"name,omitempty"`
	Kind        *models.CredentialKind `json:"type,omitempty"`
	Limit       *int                   `json:"limit,omitempty"`
	WindowStart *int                   `json:"start,omitempty"`
	WindowEnd   *int                   `json:"end,omitempty"`
	AllowedDays *uint8                 `json:"days,omitempty"`
}

// AccessService is the verification engine plus the admin operations around it.
type AccessService struct {
	credentials CredentialRepository
	audit       AuditRepository
	guard       Guard
	actuator    gate.Actuator
	location    *time.Location
	logger      *zap.Logger
	now         func() time.Time
}

func NewAccessService(
	credentials CredentialRepository,
	audit AuditRepository,
	guard Guard,
	actuator gate.Actuator,
	location *time.Location,
	logger *zap.Logger,
) *AccessService {
	if location == nil {
		location = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessService{
		credentials: credentials,
		audit:       audit,
		guard:       guard,
		actuator:    actuator,
		location:    location,
		logger:      logger,
		now:         time.Now,
	}
}

// Now returns the service clock in the gate's time zone.
func (s *AccessService) Now() time.Time {
	return s.now().In(s.location)
}

// Verify decides a PIN attempt at now. It always returns a decision; a missing or
// unknown pin is simply a denial.
func (s *AccessService) Verify(ctx context.Context, pin string, now time.Time) VerifyResult {
	if !s.guard.Admit(now) {
		s.logger.Debug("Verification rejected while locked out")
		return VerifyResult{Decision: DecisionLocked}
	}

	pin = strings.TrimSpace(pin)
	var (
		cred  models.Credential
		found bool
	)
	if pin != "" {
		cred, found = s.credentials.Lookup(pin)
	}

	valid := found && schedule.IsWithinSchedule(cred, now.In(s.location))

	var remaining *int
	if valid {
		switch {
		case cred.Kind == models.KindExpiring:
			if cred.ExpiresAt != nil && now.After(*cred.ExpiresAt) {
				valid = false
			}
		case cred.Kind.UsesCount():
			if cred.Remaining <= 0 {
				valid = false
				break
			}
			left, err := s.credentials.DecrementUsage(pin)
			if err != nil {
				// lost a race with another grant or an admin delete
				valid = false
				break
			}
			remaining = &left
		}
	}

	s.guard.Report(now, valid)

	actor := models.ActorUnknown
	if found {
		actor = cred.Name
	}
	details := models.DetailsDenied
	if valid {
		details = models.DetailsGranted
	}
	s.audit.Append(models.NewAuditRecord(now, actor, valid, details))

	if !valid {
		s.logger.Info("Access denied", util.String("actor", actor))
		return VerifyResult{Decision: DecisionDenied, Name: actor}
	}

	fields := []zap.Field{util.String("actor", actor), util.String("kind", cred.Kind.String())}
	if remaining != nil {
		fields = append(fields, util.Int("remaining", *remaining))
	}
	s.logger.Info("Access granted", fields...)
	return VerifyResult{Decision: DecisionGranted, Name: actor, Remaining: remaining}
}

// CreateCredential validates the request, derives usage limits and stores a new credential.
func (s *AccessService) CreateCredential(ctx context.Context, req *CredentialCreateRequest) (models.Credential, error) {
	name, err := validateName(req.Name)
	if err != nil {
		return models.Credential{}, err
	}
	if !req.Kind.Valid() {
		return models.Credential{}, fmt.Errorf("%w: unknown credential type %d", ErrInvalidInput, req.Kind)
	}
	if !schedule.ValidWindow(req.WindowStart, req.WindowEnd) {
		return models.Credential{}, fmt.Errorf("%w: time window must be within 0..1439 minutes", ErrInvalidInput)
	}
	if !schedule.ValidDays(req.AllowedDays) {
		return models.Credential{}, fmt.Errorf("%w: days mask %#x has bits beyond Saturday", ErrInvalidInput, req.AllowedDays)
	}

	now := s.Now()
	cred := models.Credential{
		Name:        name,
		Kind:        req.Kind,
		AllowedDays: req.AllowedDays,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		CreatedAt:   now,
	}

	switch req.Kind {
	case models.KindCountLimited:
		if req.Limit < 1 {
			return models.Credential{}, fmt.Errorf("%w: count-limited credentials need a positive limit", ErrInvalidInput)
		}
		cred.Remaining = req.Limit
	case models.KindOneTime:
		cred.Remaining = 1
	case models.KindExpiring:
		if req.Limit < 1 {
			return models.Credential{}, fmt.Errorf("%w: expiring credentials need a positive number of days", ErrInvalidInput)
		}
		expires := now.Add(time.Duration(req.Limit) * day)
		cred.ExpiresAt = &expires
	}

	pin, err := s.credentials.Create(cred)
	if err != nil {
		return models.Credential{}, fmt.Errorf("failed to create credential: %w", err)
	}
	cred.PIN = pin

	s.logger.Info("Credential created",
		util.String("name", name),
		util.String("kind", cred.Kind.String()),
	)
	return cred, nil
}

// UpdateCredential applies a partial update. Limit is interpreted against the
// credential's kind after the update.
func (s *AccessService) UpdateCredential(ctx context.Context, pin string, req *CredentialUpdateRequest) (models.Credential, error) {
	current, ok := s.credentials.Lookup(pin)
	if !ok {
		return models.Credential{}, ErrCredentialNotFound
	}

	var u models.CredentialUpdate

	if req.Name != nil {
		name, err := validateName(*req.Name)
		if err != nil {
			return models.Credential{}, err
		}
		u.Name = &name
	}

	kind := current.Kind
	if req.Kind != nil {
		if !req.Kind.Valid() {
			return models.Credential{}, fmt.Errorf("%w: unknown credential type %d", ErrInvalidInput, *req.Kind)
		}
		kind = *req.Kind
		u.Kind = &kind
	}
	kindChanged := kind != current.Kind

	start, end := current.WindowStart, current.WindowEnd
	if req.WindowStart != nil {
		start = *req.WindowStart
		u.WindowStart = req.WindowStart
	}
	if req.WindowEnd != nil {
		end = *req.WindowEnd
		u.WindowEnd = req.WindowEnd
	}
	if !schedule.ValidWindow(start, end) {
		return models.Credential{}, fmt.Errorf("%w: time window must be within 0..1439 minutes", ErrInvalidInput)
	}
	if req.AllowedDays != nil && !schedule.ValidDays(*req.AllowedDays) {
		return models.Credential{}, fmt.Errorf("%w: days mask %#x has bits beyond Saturday", ErrInvalidInput, *req.AllowedDays)
	}
	u.AllowedDays = req.AllowedDays

	// Limit only means something for count-limited and expiring credentials; the admin
	// form sends it for every kind, so it is ignored for the others.
	switch kind {
	case models.KindCountLimited:
		if req.Limit != nil {
			if *req.Limit < 0 {
				return models.Credential{}, fmt.Errorf("%w: limit cannot be negative", ErrInvalidInput)
			}
			u.Remaining = req.Limit
		} else if kindChanged {
			return models.Credential{}, fmt.Errorf("%w: switching to count-limited needs a limit", ErrInvalidInput)
		}
	case models.KindOneTime:
		if kindChanged {
			one := 1
			u.Remaining = &one
		}
	case models.KindExpiring:
		if req.Limit != nil {
			if *req.Limit < 1 {
				return models.Credential{}, fmt.Errorf("%w: expiring credentials need a positive number of days", ErrInvalidInput)
			}
			expires := s.Now().Add(time.Duration(*req.Limit) * day)
			u.ExpiresAt = &expires
		} else if kindChanged {
			return models.Credential{}, fmt.Errorf("%w: switching to expiring needs a number of days", ErrInvalidInput)
		}
	}
	if kindChanged && kind != models.KindExpiring {
		u.ClearExpiry = true
	}

	updated, err := s.credentials.Update(pin, u)
	if err != nil {
		return models.Credential{}, err
	}

	s.logger.Info("Credential updated", util.String("name", updated.Name))
	return updated, nil
}

func (s *AccessService) DeleteCredential(ctx context.Context, pin string) error {
	if err := s.credentials.Delete(pin); err != nil {
		return err
	}
	s.logger.Info("Credential deleted")
	return nil
}

func (s *AccessService) ListCredentials(ctx context.Context) []models.Credential {
	return s.credentials.List()
}

// ListAuditLog returns audit records newest first.
func (s *AccessService) ListAuditLog(ctx context.Context) []models.AuditRecord {
	return s.audit.List()
}

func (s *AccessService) LockoutStatus(ctx context.Context) models.LockoutStatus {
	return s.guard.Status(s.now())
}

// TriggerGate pulses the gate without writing an audit record; callers that made the
// decision have already logged it.
func (s *AccessService) TriggerGate(ctx context.Context) error {
	if s.actuator == nil {
		return ErrGateUnavailable
	}
	return s.actuator.Trigger(ctx)
}

// ManualOpen opens the gate on an administrator's request and records it.
func (s *AccessService) ManualOpen(ctx context.Context) error {
	if err := s.TriggerGate(ctx); err != nil {
		return err
	}
	s.audit.Append(models.NewAuditRecord(s.Now(), models.ActorAdmin, true, models.DetailsManualOpen))
	return nil
}

func validateName(raw string) (string, error) {
	if util.ContainsSuspicious(raw) {
		return "", fmt.Errorf("%w: name contains markup", ErrInvalidInput)
	}
	name := util.SanitizeInput(raw)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len([]rune(name)) > maxNameLength {
		return "", fmt.Errorf("%w: name longer than %d characters", ErrInvalidInput, maxNameLength)
	}
	return name, nil
}
