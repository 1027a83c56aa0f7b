package service

import (
	"sync"
	"time"

	"github.com/subsubl/gate-control/internal/gate"

	"go.uber.org/zap"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	credentials CredentialRepository
	audit       AuditRepository
	guard       Guard
	actuator    gate.Actuator
	location    *time.Location

	verifier  PasswordVerifier
	adminHash string
	tokens    TokenManager

	logger *zap.Logger

	accessOnce    sync.Once
	accessService *AccessService
	authOnce      sync.Once
	authService   *AuthService
}

// ServiceDeps groups what the services are built from.
type ServiceDeps struct {
	Credentials CredentialRepository
	Audit       AuditRepository
	Guard       Guard
	Actuator    gate.Actuator
	Location    *time.Location
	Verifier    PasswordVerifier
	AdminHash   string
	Tokens      TokenManager
	Logger      *zap.Logger
}

func NewServiceFactory(deps ServiceDeps) *ServiceFactory {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &ServiceFactory{
		credentials: deps.Credentials,
		audit:       deps.Audit,
		guard:       deps.Guard,
		actuator:    deps.Actuator,
		location:    deps.Location,
		verifier:    deps.Verifier,
		adminHash:   deps.AdminHash,
		tokens:      deps.Tokens,
		logger:      deps.Logger,
	}
}

// AccessService returns the verification engine (singleton)
func (f *ServiceFactory) AccessService() *AccessService {
	f.accessOnce.Do(func() {
		f.accessService = NewAccessService(
			f.credentials,
			f.audit,
			f.guard,
			f.actuator,
			f.location,
			f.logger.Named("access"),
		)
	})
	return f.accessService
}

// AuthService returns the admin login service (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	f.authOnce.Do(func() {
		f.authService = NewAuthService(f.verifier, f.adminHash, f.tokens, f.logger.Named("auth"))
	})
	return f.authService
}
