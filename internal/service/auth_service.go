package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/subsubl/gate-control/internal/hashing"
	"github.com/subsubl/gate-control/internal/session"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const adminSubject = "admin"

type PasswordVerifier interface {
	VerifyPassword(password, encoded string) (bool, error)
}

type TokenManager interface {
	Issue(subject string) (string, time.Time, error)
	Validate(token string) (*session.Claims, error)
}

// AuthService checks the admin password and hands out session tokens.
type AuthService struct {
	verifier  PasswordVerifier
	adminHash string
	tokens    TokenManager
	logger    *zap.Logger
}

func NewAuthService(verifier PasswordVerifier, adminHash string, tokens TokenManager, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		verifier:  verifier,
		adminHash: adminHash,
		tokens:    tokens,
		logger:    logger,
	}
}

// Login returns a signed token when password matches the configured admin hash.
func (s *AuthService) Login(ctx context.Context, password string) (string, time.Time, error) {
	if password == "" {
		return "", time.Time{}, ErrInvalidCredentials
	}

	ok, err := s.verifier.VerifyPassword(password, s.adminHash)
	if err != nil {
		if errors.Is(err, hashing.ErrInvalidHash) || errors.Is(err, hashing.ErrIncompatibleVersion) {
			s.logger.Error("Admin password hash is unusable", zap.Error(err))
		}
		return "", time.Time{}, ErrInvalidCredentials
	}
	if !ok {
		s.logger.Warn("Admin login failed")
		return "", time.Time{}, ErrInvalidCredentials
	}

	token, expires, err := s.tokens.Issue(adminSubject)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to issue session: %w", err)
	}

	s.logger.Info("Admin logged in", zap.Time("expires_at", expires))
	return token, expires, nil
}

func (s *AuthService) ValidateToken(token string) (*session.Claims, error) {
	return s.tokens.Validate(token)
}
