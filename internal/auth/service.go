package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLocked             = errors.New("account locked")
)

type Permission string

const (
	// PermView allows reading devices, runs and settings.
	PermView Permission = "view"
	// PermControl allows starting runs, connecting devices and changing settings.
	PermControl Permission = "control"
)

const (
	maxFailedLogins = 5
	lockDuration    = 15 * time.Minute
)

// Service authenticates the configured operator account.
type Service struct {
	enabled  bool
	operator config.OperatorConfig
	userID   uuid.UUID
	jwt      *JWTHandler
	hasher   *PasswordHasher
	logger   *zap.Logger

	mu          sync.Mutex
	failed      int
	lockedUntil time.Time
	now         func() time.Time
}

func NewService(cfg config.AuthConfig, logger *zap.Logger) *Service {
	if cfg.Enabled && !cfg.IsProductionReady() {
		logger.Warn("JWT secret is not set or too short", zap.String("env", cfg.JWTSecretEnv))
	}

	return &Service{
		enabled:  cfg.Enabled,
		operator: cfg.Operator,
		userID:   uuid.NewSHA1(uuid.NameSpaceOID, []byte("openlabcore:"+cfg.Operator.Username)),
		jwt:      NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		hasher:   NewPasswordHasher(),
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) Enabled() bool { return s.enabled }

// Login returns an access token for valid operator credentials. Five
// failures in a row lock the account for 15 minutes.
func (s *Service) Login(username, password, ipAddress string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.now().Before(s.lockedUntil) {
		return "", time.Time{}, fmt.Errorf("%w until %s", ErrLocked, s.lockedUntil.Format(time.RFC3339))
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.operator.Username)) == 1
	passOK := false
	if s.operator.PasswordHash != "" {
		ok, err := s.hasher.VerifyPassword(password, s.operator.PasswordHash)
		if err != nil {
			s.logger.Error("Operator password hash is invalid", zap.Error(err))
		}
		passOK = ok
	}

	if !userOK || !passOK {
		s.failed++
		if s.failed >= maxFailedLogins {
			s.lockedUntil = s.now().Add(lockDuration)
			s.failed = 0
		}
		s.logger.Warn("Login failed", zap.String("username", username), zap.String("ip", ipAddress))
		return "", time.Time{}, ErrInvalidCredentials
	}

	s.failed = 0
	token, expires, err := s.jwt.GenerateAccessToken(s.userID, s.operator.Username, s.operator.Role)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}

	s.logger.Info("Login succeeded", zap.String("username", username), zap.String("ip", ipAddress))
	return token, expires, nil
}

// ValidateToken returns the permissions carried by a token.
func (s *Service) ValidateToken(token string) (*JWTClaims, []Permission, error) {
	claims, err := s.jwt.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, err
	}
	return claims, roleToPermissions(claims.Role), nil
}

func roleToPermissions(role string) []Permission {
	switch role {
	case "viewer":
		return []Permission{PermView}
	default:
		return []Permission{PermView, PermControl}
	}
}

// HashPassword produces a value for auth.operator.password_hash.
func HashPassword(password string) (string, error) {
	return NewPasswordHasher().HashPassword(password)
}
