package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDAC/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Permission string

const (
	PermRead    Permission = "read"
	PermControl Permission = "control"
	PermAdmin   Permission = "admin"
)

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

const (
	maxFailedLogins = 5
	lockoutDuration = 15 * time.Minute
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrUnknownRole        = errors.New("unknown role")
)

type User struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	Role         string

	failedLogins int
	lockedUntil  time.Time
}

// AuthService authenticates the users listed in the configuration. Login
// failures are counted per user; after five in a row the account is locked
// for fifteen minutes.
type AuthService struct {
	enabled        bool
	users          map[string]*User
	mu             sync.Mutex
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	logger         *zap.Logger
	now            func() time.Time
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) (*AuthService, error) {
	users := make(map[string]*User, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("user without username")
		}
		if _, dup := users[u.Username]; dup {
			return nil, fmt.Errorf("duplicate user %q", u.Username)
		}
		if roleToPermissions(u.Role) == nil {
			return nil, fmt.Errorf("user %q: %w: %q", u.Username, ErrUnknownRole, u.Role)
		}
		users[u.Username] = &User{
			ID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte("opendac:"+u.Username)),
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Role:         u.Role,
		}
	}

	if cfg.Enabled && len(users) == 0 {
		logger.Warn("Authentication enabled without configured users, all logins will fail")
	}
	if cfg.Enabled && !cfg.IsProductionReady() {
		logger.Warn("Using development JWT secret", zap.String("env", cfg.JWTSecretEnv))
	}

	return &AuthService{
		enabled:        cfg.Enabled,
		users:          users,
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(),
		logger:         logger,
		now:            time.Now,
	}, nil
}

// Enabled reports whether requests must carry a token.
func (a *AuthService) Enabled() bool {
	return a.enabled
}

// Login authenticates a user and returns an access token with its expiry.
func (a *AuthService) Login(username, password, ipAddress string) (string, time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, ok := a.users[username]
	if !ok {
		a.logger.Info("Login failed", zap.String("username", username),
			zap.String("ip", ipAddress), zap.String("reason", "user not found"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	// Check if account is locked
	now := a.now()
	if now.Before(user.lockedUntil) {
		return "", time.Time{}, fmt.Errorf("%w until %s", ErrAccountLocked, user.lockedUntil.Format(time.RFC3339))
	}

	valid, err := a.passwordHasher.VerifyPassword(password, user.PasswordHash)
	if err != nil || !valid {
		user.failedLogins++
		if user.failedLogins >= maxFailedLogins {
			user.lockedUntil = now.Add(lockoutDuration)
			user.failedLogins = 0
		}
		a.logger.Info("Login failed", zap.String("username", username),
			zap.String("ip", ipAddress), zap.String("reason", "invalid password"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	user.failedLogins = 0

	token, expiresAt, err := a.jwtHandler.GenerateAccessToken(user.ID, user.Username, user.Role)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}

	a.logger.Info("Login succeeded", zap.String("username", username), zap.String("ip", ipAddress))
	return token, expiresAt, nil
}

// ValidateToken parses an access token and returns its claims and the
// permissions of its role.
func (a *AuthService) ValidateToken(token string) (*JWTClaims, []Permission, error) {
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, err
	}
	perms := roleToPermissions(claims.Role)
	if perms == nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownRole, claims.Role)
	}
	return claims, perms, nil
}

// HashPassword hashes a password with the service's argon2id parameters.
func (a *AuthService) HashPassword(password string) (string, error) {
	return a.passwordHasher.HashPassword(password)
}

func roleToPermissions(role string) []Permission {
	switch role {
	case RoleAdmin:
		return []Permission{PermRead, PermControl, PermAdmin}
	case RoleOperator:
		return []Permission{PermRead, PermControl}
	case RoleViewer:
		return []Permission{PermRead}
	default:
		return nil
	}
}

// AllPermissions is granted to every request when authentication is off.
func AllPermissions() []Permission {
	return roleToPermissions(RoleAdmin)
}
