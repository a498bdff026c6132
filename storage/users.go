package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"medgate/authz"
	"medgate/util"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// dummyHash is compared against when the user does not exist so that
// unknown and known usernames take the same time
var (
	dummyHash     []byte
	dummyHashOnce sync.Once
)

func compareDummy(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("medgate-timing-equaliser"), bcrypt.DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

type usersFile struct {
	Users []User `yaml:"users"`
}

// UserStore is the credential store behind login, password reset, MFA
// setup and break-glass re-authentication
type UserStore struct {
	mu         sync.RWMutex
	users      map[string]*User
	bcryptCost int
	issuer     string
	logger     *zap.SugaredLogger
	now        func() time.Time
}

// NewUserStore builds a store from users whose PasswordHash is already a
// bcrypt hash
func NewUserStore(users []User, bcryptCost int, logger *zap.SugaredLogger) (*UserStore, error) {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	s := &UserStore{
		users:      make(map[string]*User, len(users)),
		bcryptCost: bcryptCost,
		issuer:     "medgate",
		logger:     logger,
		now:        time.Now,
	}
	for i := range users {
		u := users[i]
		key := normalizeUsername(u.Username)
		if key == "" {
			return nil, errors.New("user without a username")
		}
		if _, dup := s.users[key]; dup {
			return nil, fmt.Errorf("duplicate user %q", key)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: password_hash is not a bcrypt hash", key)
		}
		if u.MFAEnabled && u.TOTPSecret == "" {
			return nil, fmt.Errorf("user %q: mfa_enabled without totp_secret", key)
		}
		u.Username = key
		s.users[key] = &u
	}
	return s, nil
}

// LoadUsers reads the YAML users file
func LoadUsers(path string, bcryptCost int, logger *zap.SugaredLogger) (*UserStore, error) {
	clean, err := util.CleanFilePath(path, true)
	if err != nil {
		return nil, fmt.Errorf("invalid users file path: %w", err)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	if err := validateDocument("users", data); err != nil {
		return nil, err
	}
	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	s, err := NewUserStore(f.Users, bcryptCost, logger)
	if err != nil {
		return nil, err
	}
	logger.Infof("Loaded %d users from %s", len(f.Users), path)
	return s, nil
}

// HashPassword hashes password with the store's bcrypt cost
func (s *UserStore) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CreateUser adds a user with a plaintext password
func (s *UserStore) CreateUser(ctx context.Context, u User, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hash, err := s.HashPassword(password)
	if err != nil {
		return err
	}
	u.Username = normalizeUsername(u.Username)
	if u.Username == "" {
		return errors.New("username is required")
	}
	u.PasswordHash = hash
	now := s.now()
	u.PasswordChangedAt = &now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[u.Username]; exists {
		return fmt.Errorf("user %q already exists", u.Username)
	}
	s.users[u.Username] = &u
	return nil
}

// GetUserByUsername returns a copy of the user
func (s *UserStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[normalizeUsername(username)]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// ValidateCredentials checks a username and password. Unknown users,
// inactive users and wrong passwords all return ErrInvalidCredentials.
func (s *UserStore) ValidateCredentials(ctx context.Context, username, password string) (*User, error) {
	user, err := s.GetUserByUsername(ctx, username)
	if err != nil {
		compareDummy(password)
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// ValidateTOTP checks code against the user's secret
func (s *UserStore) ValidateTOTP(user *User, code string) error {
	if !user.MFAEnabled {
		return nil
	}
	if code == "" {
		return ErrMFARequired
	}
	if !totp.Validate(code, user.TOTPSecret) {
		return ErrInvalidMFACode
	}
	return nil
}

// VerifyCredentials implements authz.CredentialVerifier: the password and,
// for MFA accounts, a current TOTP code
func (s *UserStore) VerifyCredentials(ctx context.Context, subjectID, password, totpCode string) error {
	user, err := s.ValidateCredentials(ctx, subjectID, password)
	if err != nil {
		return err
	}
	return s.ValidateTOTP(user, totpCode)
}

// Scope implements authz.ScopeLookup
func (s *UserStore) Scope(ctx context.Context, subjectID string) (authz.Scope, error) {
	user, err := s.GetUserByUsername(ctx, subjectID)
	if err != nil {
		return authz.Scope{}, authz.ErrUnknownSubject
	}
	if !user.Active {
		return authz.Scope{}, authz.ErrUnknownSubject
	}
	return authz.Scope{
		TenantID:   user.TenantID,
		Branches:   user.scopeBranches(),
		SystemWide: user.SystemWide,
	}, nil
}

// SetPassword replaces the user's password hash
func (s *UserStore) SetPassword(ctx context.Context, username, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hash, err := s.HashPassword(password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[normalizeUsername(username)]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	now := s.now()
	u.PasswordChangedAt = &now
	s.logger.Infow("AUDIT: Password changed", "username", u.Username, "timestamp", now.UTC())
	return nil
}

// EnrollMFA generates a fresh TOTP secret for the user and enables MFA.
// It returns the otpauth:// URL for the authenticator app.
func (s *UserStore) EnrollMFA(ctx context.Context, username string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: normalizeUsername(username),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[normalizeUsername(username)]
	if !ok {
		return "", ErrUserNotFound
	}
	u.TOTPSecret = key.Secret()
	u.MFAEnabled = true
	s.logger.Infow("AUDIT: MFA enrolled", "username", u.Username, "timestamp", s.now().UTC())
	return key.URL(), nil
}

// ListUsers returns copies of all users
func (s *UserStore) ListUsers(_ context.Context) []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	return out
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
