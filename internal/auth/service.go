package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/playok/fleetmon/internal/model"
	"github.com/playok/fleetmon/internal/store"
)

// DefaultSessionTTL is how long an issued token stays valid.
const DefaultSessionTTL = 12 * time.Hour

// Service owns accounts, sessions and login lockout.
type Service struct {
	store   *store.Store
	lockout LockoutStore
	ttl     time.Duration
	cost    int
	log     logr.Logger
	now     func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithSessionTTL overrides DefaultSessionTTL.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithBcryptCost sets the hashing cost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the account service. A nil lockout gets an in-memory
// store with the default policy.
func NewService(st *store.Store, lockout LockoutStore, log logr.Logger, opts ...Option) *Service {
	if lockout == nil {
		lockout = NewMemoryLockout(DefaultPolicy())
	}
	s := &Service{
		store:   st,
		lockout: lockout,
		ttl:     DefaultSessionTTL,
		cost:    bcrypt.DefaultCost,
		log:     log.WithName("auth"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func validateCredentials(username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return model.Invalid("", "Username and password required.")
	}
	return nil
}

// Signup creates an account. The first account ever created is an admin.
func (s *Service) Signup(ctx context.Context, username, password string) (*model.User, error) {
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}
	h, err := s.hash(password)
	if err != nil {
		return nil, err
	}
	u, err := s.store.CreateUser(ctx, username, h)
	if errors.Is(err, store.ErrConflict) {
		return nil, model.Invalid("username", "Username already exists.")
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.log.Info("user registered", "username", u.Username, "id", u.ID, "admin", u.IsAdmin)
	return u, nil
}

// Login checks credentials and issues a session token.
func (s *Service) Login(ctx context.Context, username, password string) (*model.Session, error) {
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}
	remaining, err := s.lockout.Remaining(ctx, username)
	if err != nil {
		return nil, err
	}
	if remaining > 0 {
		return nil, &LockedOutError{RetryAfter: remaining}
	}

	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if u == nil || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, s.failed(ctx, username)
	}

	if err := s.lockout.Reset(ctx, username); err != nil {
		s.log.Error(err, "reset lockout", "username", username)
	}
	sess := &model.Session{
		Token:     uuid.NewString(),
		UserID:    u.ID,
		ExpiresAt: s.now().Add(s.ttl),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.log.V(1).Info("login", "username", username)
	return sess, nil
}

func (s *Service) failed(ctx context.Context, username string) error {
	att, err := s.lockout.Fail(ctx, username)
	if err != nil {
		return err
	}
	if att.LockedFor > 0 {
		s.log.Info("username locked", "username", username, "period", att.LockedFor)
		return &LockedOutError{RetryAfter: att.LockedFor}
	}
	return &InvalidCredentialsError{AttemptsLeft: att.AttemptsLeft}
}

// Verify resolves a bearer token to its caller.
func (s *Service) Verify(ctx context.Context, token string) (model.Caller, error) {
	if token == "" {
		return model.Caller{}, ErrUnauthorized
	}
	u, err := s.store.SessionUser(ctx, token, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return model.Caller{}, ErrUnauthorized
	}
	if err != nil {
		return model.Caller{}, err
	}
	return model.Caller{UserID: u.ID, Role: u.Role()}, nil
}

// Logout revokes token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.store.DeleteSession(ctx, token)
}

// PurgeExpired drops sessions past their expiry and, for stores that keep
// it in process, idle lockout state.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	if sw, ok := s.lockout.(interface{ Sweep() int }); ok {
		if n := sw.Sweep(); n > 0 {
			s.log.V(1).Info("lockout state swept", "entries", n)
		}
	}
	return s.store.PurgeExpiredSessions(ctx, s.now())
}

// Profile returns the caller's account.
func (s *Service) Profile(ctx context.Context, caller model.Caller) (*model.User, error) {
	return s.store.GetUser(ctx, caller.UserID)
}

// Rename changes the caller's username.
func (s *Service) Rename(ctx context.Context, caller model.Caller, username string) error {
	if strings.TrimSpace(username) == "" {
		return model.Invalid("username", "No username provided")
	}
	err := s.store.RenameUser(ctx, caller.UserID, username)
	if errors.Is(err, store.ErrConflict) {
		return model.Invalid("username", "Username already exists")
	}
	return err
}

// ChangePassword replaces the caller's password.
func (s *Service) ChangePassword(ctx context.Context, caller model.Caller, password string) error {
	if password == "" {
		return model.Invalid("password", "No password provided")
	}
	h, err := s.hash(password)
	if err != nil {
		return err
	}
	return s.store.SetPasswordHash(ctx, caller.UserID, h)
}

// DeleteAccount removes the caller's account with its sessions and dashboards.
func (s *Service) DeleteAccount(ctx context.Context, caller model.Caller) error {
	if err := s.store.DeleteUser(ctx, caller.UserID); err != nil {
		return err
	}
	s.log.Info("user deleted", "id", caller.UserID)
	return nil
}
