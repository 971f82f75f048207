// Package auth issues and verifies session tokens and guards logins with a
// progressive lockout.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playok/fleetmon/internal/model"
)

var (
	// ErrUnauthorized means the request carries no valid credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the caller is known but lacks the role.
	ErrForbidden = errors.New("forbidden")
	// ErrLockedOut is matched by every *LockedOutError.
	ErrLockedOut = errors.New("account locked")
)

// LockedOutError carries how long the username stays locked.
type LockedOutError struct {
	RetryAfter time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("account locked, try again in %d seconds", seconds(e.RetryAfter))
}

func (e *LockedOutError) Is(target error) bool { return target == ErrLockedOut }

// InvalidCredentialsError is returned for a wrong username or password.
// AttemptsLeft counts the failures still allowed before a lock.
type InvalidCredentialsError struct {
	AttemptsLeft int
}

func (e *InvalidCredentialsError) Error() string {
	return fmt.Sprintf("invalid credentials, %d login attempts remaining", e.AttemptsLeft)
}

func (e *InvalidCredentialsError) Is(target error) bool { return target == ErrUnauthorized }

// seconds rounds up so a client never retries a moment too early.
func seconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

type callerKey struct{}

// WithCaller returns a copy of ctx carrying c.
func WithCaller(ctx context.Context, c model.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom extracts the caller stored by WithCaller.
func CallerFrom(ctx context.Context) (model.Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(model.Caller)
	return c, ok
}
