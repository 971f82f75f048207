package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/playok/fleetmon/internal/model"
)

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	var admin int
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &admin); err != nil {
		return nil, err
	}
	u.IsAdmin = admin != 0
	return &u, nil
}

// CreateUser inserts a user. The very first account becomes an admin.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*model.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var existing, total int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FILTER (WHERE username = ?), COUNT(*) FROM users", username).Scan(&existing, &total); err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrConflict
	}

	u := &model.User{Username: username, PasswordHash: passwordHash, IsAdmin: total == 0}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, is_admin) VALUES (?, ?, ?)",
		u.Username, u.PasswordHash, boolToInt(u.IsAdmin))
	if err != nil {
		return nil, err
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return u, nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT user_id, username, password_hash, is_admin FROM users WHERE user_id = ?", id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// GetUserByUsername returns a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT user_id, username, password_hash, is_admin FROM users WHERE username = ?", username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// RenameUser changes a username, failing with ErrConflict if it is taken.
func (s *Store) RenameUser(ctx context.Context, id int64, username string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var taken int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM users WHERE username = ? AND user_id <> ?", username, id).Scan(&taken); err != nil {
		return err
	}
	if taken > 0 {
		return ErrConflict
	}
	res, err := tx.ExecContext(ctx, "UPDATE users SET username = ? WHERE user_id = ?", username, id)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

// SetPasswordHash replaces a user's password hash.
func (s *Store) SetPasswordHash(ctx context.Context, id int64, hash string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET password_hash = ? WHERE user_id = ?", hash, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeleteUser removes a user with their sessions and dashboards. Machines they
// owned become unowned.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE user_id = ?", id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// --- Sessions ---

// CreateSession stores an issued token.
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)",
		sess.Token, sess.UserID, sess.ExpiresAt.Unix())
	return err
}

// SessionUser returns the user behind a token that has not expired at now.
func (s *Store) SessionUser(ctx context.Context, token string, now time.Time) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.user_id, u.username, u.password_hash, u.is_admin
		FROM sessions s JOIN users u ON u.user_id = s.user_id
		WHERE s.token = ? AND s.expires_at > ?`, token, now.Unix())
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// DeleteSession revokes a token.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", token)
	return err
}

// PurgeExpiredSessions removes sessions that expired before now.
func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
