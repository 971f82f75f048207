package model

import "time"

// Roles understood by the access filter.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User is a dashboard account.
type User struct {
	ID           int64  `json:"User_ID"`
	Username     string `json:"Username"`
	PasswordHash string `json:"-"`
	IsAdmin      bool   `json:"Admin_Status"`
}

// Role returns the access role of u.
func (u *User) Role() string {
	if u.IsAdmin {
		return RoleAdmin
	}
	return RoleUser
}

// Session is an issued bearer token.
type Session struct {
	Token     string
	UserID    int64
	ExpiresAt time.Time
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	UserID int64
	Role   string
}

// IsAdmin reports whether the caller has the elevated role.
func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }
