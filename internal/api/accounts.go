package api

import (
	"net/http"
	"time"

	"github.com/playok/fleetmon/internal/auth"
	"github.com/playok/fleetmon/internal/model"
)

type accountsAPI struct {
	auth *auth.Service
}

// credentials accepts password_hash as an alias used by older clients.
type credentials struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	PasswordHash string `json:"password_hash"`
}

func (c credentials) password() string {
	if c.Password != "" {
		return c.Password
	}
	return c.PasswordHash
}

func (a *accountsAPI) signup(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := decodeJSON(w, r, &c); err != nil {
		fail(w, r, err, "")
		return
	}
	if _, err := a.auth.Signup(r.Context(), c.Username, c.password()); err != nil {
		fail(w, r, err, "")
		return
	}
	writeSuccess(w, http.StatusCreated, "User registered.")
}

type loginResponse struct {
	Status      string    `json:"status"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (a *accountsAPI) login(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := decodeJSON(w, r, &c); err != nil {
		fail(w, r, err, "")
		return
	}
	sess, err := a.auth.Login(r.Context(), c.Username, c.password())
	if err != nil {
		fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Status: "success", AccessToken: sess.Token, ExpiresAt: sess.ExpiresAt.UTC()})
}

func (a *accountsAPI) logout(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.Logout(r.Context(), bearerToken(r)); err != nil {
		fail(w, r, err, "")
		return
	}
	writeSuccess(w, http.StatusOK, "Logged out")
}

func (a *accountsAPI) profile(w http.ResponseWriter, r *http.Request) {
	u, err := a.auth.Profile(r.Context(), callerOf(r))
	if err != nil {
		fail(w, r, err, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string      `json:"status"`
		Data   *model.User `json:"data"`
	}{"success", u})
}

func (a *accountsAPI) rename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		fail(w, r, err, "")
		return
	}
	if err := a.auth.Rename(r.Context(), callerOf(r), body.Username); err != nil {
		fail(w, r, err, "User not found")
		return
	}
	writeSuccess(w, http.StatusOK, "Profile updated")
}

func (a *accountsAPI) changePassword(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := decodeJSON(w, r, &c); err != nil {
		fail(w, r, err, "")
		return
	}
	if err := a.auth.ChangePassword(r.Context(), callerOf(r), c.password()); err != nil {
		fail(w, r, err, "User not found")
		return
	}
	writeSuccess(w, http.StatusOK, "Password updated")
}

func (a *accountsAPI) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.DeleteAccount(r.Context(), callerOf(r)); err != nil {
		fail(w, r, err, "User not found")
		return
	}
	writeSuccess(w, http.StatusOK, "Profile deleted")
}
