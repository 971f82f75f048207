package api

import (
	"net/http"
	"strings"

	"github.com/go-logr/logr"

	"github.com/playok/fleetmon/internal/auth"
	"github.com/playok/fleetmon/internal/model"
)

// bearerToken extracts the session token from the Authorization header or,
// for websocket clients that cannot set headers, the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// requireAuth wraps handlers so they only run for a verified caller, which is
// then available through auth.CallerFrom.
func requireAuth(svc *auth.Service) func(http.HandlerFunc) http.Handler {
	return func(next http.HandlerFunc) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := svc.Verify(r.Context(), bearerToken(r))
			if err != nil {
				fail(w, r, err, "")
				return
			}
			ctx := auth.WithCaller(r.Context(), caller)
			if l, err := logr.FromContext(ctx); err == nil {
				ctx = logr.NewContext(ctx, l.WithValues("user_id", caller.UserID))
			}
			next(w, r.WithContext(ctx))
		})
	}
}

// callerOf returns the caller set by requireAuth.
func callerOf(r *http.Request) model.Caller {
	c, _ := auth.CallerFrom(r.Context())
	return c
}
