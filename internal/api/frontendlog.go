package api

import (
	"net/http"
	"strings"

	"github.com/go-logr/logr"
)

type frontendLogAPI struct {
	log logr.Logger
}

// write records a log line sent by the dashboard.
func (a *frontendLogAPI) write(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level   string `json:"level"`
		Message string `json:"message"`
		User    string `json:"user"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		fail(w, r, err, "")
		return
	}
	if body.User == "" {
		body.User = "anonymous"
	}
	switch strings.ToUpper(body.Level) {
	case "ERROR":
		a.log.Error(nil, body.Message, "user", body.User)
	case "WARNING", "WARN":
		a.log.Info(body.Message, "user", body.User, "level", "warning")
	case "DEBUG":
		a.log.V(1).Info(body.Message, "user", body.User)
	default:
		a.log.Info(body.Message, "user", body.User)
	}
	w.WriteHeader(http.StatusNoContent)
}
