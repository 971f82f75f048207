package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/playok/fleetmon/internal/auth"
	"github.com/playok/fleetmon/internal/ingest"
	"github.com/playok/fleetmon/internal/model"
	"github.com/playok/fleetmon/internal/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

type statusMessage struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, statusMessage{Status: "error", Message: msg})
}

func writeSuccess(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, statusMessage{Status: "success", Message: msg})
}

// decodeJSON reads one JSON document from the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return model.Invalid("", "request body is empty")
		}
		return model.Invalid("", "invalid JSON")
	}
	return nil
}

// fail maps err onto a status code and writes it. Unexpected errors are
// logged and reported without detail.
func fail(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	var (
		verr   *model.ValidationError
		locked *auth.LockedOutError
		creds  *auth.InvalidCredentialsError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Message)
	case errors.Is(err, ingest.ErrNotRegistered):
		writeError(w, http.StatusBadRequest, "Machine not registered")
	case errors.As(err, &locked):
		w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(locked.RetryAfter.Seconds())), 10))
		writeError(w, http.StatusForbidden, capitalize(locked.Error()))
	case errors.As(err, &creds):
		writeError(w, http.StatusUnauthorized, capitalize(creds.Error()))
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, "Admin privileges required")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, notFound)
	default:
		logr.FromContextOrDiscard(r.Context()).Error(err, "request failed", "method", r.Method, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		return 0, model.Invalid(name, fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}
