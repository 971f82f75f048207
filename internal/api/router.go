package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/playok/fleetmon/internal/auth"
	"github.com/playok/fleetmon/internal/history"
	"github.com/playok/fleetmon/internal/ingest"
	"github.com/playok/fleetmon/internal/registry"
	"github.com/playok/fleetmon/internal/store"
	"github.com/playok/fleetmon/internal/telemetry"
	"github.com/playok/fleetmon/web"
)

// Server bundles what the HTTP handlers need.
type Server struct {
	Store    *store.Store
	Registry *registry.Registry
	Ingestor *ingest.Ingestor
	History  *history.Engine
	Auth     *auth.Service
	Hub      *Hub
	Metrics  *telemetry.Metrics
	Log      logr.Logger

	BasePath    string
	CORSOrigins []string
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(s *Server) http.Handler {
	mux := http.NewServeMux()
	log := s.Log.WithName("http")

	ma := &machinesAPI{registry: s.Registry, ingestor: s.Ingestor, history: s.History}
	xa := &metricsAPI{ingestor: s.Ingestor}
	aa := &accountsAPI{auth: s.Auth}
	da := &dashboardAPI{store: s.Store}
	fa := &frontendLogAPI{log: s.Log.WithName("frontend")}
	authed := requireAuth(s.Auth)

	// Agent endpoints
	mux.HandleFunc("POST /machines/register", ma.register)
	mux.HandleFunc("POST /metrics", xa.ingest)

	// Machines
	mux.Handle("GET /machines", authed(ma.list))
	mux.Handle("GET /machines/{hostname}", authed(ma.get))
	mux.Handle("GET /machines/{hostname}/metrics", authed(ma.latest))
	mux.Handle("GET /machines/{hostname}/metrics/history", authed(ma.queryHistory))
	mux.Handle("DELETE /machines/{hostname}", authed(ma.delete))
	mux.Handle("PUT /machines/{hostname}/owner", authed(ma.assignOwner))

	// Accounts
	mux.HandleFunc("POST /register", aa.signup)
	mux.HandleFunc("POST /login", aa.login)
	mux.Handle("POST /logout", authed(aa.logout))
	mux.Handle("GET /profile", authed(aa.profile))
	mux.Handle("POST /profile", authed(aa.rename))
	mux.Handle("PUT /profile", authed(aa.changePassword))
	mux.Handle("DELETE /profile", authed(aa.deleteAccount))

	// Dashboard preferences
	mux.Handle("GET /dashboards", authed(da.list))
	mux.Handle("POST /dashboards", authed(da.create))
	mux.Handle("PUT /dashboards/{id}", authed(da.update))
	mux.Handle("DELETE /dashboards/{id}", authed(da.delete))

	mux.HandleFunc("POST /frontend-log", fa.write)

	// WebSocket
	mux.Handle("GET /ws", authed(s.Hub.HandleWS))

	// Static files (embedded), base_path injected into index.html
	mux.Handle("GET /", web.StaticHandler(s.BasePath))

	var handler http.Handler = s.Metrics.Middleware(mux)

	// If base_path is set, strip the prefix so internal routing works unchanged
	if s.BasePath != "/" && s.BasePath != "" {
		handler = stripBasePath(s.BasePath, handler)
	}

	return withMiddleware(handler, log, s.CORSOrigins)
}

func stripBasePath(basePath string, inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, basePath) {
			r.URL.Path = strings.TrimPrefix(r.URL.Path, basePath)
			if r.URL.Path == "" {
				r.URL.Path = "/"
			}
			r.URL.RawPath = strings.TrimPrefix(r.URL.RawPath, basePath)
		}
		inner.ServeHTTP(w, r)
	})
}

func withMiddleware(next http.Handler, log logr.Logger, origins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		reqLog := log.WithValues("request_id", reqID)
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		// Recovery
		defer func() {
			if err := recover(); err != nil {
				reqLog.Error(nil, "panic", "panic", err, "path", r.URL.Path)
				if !rec.wroteHeader {
					writeError(rec, http.StatusInternalServerError, "internal server error")
				}
			}
		}()

		setCORS(w, r, origins)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(rec, r.WithContext(logr.NewContext(r.Context(), reqLog)))

		reqLog.V(1).Info("request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

func setCORS(w http.ResponseWriter, r *http.Request, origins []string) {
	origin := r.Header.Get("Origin")
	allowed := ""
	for _, o := range origins {
		if o == "*" {
			allowed = "*"
			break
		}
		if origin != "" && o == origin {
			allowed = origin
			w.Header().Add("Vary", "Origin")
			break
		}
	}
	if allowed == "" {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", allowed)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *responseRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *responseRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return h.Hijack()
}
