package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"nhooyr.io/websocket"

	"github.com/playok/fleetmon/internal/auth"
	"github.com/playok/fleetmon/internal/events"
	"github.com/playok/fleetmon/internal/history"
	"github.com/playok/fleetmon/internal/ingest"
	"github.com/playok/fleetmon/internal/registry"
	"github.com/playok/fleetmon/internal/store"
	"github.com/playok/fleetmon/internal/telemetry"
)

type testEnv struct {
	handler http.Handler
	hub     *Hub
}

func newTestEnv(t *testing.T, basePath string) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "fleetmon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := testr.New(t)
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	em := events.NewEmitter(events.Nop{}, "", log)
	hub := NewHub(log)
	ing := ingest.New(st, em, m, log)
	ing.AddListener(hub)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	s := &Server{
		Store:    st,
		Registry: registry.New(st, em, m, log),
		Ingestor: ing,
		History:  history.New(st, m, log),
		Auth:     auth.NewService(st, nil, log, auth.WithBcryptCost(bcrypt.MinCost)),
		Hub:      hub,
		Metrics:  m,
		Log:      log,
		BasePath: basePath,
	}
	return &testEnv{handler: NewRouter(s), hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	rec := e.do(t, "POST", "/register", "", map[string]string{"username": username, "password": password})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = e.do(t, "POST", "/login", "", map[string]string{"username": username, "password": password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotEmpty(t, res.AccessToken)
	return res.AccessToken
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func registerHost(t *testing.T, e *testEnv, hostname string) {
	t.Helper()
	rec := e.do(t, "POST", "/machines/register", "", map[string]any{
		"hostname": hostname, "platform": "Linux", "max_cores": 8,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestRegisterAndIngest(t *testing.T) {
	e := newTestEnv(t, "")

	rec := e.do(t, "POST", "/machines/register", "", map[string]any{"hostname": "web-1", "max_cores": 4})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, true, body["created"])
	assert.Equal(t, "Machine registered", body["message"])

	rec = e.do(t, "POST", "/machines/register", "", map[string]any{"hostname": "web-1", "max_cores": 8})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, false, decode(t, rec)["created"])

	rec = e.do(t, "POST", "/machines/register", "", map[string]any{"hostname": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "POST", "/metrics", "", map[string]any{"hostname": "ghost", "current_cpu_usage": 10})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Machine not registered", decode(t, rec)["message"])

	rec = e.do(t, "POST", "/metrics", "", map[string]any{
		"hostname":             "web-1",
		"timestamp":            "2024-05-01T10:00:00Z",
		"current_cpu_usage":    12.5,
		"current_memory_usage": map[string]any{"total": 100, "used": 40, "percent": 40},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Metrics recorded", decode(t, rec)["message"])
}

func TestIngestNonStringTimestamp(t *testing.T) {
	e := newTestEnv(t, "")
	token := e.login(t, "admin", "secret")
	registerHost(t, e, "h1")

	for _, ts := range []any{1735689600, map[string]any{"x": 1}, true} {
		before := time.Now().UTC().Add(-time.Second)
		rec := e.do(t, "POST", "/metrics", "", map[string]any{
			"hostname":          "h1",
			"timestamp":         ts,
			"current_cpu_usage": 5,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		rec = e.do(t, "GET", "/machines/h1/metrics", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		got, err := time.Parse(time.RFC3339Nano, decode(t, rec)["Timestamp"].(string))
		require.NoError(t, err)
		assert.False(t, got.Before(before), "timestamp %s for %v", got, ts)
	}
}

func TestInvalidJSON(t *testing.T) {
	e := newTestEnv(t, "")
	req := httptest.NewRequest("POST", "/metrics", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON", decode(t, rec)["message"])
}

func TestMachinesRequireAuth(t *testing.T) {
	e := newTestEnv(t, "")
	rec := e.do(t, "GET", "/machines", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", decode(t, rec)["message"])

	rec = e.do(t, "GET", "/machines", "bogus-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMachineQueries(t *testing.T) {
	e := newTestEnv(t, "")
	token := e.login(t, "admin", "secret")
	registerHost(t, e, "web-1")

	rec := e.do(t, "GET", "/machines", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var machines []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &machines))
	require.Len(t, machines, 1)
	assert.Equal(t, "web-1", machines[0]["Hostname"])

	rec = e.do(t, "GET", "/machines/web-1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(8), decode(t, rec)["Max_Cores"])

	rec = e.do(t, "GET", "/machines/nope", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Machine not found", decode(t, rec)["message"])

	rec = e.do(t, "GET", "/machines/web-1/metrics", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No metrics found", decode(t, rec)["message"])

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec = e.do(t, "POST", "/metrics", "", map[string]any{
			"hostname":          "web-1",
			"timestamp":         base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			"current_cpu_usage": float64(i * 10),
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec = e.do(t, "GET", "/machines/web-1/metrics", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	latest := decode(t, rec)
	assert.Equal(t, float64(40), latest["Current_CPU_Usage"])
	assert.Equal(t, "2024-05-01T10:04:00Z", latest["Timestamp"])

	rec = e.do(t, "GET", "/machines/web-1/metrics/history?start=2024-05-01T10:01:00Z&end=2024-05-01T10:03:00Z&order=DESC&limit=2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hist := decode(t, rec)
	assert.Equal(t, "web-1", hist["Hostname"])
	assert.Equal(t, float64(2), hist["count"])
	samples := hist["metrics"].([]any)
	require.Len(t, samples, 2)
	assert.Equal(t, "2024-05-01T10:03:00Z", samples[0].(map[string]any)["Timestamp"])
	assert.Equal(t, "2024-05-01T10:02:00Z", samples[1].(map[string]any)["Timestamp"])

	rec = e.do(t, "GET", "/machines/web-1/metrics/history?order=sideways", token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid order parameter. Use 'asc' or 'desc'.", decode(t, rec)["message"])

	rec = e.do(t, "GET", "/machines/web-1/metrics/history?limit=ten", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "GET", "/machines/nope/metrics/history", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNonAdminVisibility(t *testing.T) {
	e := newTestEnv(t, "")
	admin := e.login(t, "admin", "secret")
	bob := e.login(t, "bob", "hunter2")
	registerHost(t, e, "db-1")

	rec := e.do(t, "GET", "/machines", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = e.do(t, "GET", "/machines/db-1", bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, "DELETE", "/machines/db-1", bob, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Admin privileges required", decode(t, rec)["message"])

	rec = e.do(t, "GET", "/profile", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bobID := decode(t, rec)["data"].(map[string]any)["User_ID"]

	rec = e.do(t, "PUT", "/machines/db-1/owner", bob, map[string]any{"owner_id": bobID})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, "PUT", "/machines/db-1/owner", admin, map[string]any{"owner_id": 999})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "PUT", "/machines/db-1/owner", admin, map[string]any{"owner_id": bobID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, bobID, decode(t, rec)["Owner_ID"])

	rec = e.do(t, "GET", "/machines/db-1", bob, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "DELETE", "/machines/db-1", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, "GET", "/machines/db-1", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccounts(t *testing.T) {
	e := newTestEnv(t, "")
	token := e.login(t, "alice", "pw1")

	rec := e.do(t, "GET", "/profile", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "alice", data["Username"])
	assert.Equal(t, true, data["Admin_Status"])
	assert.NotContains(t, rec.Body.String(), "pw1")

	rec = e.do(t, "POST", "/register", "", map[string]string{"username": "alice", "password": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "POST", "/profile", token, map[string]string{"username": "alicia"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "PUT", "/profile", token, map[string]string{"password": "pw2"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "POST", "/login", "", map[string]string{"username": "alicia", "password_hash": "pw2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, "POST", "/logout", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, "GET", "/profile", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginLockout(t *testing.T) {
	e := newTestEnv(t, "")
	e.login(t, "carol", "right")

	bad := map[string]string{"username": "carol", "password": "wrong"}
	rec := e.do(t, "POST", "/login", "", bad)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = e.do(t, "POST", "/login", "", bad)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, "POST", "/login", "", bad)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = e.do(t, "POST", "/login", "", map[string]string{"username": "carol", "password": "right"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDashboards(t *testing.T) {
	e := newTestEnv(t, "")
	admin := e.login(t, "admin", "secret")
	bob := e.login(t, "bob", "pw")
	registerHost(t, e, "web-1")

	rec := e.do(t, "GET", "/machines/web-1", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	machineID := decode(t, rec)["Machine_ID"]

	rec = e.do(t, "POST", "/dashboards", admin, map[string]any{"machine_id": machineID, "show_disk_usage": false})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode(t, rec)["dashboard_id"]

	rec = e.do(t, "GET", "/dashboards", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)["dashboards"].([]any)
	require.Len(t, list, 1)
	d := list[0].(map[string]any)
	assert.Equal(t, true, d["Show_CPU_Usage"])
	assert.Equal(t, false, d["Show_Disk_Usage"])

	rec = e.do(t, "POST", "/dashboards", bob, map[string]any{"machine_id": machineID})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "bob cannot see web-1")

	rec = e.do(t, "POST", "/dashboards", bob, map[string]any{"machine_id": machineID, "admin_only": true})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, "GET", "/dashboards", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["dashboards"])

	path := "/dashboards/" + jsonNumber(id)
	rec = e.do(t, "PUT", path, admin, map[string]any{"show_cpu_usage": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, "PUT", path, bob, map[string]any{"show_cpu_usage": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, "PUT", "/dashboards/abc", admin, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "DELETE", path, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, "DELETE", path, admin, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Dashboard not found", decode(t, rec)["message"])
}

func TestDashboardAdminOnlyFlag(t *testing.T) {
	e := newTestEnv(t, "")
	admin := e.login(t, "admin", "secret")
	bob := e.login(t, "bob", "pw")
	registerHost(t, e, "web-2")

	rec := e.do(t, "GET", "/profile", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bobID := decode(t, rec)["data"].(map[string]any)["User_ID"]
	rec = e.do(t, "PUT", "/machines/web-2/owner", admin, map[string]any{"owner_id": bobID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, "GET", "/machines/web-2", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	machineID := decode(t, rec)["Machine_ID"]

	rec = e.do(t, "POST", "/dashboards", bob, map[string]any{"machine_id": machineID, "admin_only": false})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	path := "/dashboards/" + jsonNumber(decode(t, rec)["dashboard_id"])

	rec = e.do(t, "PUT", path, bob, map[string]any{"admin_only": false, "show_cpu_usage": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, "PUT", path, bob, map[string]any{"admin_only": true})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func jsonNumber(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestFrontendLog(t *testing.T) {
	e := newTestEnv(t, "")
	rec := e.do(t, "POST", "/frontend-log", "", map[string]string{"level": "error", "message": "chart failed"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = e.do(t, "POST", "/frontend-log", "", map[string]string{"message": "hello", "user": "alice"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequestIDAndCORS(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "fleetmon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	log := testr.New(t)
	h := NewRouter(&Server{
		Store:       st,
		Registry:    registry.New(st, nil, nil, log),
		Auth:        auth.NewService(st, nil, log, auth.WithBcryptCost(bcrypt.MinCost)),
		Hub:         NewHub(log),
		Log:         log,
		CORSOrigins: []string{"https://dash.example.com"},
	})

	req := httptest.NewRequest("OPTIONS", "/machines", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest("GET", "/machines", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestBasePath(t *testing.T) {
	e := newTestEnv(t, "/mon")

	rec := e.do(t, "POST", "/mon/machines/register", "", map[string]any{"hostname": "web-1"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, "GET", "/mon/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "window.__FLEETMON_BASE='/mon'")
	assert.Contains(t, rec.Body.String(), `src="/mon/js/app.js"`)
}

func TestWebSocketStream(t *testing.T) {
	e := newTestEnv(t, "")
	token := e.login(t, "admin", "secret")
	registerHost(t, e, "web-1")
	registerHost(t, e, "web-2")

	srv := httptest.NewServer(e.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err, "unauthenticated upgrade must fail")

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe","hostnames":["web-2"]}`)))
	require.Eventually(t, func() bool { return e.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Give the read loop a moment to apply the subscription.
	time.Sleep(100 * time.Millisecond)

	rec := e.do(t, "POST", "/metrics", "", map[string]any{"hostname": "web-1", "current_cpu_usage": 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = e.do(t, "POST", "/metrics", "", map[string]any{"hostname": "web-2", "current_cpu_usage": 2})
	require.Equal(t, http.StatusCreated, rec.Code)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg struct {
		Type     string         `json:"type"`
		Hostname string         `json:"hostname"`
		Metric   map[string]any `json:"metric"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "metric", msg.Type)
	assert.Equal(t, "web-2", msg.Hostname)
	assert.Equal(t, float64(2), msg.Metric["Current_CPU_Usage"])
}

func TestHubLeaveQueuedBeforeJoin(t *testing.T) {
	for i := 0; i < 50; i++ {
		hub := NewHub(testr.New(t))
		c := &wsClient{hub: hub, send: make(chan []byte, 1), subs: make(map[string]bool)}
		hub.events <- hubEvent{client: c, join: true}
		hub.events <- hubEvent{client: c}

		ctx, cancel := context.WithCancel(context.Background())
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			hub.Run(ctx)
		}()

		require.Eventually(t, func() bool {
			select {
			case _, ok := <-c.send:
				return !ok
			default:
				return false
			}
		}, time.Second, time.Millisecond)
		assert.Equal(t, 0, hub.Clients())

		cancel()
		<-stopped
		select {
		case <-hub.done:
		default:
			t.Fatal("hub did not signal shutdown")
		}
	}
}
