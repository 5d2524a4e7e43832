package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/auth"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/config"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/events"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/maintenance/state"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/metrics"
	redisclient "github.com/christianpetri/kubernetes-maintenance-mode/pkg/redis"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/session"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/source"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPod struct {
	srv     *Server
	metrics *metrics.Metrics
}

func testConfig(role config.PodRole) *config.Config {
	return &config.Config{
		HTTPPort:    config.DefaultHTTPPort,
		AdminPrefix: config.DefaultAdminPrefix,
		RetryAfter:  config.DefaultRetryAfter,
		Role:        role,
		PodName:     "app-" + string(role),
		Namespace:   "demo",
		SessionTTL:  time.Hour,
	}
}

func newPod(t *testing.T, cfg *config.Config, sources ...source.StateSource) *testPod {
	t.Helper()

	m := metrics.New()
	resolver := source.NewResolver(time.Second, sources...)
	srv := New(Options{
		Config:   cfg,
		Resolver: resolver,
		Tracker:  session.NewTracker(session.NewMemoryStore(time.Hour), cfg.PodName, time.Hour, m),
		Broker:   events.NewBroker(0),
		Metrics:  m,
	})
	return &testPod{srv: srv, metrics: m}
}

// flagFile returns a flag file source in a fresh temp dir, optionally set
func flagFile(t *testing.T, enabled bool) *source.FlagFileSource {
	t.Helper()
	f := source.NewFlagFileSource(filepath.Join(t.TempDir(), "maintenance.flag"))
	if enabled {
		require.NoError(t, f.Write(context.Background(), true))
	}
	return f
}

func (p *testPod) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	rec := httptest.NewRecorder()
	p.srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name        string
		role        config.PodRole
		maintenance bool
		wantStatus  int
		wantBody    map[string]any
	}{
		{
			name:       "user pod normal operation",
			role:       config.RoleUser,
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"status": "ready"},
		},
		{
			name:        "user pod during maintenance",
			role:        config.RoleUser,
			maintenance: true,
			wantStatus:  http.StatusServiceUnavailable,
			wantBody:    map[string]any{"status": "not_ready", "reason": "maintenance_mode"},
		},
		{
			name:       "admin pod normal operation",
			role:       config.RoleAdmin,
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"status": "ready", "pod_type": "admin"},
		},
		{
			name:        "admin pod during maintenance",
			role:        config.RoleAdmin,
			maintenance: true,
			wantStatus:  http.StatusOK,
			wantBody:    map[string]any{"status": "ready", "pod_type": "admin"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pod := newPod(t, testConfig(tt.role), flagFile(t, tt.maintenance))

			for _, path := range []string{"/ready", "/readyz"} {
				rec := pod.do(http.MethodGet, path, "")
				assert.Equal(t, tt.wantStatus, rec.Code, path)
				assert.Equal(t, tt.wantBody, decode(t, rec), path)
			}
		})
	}
}

func TestHealthIgnoresMaintenance(t *testing.T) {
	for _, role := range []config.PodRole{config.RoleUser, config.RoleAdmin} {
		for _, maintenance := range []bool{false, true} {
			pod := newPod(t, testConfig(role), flagFile(t, maintenance))

			for _, path := range []string{"/health", "/healthz"} {
				rec := pod.do(http.MethodGet, path, "")
				assert.Equal(t, http.StatusOK, rec.Code, "%s role=%s maintenance=%v", path, role, maintenance)
				assert.Equal(t, map[string]any{"status": "healthy"}, decode(t, rec))
			}
		}
	}
}

func TestGateBlocksDuringMaintenance(t *testing.T) {
	pod := newPod(t, testConfig(config.RoleUser), flagFile(t, true))

	rec := pod.do(http.MethodGet, "/", "", "Accept", "text/html")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "300", rec.Header().Get("Retry-After"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))
	assert.Equal(t, "0", rec.Header().Get("Expires"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Service under maintenance")

	rec = pod.do(http.MethodGet, "/api/orders", "", "Accept", "application/json")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, map[string]any{"error": "service in maintenance mode"}, decode(t, rec))

	assert.Equal(t, 2.0, testutil.ToFloat64(pod.metrics.BlockedRequests))
}

func TestGateRetryAfterFromConfig(t *testing.T) {
	cfg := testConfig(config.RoleUser)
	cfg.RetryAfter = 90 * time.Second
	pod := newPod(t, cfg, flagFile(t, true))

	rec := pod.do(http.MethodGet, "/", "")
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
}

func TestGatePassesWhenOff(t *testing.T) {
	pod := newPod(t, testConfig(config.RoleUser), flagFile(t, false))

	rec := pod.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "app-user")

	rec = pod.do(http.MethodGet, "/no-such-page", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0.0, testutil.ToFloat64(pod.metrics.BlockedRequests))
}

func TestExemptPathsDuringMaintenance(t *testing.T) {
	pod := newPod(t, testConfig(config.RoleAdmin), flagFile(t, true))

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/ready", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/admin", http.StatusOK},
		{"/admin/api/maintenance", http.StatusOK},
		{"/admin/users", http.StatusOK},
		// shares the prefix string but is not under it
		{"/administrator", http.StatusServiceUnavailable},
		{"/", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := pod.do(http.MethodGet, tt.path, "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAdminRoutesForbiddenOnUserPod(t *testing.T) {
	pod := newPod(t, testConfig(config.RoleUser), flagFile(t, false))

	for _, path := range []string{"/admin", "/admin/", "/admin/users", "/admin/api/maintenance", "/admin/does-not-exist"} {
		rec := pod.do(http.MethodGet, path, "")
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		assert.Equal(t, map[string]any{"error": "admin access required"}, decode(t, rec), path)
	}

	rec := pod.do(http.MethodPut, "/admin/api/maintenance", `{"enabled":true}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMaintenanceWindowAcrossTiers(t *testing.T) {
	// both pods share one flag file, as with a shared volume
	shared := flagFile(t, false)
	admin := newPod(t, testConfig(config.RoleAdmin), shared)
	user := newPod(t, testConfig(config.RoleUser), shared)

	rec := admin.do(http.MethodPut, "/admin/api/maintenance", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"enabled": true, "source": "flag-file"}, decode(t, rec))

	assert.Equal(t, http.StatusServiceUnavailable, user.do(http.MethodGet, "/ready", "").Code)
	assert.Equal(t, http.StatusOK, admin.do(http.MethodGet, "/ready", "").Code)
	assert.Equal(t, http.StatusOK, admin.do(http.MethodGet, "/admin", "").Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(admin.metrics.MaintenanceMode))

	rec = admin.do(http.MethodPut, "/admin/api/maintenance", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusOK, user.do(http.MethodGet, "/ready", "").Code)
	assert.Equal(t, 0.0, testutil.ToFloat64(admin.metrics.MaintenanceMode))
}

func TestPutMaintenanceIdempotent(t *testing.T) {
	shared := flagFile(t, false)
	admin := newPod(t, testConfig(config.RoleAdmin), shared)
	user := newPod(t, testConfig(config.RoleUser), shared)

	for i := 0; i < 2; i++ {
		rec := admin.do(http.MethodPut, "/admin/api/maintenance", `{"enabled":true}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, http.StatusServiceUnavailable, user.do(http.MethodGet, "/ready", "").Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(admin.metrics.Toggles.WithLabelValues("true")))
}

func TestPutMaintenanceValidation(t *testing.T) {
	pod := newPod(t, testConfig(config.RoleAdmin), flagFile(t, false))

	assert.Equal(t, http.StatusBadRequest, pod.do(http.MethodPut, "/admin/api/maintenance", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, pod.do(http.MethodPut, "/admin/api/maintenance", `{}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, pod.do(http.MethodDelete, "/admin/api/maintenance", "").Code)
}

func TestAdminRoutesRejectWrongMethod(t *testing.T) {
	pod := newPod(t, testConfig(config.RoleAdmin), flagFile(t, false))

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodDelete, "/admin/api/maintenance", http.StatusMethodNotAllowed},
		{http.MethodGet, "/admin/toggle", http.StatusMethodNotAllowed},
		{http.MethodPost, "/admin", http.StatusMethodNotAllowed},
		{http.MethodPut, "/admin/api/sessions", http.StatusMethodNotAllowed},
		{http.MethodPost, "/admin/pods", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/health", http.StatusMethodNotAllowed},
		{http.MethodGet, "/admin/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := pod.do(tt.method, tt.path, "")
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, decode(t, rec), "error")
		})
	}
}

func TestPutMaintenancePinned(t *testing.T) {
	pod := newPod(t, testConfig(config.RoleAdmin), flagFile(t, false), source.NewEnvSource("true"))

	rec := pod.do(http.MethodPut, "/admin/api/maintenance", `{"enabled":false}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, "env", body["source"])
}

func TestPutMaintenanceReadOnly(t *testing.T) {
	pod := newPod(t, testConfig(config.RoleAdmin), source.NewEnvSource("false"))

	rec := pod.do(http.MethodPut, "/admin/api/maintenance", `{"enabled":true}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminToggle(t *testing.T) {
	flag := flagFile(t, false)
	pod := newPod(t, testConfig(config.RoleAdmin), flag)

	rec := pod.do(http.MethodPost, "/admin/toggle", "")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/admin", rec.Header().Get("Location"))

	enabled, err := flag.Read(context.Background())
	require.NoError(t, err)
	assert.True(t, enabled)

	rec = pod.do(http.MethodGet, "/admin", "")
	assert.Contains(t, rec.Body.String(), "ON")
	assert.Contains(t, rec.Body.String(), "flag-file")

	pod.do(http.MethodPost, "/admin/toggle", "")
	_, err = flag.Read(context.Background())
	assert.ErrorIs(t, err, source.ErrNotSet)
}

func TestAdminToggleFailureRendersPanel(t *testing.T) {
	t.Run("pinned", func(t *testing.T) {
		pod := newPod(t, testConfig(config.RoleAdmin), flagFile(t, false), source.NewEnvSource("true"))

		rec := pod.do(http.MethodPost, "/admin/toggle", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, rec.Body.String(), "env still decides the flag")
		assert.Contains(t, rec.Body.String(), "Maintenance control")
	})

	t.Run("read only", func(t *testing.T) {
		pod := newPod(t, testConfig(config.RoleAdmin), source.NewEnvSource("false"))

		rec := pod.do(http.MethodPost, "/admin/toggle", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, rec.Body.String(), "no writable maintenance flag source")
	})
}

func TestShuttingDownReadiness(t *testing.T) {
	user := newPod(t, testConfig(config.RoleUser), flagFile(t, false))
	admin := newPod(t, testConfig(config.RoleAdmin), flagFile(t, false))

	user.srv.SetShuttingDown(true)
	admin.srv.SetShuttingDown(true)

	rec := user.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, map[string]any{"status": "shutting_down", "reason": "draining"}, decode(t, rec))

	assert.Equal(t, http.StatusOK, admin.do(http.MethodGet, "/ready", "").Code)
	assert.Equal(t, http.StatusOK, user.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(user.metrics.ShuttingDown))
}

func TestSessionsAndLogout(t *testing.T) {
	admin := newPod(t, testConfig(config.RoleAdmin), flagFile(t, false))

	rec := admin.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	rec = admin.do(http.MethodGet, "/admin/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = admin.do(http.MethodGet, "/admin/users", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http-equiv="refresh"`)

	req := httptest.NewRequest(http.MethodGet, "/logout?reason=drain", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	admin.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(admin.metrics.GracefulLogouts))

	rec = admin.do(http.MethodGet, "/admin/api/sessions", "")
	assert.EqualValues(t, 0, decode(t, rec)["count"])

	admin.do(http.MethodGet, "/", "")
	admin.do(http.MethodGet, "/", "")
	rec = admin.do(http.MethodDelete, "/admin/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["closed"])
	assert.Equal(t, 2.0, testutil.ToFloat64(admin.metrics.ForcedLogouts))
}

func TestStateEndpoint(t *testing.T) {
	cfg := testConfig(config.RoleUser)
	m := metrics.New()
	authenticator := auth.New("secret")
	srv := New(Options{
		Config:   cfg,
		Resolver: source.NewResolver(time.Second, flagFile(t, true)),
		Tracker:  session.NewTracker(session.NewMemoryStore(time.Hour), cfg.PodName, time.Hour, m),
		Broker:   events.NewBroker(0),
		Metrics:  m,
		Auth:     authenticator,
		PodIP:    "10.0.0.7",
	})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	require.NoError(t, authenticator.SignRequest(req))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var st state.PodState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "app-user", st.PodName)
	assert.Equal(t, "10.0.0.7", st.PodIP)
	assert.Equal(t, "user", st.Role)
	assert.True(t, st.Maintenance)
	assert.False(t, st.Ready)
	assert.Equal(t, "flag-file", st.Source)
}

func TestAdminPodsWithoutCluster(t *testing.T) {
	pod := newPod(t, testConfig(config.RoleAdmin), flagFile(t, false))

	rec := pod.do(http.MethodGet, "/admin/pods", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyFallsBackWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	client, err := redisclient.NewClient(redisclient.Options{Host: mr.Host(), Port: port, DialTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	cmFile := filepath.Join(t.TempDir(), config.DefaultConfigMapKey)
	require.NoError(t, os.WriteFile(cmFile, []byte("false"), 0o644))

	pod := newPod(t, testConfig(config.RoleUser),
		source.NewRedisSource(client, config.DefaultRedisKey),
		flagFile(t, false),
		source.NewConfigMapFileSource(cmFile),
	)

	require.NoError(t, mr.Set(config.DefaultRedisKey, "true"))
	assert.Equal(t, http.StatusServiceUnavailable, pod.do(http.MethodGet, "/ready", "").Code)

	mr.Close()
	assert.Equal(t, http.StatusOK, pod.do(http.MethodGet, "/ready", "").Code)
}
