package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optrack.evalgo.org/issues"
	"optrack.evalgo.org/metrics"
	"optrack.evalgo.org/refresh"
	"optrack.evalgo.org/statemanager"
)

type fakeRefresher struct {
	mu   sync.Mutex
	full []bool
	fast []bool
}

func (f *fakeRefresher) RequestFull(force bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.full = append(f.full, force)
}

func (f *fakeRefresher) RequestFast(force bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fast = append(f.fast, force)
}

var testKey = statemanager.OperationKey{
	SourceURL:       "https://github.com/owner/addon-repo.git",
	DestinationPath: "/addons",
}

type testEnv struct {
	e         *echo.Echo
	manager   *statemanager.Manager
	issues    *issues.Log
	refresher *fakeRefresher
	sink      *refresh.MemorySink[json.RawMessage]
	metrics   *metrics.Metrics
}

func newTestAPI(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	env := &testEnv{
		issues:    issues.NewLog(10),
		refresher: &fakeRefresher{},
		sink:      refresh.NewMemorySink[json.RawMessage](),
		metrics:   metrics.NewMetrics("optrack"),
	}
	env.manager = statemanager.New(statemanager.Config{
		LiveRetention:    time.Hour,
		HistoryRetention: time.Hour,
		Observer:         env.metrics,
		Logger:           logrus.NewEntry(logger),
	})
	t.Cleanup(func() { env.manager.Close() })

	cfg := DefaultServerConfig()
	cfg.RateLimit = 0
	env.e = NewEchoServer(cfg)

	api := &API{
		Service:   "optrack",
		Version:   "test",
		Manager:   env.manager,
		Issues:    env.issues,
		Refresher: env.refresher,
		Snapshot:  env.sink,
		Metrics:   env.metrics,
		Connected: func() bool { return true },
		LastRefresh: func() map[string]time.Time {
			return map[string]time.Time{"full": time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
		},
	}
	api.Register(env.e)
	return env
}

func (env *testEnv) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func TestAPI_Health(t *testing.T) {
	env := newTestAPI(t)
	require.NoError(t, env.manager.Apply(statemanager.OperationEvent{
		Key: testKey, Kind: statemanager.EventStarted, Operation: statemanager.KindUpdate,
	}))
	env.issues.SetError("Backend unreachable")

	rec := env.do(http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "optrack", body.Service)
	assert.Equal(t, "test", body.Version)
	assert.Equal(t, 1.0, body.Details["live_operations"])
	assert.Equal(t, 1.0, body.Details["active_operations"])
	assert.Equal(t, 1.0, body.Details["issues"])
	assert.Equal(t, "Backend unreachable", body.Details["error"])
	assert.Equal(t, true, body.Details["stream_connected"])
	assert.Equal(t, map[string]interface{}{"full": "2024-05-01T12:00:00Z"}, body.Details["last_refresh"])
}

func TestAPI_OperationsMounted(t *testing.T) {
	env := newTestAPI(t)
	require.NoError(t, env.manager.Apply(statemanager.OperationEvent{
		Key: testKey, Kind: statemanager.EventStarted, Operation: statemanager.KindInstall,
	}))

	rec := env.do(http.MethodGet, "/operations")
	require.Equal(t, http.StatusOK, rec.Code)

	var ops []statemanager.TrackedOperation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "addon-repo", ops[0].Label)

	rec = env.do(http.MethodGet, "/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_Issues(t *testing.T) {
	env := newTestAPI(t)
	env.issues.Record("Failed to refresh full data", errors.New("connection refused"))

	rec := env.do(http.MethodGet, "/issues")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/plain")
	assert.Contains(t, rec.Body.String(), "Failed to refresh full data connection refused")

	env.issues.SetError("Backend unreachable")
	rec = env.do(http.MethodGet, "/issues/current")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"error":"Backend unreachable"}`, rec.Body.String())

	rec = env.do(http.MethodDelete, "/issues")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, env.issues.Len())
	assert.Empty(t, env.issues.CurrentError())
}

func TestAPI_Refresh(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		wantCode int
		wantFull []bool
		wantFast []bool
	}{
		{name: "Full", target: "/refresh/full", wantCode: http.StatusAccepted, wantFull: []bool{false}},
		{name: "FullForced", target: "/refresh/full?force=true", wantCode: http.StatusAccepted, wantFull: []bool{true}},
		{name: "Fast", target: "/refresh/fast?force=0", wantCode: http.StatusAccepted, wantFast: []bool{false}},
		{name: "BadForce", target: "/refresh/fast?force=maybe", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestAPI(t)
			rec := env.do(http.MethodPost, tt.target)
			require.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantFull, env.refresher.full)
			assert.Equal(t, tt.wantFast, env.refresher.fast)
		})
	}
}

func TestAPI_Data(t *testing.T) {
	env := newTestAPI(t)

	rec := env.do(http.MethodGet, "/data")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	env.sink.Replace(json.RawMessage(`{"addons":[{"name":"a"}]}`))
	rec = env.do(http.MethodGet, "/data")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"addons":[{"name":"a"}]}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Last-Modified"))
	assert.NotEmpty(t, rec.Header().Get("X-Data-Age"))
}

func TestAPI_Metrics(t *testing.T) {
	env := newTestAPI(t)
	require.NoError(t, env.manager.Apply(statemanager.OperationEvent{
		Key: testKey, Kind: statemanager.EventStarted, Operation: statemanager.KindUpdate,
	}))

	rec := env.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "optrack_operations_active 1")
	assert.Contains(t, rec.Body.String(), `optrack_events_total{kind="started"} 1`)
}

func TestAPI_NilComponents(t *testing.T) {
	e := NewEchoServer(ServerConfig{})
	(&API{Service: "optrack"}).Register(e)

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
