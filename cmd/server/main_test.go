package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/inferq/internal/api"
	"github.com/kiranshivaraju/inferq/internal/cache"
	"github.com/kiranshivaraju/inferq/internal/config"
	"github.com/kiranshivaraju/inferq/internal/events"
	"github.com/kiranshivaraju/inferq/internal/inference"
	"github.com/kiranshivaraju/inferq/internal/jobs"
	"github.com/kiranshivaraju/inferq/internal/metrics"
	"github.com/kiranshivaraju/inferq/internal/queue"
	"github.com/kiranshivaraju/inferq/internal/registry"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── mock cache ──────────────────────────────────────────────────────────────

type testCache struct {
	pingErr error
}

func (c *testCache) Ping(_ context.Context) error { return c.pingErr }
func (c *testCache) SetJobSnapshot(_ context.Context, _ string, _ int64, _ []byte, _ time.Duration) (bool, error) {
	return true, nil
}
func (c *testCache) GetJobSnapshot(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}
func (c *testCache) DeleteJobSnapshot(_ context.Context, _ string) error { return nil }
func (c *testCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

var _ cache.Cache = (*testCache)(nil)

// ─── mock store ──────────────────────────────────────────────────────────────

type downStore struct {
	*store.MemoryStore
}

func (downStore) Ping(_ context.Context) error { return errors.New("connection refused") }

// ─── health checks ───────────────────────────────────────────────────────────

func TestHealthChecks_SimulatedBackend(t *testing.T) {
	checks := healthChecks(store.NewMemoryStore(), &testCache{}, inference.NewSimulatedBackend(time.Millisecond))

	assert.Len(t, checks, 2)
	assert.Contains(t, checks, "database")
	assert.Contains(t, checks, "cache")
	for name, check := range checks {
		assert.NoError(t, check(context.Background()), name)
	}
}

func TestHealthChecks_HTTPBackendIsProbed(t *testing.T) {
	modelServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer modelServer.Close()

	backend := inference.NewHTTPBackend(modelServer.URL, "", time.Second)
	checks := healthChecks(store.NewMemoryStore(), &testCache{}, backend)

	require.Contains(t, checks, "inference")
	assert.Error(t, checks["inference"](context.Background()))
}

func TestHealthChecks_CacheDegraded(t *testing.T) {
	checks := healthChecks(store.NewMemoryStore(), &testCache{pingErr: errors.New("redis down")},
		inference.NewSimulatedBackend(time.Millisecond))

	assert.Error(t, checks["cache"](context.Background()))
	assert.NoError(t, checks["database"](context.Background()))
}

// ─── router wiring ───────────────────────────────────────────────────────────

func newTestApp(t *testing.T, st store.Store) http.Handler {
	t.Helper()

	cfg := &config.Config{
		Auth: config.AuthConfig{APIKey: "k", RateLimitPerMinute: 100},
		Queue: config.QueueConfig{
			MaxSize:   10,
			ResultTTL: time.Hour,
		},
	}
	reg := registry.Default()
	q := queue.New()
	prom := metrics.NewPrometheus()
	svc := jobs.NewService(jobs.Dependencies{
		Store:    st,
		Queue:    q,
		Registry: reg,
		ETA:      jobs.NewETAEstimator(reg.BaseTimes()),
		Cache:    &testCache{},
		Metrics:  prom,
	}, serviceOptions(cfg))

	return api.NewRouter(routerDependencies(components{
		cfg:      cfg,
		svc:      svc,
		registry: reg,
		queue:    q,
		counter:  &testCache{},
		metrics:  prom,
		checks:   healthChecks(st, &testCache{}, inference.NewSimulatedBackend(time.Millisecond)),
		backend:  "simulated",
	}))
}

func TestRouterDependencies_SubmitAndGet(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t, store.NewMemoryStore()))
	defer srv.Close()

	body, err := json.Marshal(map[string]any{
		"job_id":          "main-1",
		"study_reference": "1.2.3",
		"model":           "ensemble",
		"images":          []string{"a.dcm"},
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/jobs", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "k")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/v1/jobs/main-1", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "k")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "QUEUED", got.Data["status"])
	assert.Equal(t, "ensemble", got.Data["model"])
}

func TestRouterDependencies_HealthReportsCatalogAndBackend(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t, store.NewMemoryStore()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, float64(3), got.Data["models_loaded"])
	assert.Equal(t, "simulated", got.Data["backend"])
}

func TestRouterDependencies_HealthDegraded(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t, downStore{store.NewMemoryStore()}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// ─── component helpers ───────────────────────────────────────────────────────

func TestOpenStore_Memory(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Backend: "memory"}}

	st, closeStore, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	defer closeStore()
	assert.IsType(t, &store.MemoryStore{}, st)
}

func TestLoadRegistry(t *testing.T) {
	reg, err := loadRegistry("")
	require.NoError(t, err)
	assert.Len(t, reg.List(), 3)

	_, err = loadRegistry("/nonexistent/models.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load model catalog")
}

func TestOpenEvents_DisabledWithoutURL(t *testing.T) {
	p, err := openEvents(config.EventsConfig{Exchange: "inferq.events"})
	require.NoError(t, err)
	assert.IsType(t, events.Nop{}, p)
}

func TestOpenNotifier_RequiresSecret(t *testing.T) {
	assert.Nil(t, openNotifier(config.WebhookConfig{MaxAttempts: 3}, metrics.NewPrometheus()))

	n := openNotifier(config.WebhookConfig{
		Secret:      "s3cret",
		Timeout:     time.Second,
		MaxAttempts: 3,
		MaxInFlight: 4,
	}, metrics.NewPrometheus())
	require.NotNil(t, n)
	require.NoError(t, n.Close(context.Background()))
}

func TestServiceOptions(t *testing.T) {
	cfg := &config.Config{Queue: config.QueueConfig{
		MaxSize:          7,
		ResultTTL:        2 * time.Hour,
		StatusCacheTTL:   15 * time.Second,
		StoreRetries:     4,
		LifecycleTimeout: time.Second,
	}}

	opts := serviceOptions(cfg)
	assert.Equal(t, 7, opts.MaxQueueSize)
	assert.Equal(t, 2*time.Hour, opts.ResultTTL)
	assert.Equal(t, 15*time.Second, opts.CacheTTL)
	assert.Equal(t, 4, opts.StoreRetries)
	assert.Equal(t, time.Second, opts.EventTimeout)
}

// ─── run() failure paths ─────────────────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("DATABASE_URL", "")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("INFERENCE_BACKEND", "simulated")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

func TestRun_FailsOnInvalidRedisURL(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("REDIS_URL", "ftp://localhost:6379")
	t.Setenv("INFERENCE_BACKEND", "simulated")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create redis cache")
}

// ─── shutdown timeout constant test ─────────────────────────────────────────

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
