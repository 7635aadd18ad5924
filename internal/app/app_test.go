package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Syncano/syncano-platform-sub000/internal/config"
	"github.com/Syncano/syncano-platform-sub000/internal/manifest"
	"github.com/Syncano/syncano-platform-sub000/internal/schema"
	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Metrics.Addr = ""
	cfg.Migration.PollInterval = 20 * time.Millisecond

	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.initSharedResources())
	t.Cleanup(a.cleanup)
	return a
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Migration.Workers = 0

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestApp_StartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Metrics.Addr = ""
	cfg.Migration.PollInterval = 20 * time.Millisecond

	a, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	assert.Error(t, a.Start(ctx))

	require.NoError(t, a.Editor().CreateTenant(ctx, "acme"))
	k, err := a.Editor().CreateKlass(ctx, "acme", "books",
		[]schema.FieldInput{{schema.KeyName: "title", schema.KeyType: "string", schema.KeyFilterIndex: true}})
	require.NoError(t, err)
	require.True(t, k.IsLocked())

	assert.Eventually(t, func() bool {
		got, err := a.Editor().GetKlass(ctx, "acme", k.ID)
		return err == nil && !got.IsLocked()
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx))
}

func TestHandler_Health(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "sqlite", body["dialect"])
}

func TestHandler_KlassLifecycle(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	h := a.Handler()

	require.NoError(t, a.Editor().CreateTenant(ctx, "acme"))
	k, err := a.Editor().CreateKlass(ctx, "acme", "books",
		[]schema.FieldInput{{schema.KeyName: "title", schema.KeyType: "string", schema.KeyFilterIndex: true}})
	require.NoError(t, err)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get(fmt.Sprintf("/v1/tenants/acme/klasses/%d", k.ID))
	require.Equal(t, http.StatusOK, rec.Code)
	var got types.Klass
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "books", got.Name)
	assert.Equal(t, types.Locked, got.LockState)

	rec = get("/v1/tenants/acme/reconcile")
	require.Equal(t, http.StatusOK, rec.Code)
	var report manifest.ReconciliationReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, 1, report.InFlight)

	stats := a.Dispatcher().RunOnce(ctx)
	assert.Equal(t, 1, stats.Completed)

	rec = get(fmt.Sprintf("/v1/tenants/acme/klasses/%d/revisions", k.ID))
	require.Equal(t, http.StatusOK, rec.Code)
	var revs []manifest.RevisionRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&revs))
	assert.Len(t, revs, 1)

	rec = get("/v1/tenants/acme/klasses")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"books"`)

	rec = get("/v1/tenants/acme/klasses/999")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "KLASS_NOT_FOUND")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = get("/v1/tenants/ghost/klasses/1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get("/v1/tenants/acme/klasses/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "syncano_schema_migration_runs_total"))
}
