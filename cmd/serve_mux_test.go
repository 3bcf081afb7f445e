package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/store"
)

func newMuxTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestBuildMux_HealthEndpoint(t *testing.T) {
	mux := buildMux(context.Background(), nil, nil, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	err := json.Unmarshal(rr.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.Equal(t, "ok", body["status"])
}

func TestBuildMux_Reconcile_Valid_NilPipeline(t *testing.T) {
	// With a nil pipeline, the goroutine skips the run gracefully.
	mux := buildMux(context.Background(), nil, nil, "")

	payload := map[string]any{
		"metric":     "net_revenue",
		"system_a":   "billing",
		"system_b":   "ledger",
		"reported_a": 350.0,
		"reported_b": 340.0,
	}
	body, _ := json.Marshal(payload)

	req := httptest.NewRequest(http.MethodPost, "/reconcile", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var resp map[string]string
	err := json.Unmarshal(rr.Body.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "accepted", resp["status"])
	assert.Equal(t, "net_revenue", resp["metric"])

	// Give the goroutine time to execute the nil check path.
	time.Sleep(10 * time.Millisecond)
}

func TestBuildMux_Reconcile_MissingMetric(t *testing.T) {
	mux := buildMux(context.Background(), nil, nil, "")

	payload := map[string]string{
		"system_a": "billing",
		"system_b": "ledger",
	}
	body, _ := json.Marshal(payload)

	req := httptest.NewRequest(http.MethodPost, "/reconcile", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "required")
}

func TestBuildMux_Reconcile_InvalidJSON(t *testing.T) {
	mux := buildMux(context.Background(), nil, nil, "")

	req := httptest.NewRequest(http.MethodPost, "/reconcile", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")
}

func TestBuildMux_Reconcile_EmptyBody(t *testing.T) {
	mux := buildMux(context.Background(), nil, nil, "")

	req := httptest.NewRequest(http.MethodPost, "/reconcile", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "required")
}

func TestBuildMux_Auth_ValidKey(t *testing.T) {
	mux := buildMux(context.Background(), nil, nil, "test-secret-123")

	payload := []byte(`{"metric":"net_revenue","system_a":"billing","system_b":"ledger"}`)
	req := httptest.NewRequest(http.MethodPost, "/reconcile", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-secret-123")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
	time.Sleep(10 * time.Millisecond)
}

func TestBuildMux_Auth_InvalidKey(t *testing.T) {
	mux := buildMux(context.Background(), nil, nil, "test-secret-123")

	payload := []byte(`{"metric":"net_revenue","system_a":"billing","system_b":"ledger"}`)
	req := httptest.NewRequest(http.MethodPost, "/reconcile", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer wrong-key")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "unauthorized")
}

func TestBuildMux_Auth_MissingHeader(t *testing.T) {
	mux := buildMux(context.Background(), nil, nil, "test-secret-123")

	payload := []byte(`{"metric":"net_revenue","system_a":"billing","system_b":"ledger"}`)
	req := httptest.NewRequest(http.MethodPost, "/reconcile", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestBuildMux_ListRuns(t *testing.T) {
	st := newMuxTestStore(t)
	ctx := context.Background()

	created, err := st.CreateRun(ctx, model.ReconcileRequest{
		Metric:  "net_revenue",
		SystemA: "billing",
		SystemB: "ledger",
	})
	require.NoError(t, err)

	mux := buildMux(ctx, nil, st, "")

	req := httptest.NewRequest(http.MethodGet, "/runs?metric=net_revenue", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var runs []model.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, created.ID, runs[0].ID)
}

func TestBuildMux_GetRun(t *testing.T) {
	st := newMuxTestStore(t)
	ctx := context.Background()

	created, err := st.CreateRun(ctx, model.ReconcileRequest{
		Metric:  "net_revenue",
		SystemA: "billing",
		SystemB: "ledger",
	})
	require.NoError(t, err)

	mux := buildMux(ctx, nil, st, "")

	req := httptest.NewRequest(http.MethodGet, "/runs/"+created.ID, nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var got model.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, model.RunStatusQueued, got.Status)
}

func TestBuildMux_GetRun_NotFound(t *testing.T) {
	st := newMuxTestStore(t)

	mux := buildMux(context.Background(), nil, st, "")

	req := httptest.NewRequest(http.MethodGet, "/runs/nope", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
