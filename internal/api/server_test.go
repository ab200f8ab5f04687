package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sitegauge/sitegauge/internal/analysis"
	"github.com/sitegauge/sitegauge/internal/clock/system"
	idgen "github.com/sitegauge/sitegauge/internal/id/uuid"
	"github.com/sitegauge/sitegauge/internal/progress"
	"github.com/sitegauge/sitegauge/internal/progress/sinks"
	"github.com/sitegauge/sitegauge/internal/queue"
	queuemem "github.com/sitegauge/sitegauge/internal/queue/memory"
	storemem "github.com/sitegauge/sitegauge/internal/storage/memory"
)

type apiFixture struct {
	server  *Server
	store   *storemem.JobStore
	ready   *queuemem.Queue
	adapter *queue.Adapter
}

type nopEmitter struct{}

func (nopEmitter) Emit(progress.Event) {}

func newAPIFixture(t *testing.T, cfg Config) *apiFixture {
	t.Helper()
	store := storemem.NewJobStore()
	ready := queuemem.NewQueue(100)
	t.Cleanup(ready.Close)
	logger := zaptest.NewLogger(t)
	adapter := queue.NewAdapter(store, ready, idgen.New(), system.New(), nopEmitter{},
		queue.AdapterConfig{Concurrency: 1, DefaultProcessingTime: time.Minute}, logger)
	ws := sinks.NewWebSocketSink(logger)
	t.Cleanup(func() { _ = ws.Close(context.Background()) })
	server := NewServer(adapter, store, ws, prometheus.NewRegistry(), cfg, logger)
	return &apiFixture{server: server, store: store, ready: ready, adapter: adapter}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func submitBody(userID string) map[string]any {
	return map[string]any{
		"url":            "https://example.com",
		"user_id":        userID,
		"budget_seconds": 300,
	}
}

func decodeJobID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["job_id"])
	return resp["job_id"]
}

func TestServer_SubmitAndStatus(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	rec := f.do(t, http.MethodPost, "/v1/analyses/", submitBody("user-1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decodeJobID(t, rec)

	rec = f.do(t, http.MethodGet, "/v1/analyses/"+jobID+"/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view analysis.JobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, jobID, view.ID)
	require.Equal(t, analysis.StateWaiting, view.State)
	require.Equal(t, 1, view.Position)
	require.NotZero(t, view.EstimatedWait)
}

func TestServer_SubmitRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	rec := f.do(t, http.MethodPost, "/v1/analyses/", map[string]any{"user_id": "user-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "url")
}

func TestServer_StatusUnknownJobIs404(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	rec := f.do(t, http.MethodGet, "/v1/analyses/nope/", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ResultConflictsUntilCompleted(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	rec := f.do(t, http.MethodPost, "/v1/analyses/", submitBody("user-1"))
	jobID := decodeJobID(t, rec)

	rec = f.do(t, http.MethodGet, "/v1/analyses/"+jobID+"/result", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	completed := analysis.StateCompleted
	now := time.Now().UTC()
	require.NoError(t, f.store.UpdateJob(context.Background(), jobID, analysis.JobUpdate{
		State:       &completed,
		CompletedAt: &now,
		Result: &analysis.Result{
			OverallScore: 91,
			Scores:       map[string]int{"seo": 91},
		},
	}))

	rec = f.do(t, http.MethodGet, "/v1/analyses/"+jobID+"/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result analysis.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 91, result.OverallScore)
}

func TestServer_CancelLifecycle(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	rec := f.do(t, http.MethodPost, "/v1/analyses/", submitBody("user-1"))
	jobID := decodeJobID(t, rec)

	rec = f.do(t, http.MethodPost, "/v1/analyses/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Already cancelled; a second cancel conflicts.
	rec = f.do(t, http.MethodPost, "/v1/analyses/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/analyses/"+jobID+"/failure", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var artifact analysis.FailureArtifact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &artifact))
	require.Equal(t, analysis.ClassCancelled, artifact.Classification)
}

func TestServer_RetryOnlyFailedJobs(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	rec := f.do(t, http.MethodPost, "/v1/analyses/", submitBody("user-1"))
	jobID := decodeJobID(t, rec)

	rec = f.do(t, http.MethodPost, "/v1/analyses/"+jobID+"/retry", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	failed := analysis.StateFailed
	now := time.Now().UTC()
	reason := "boom"
	require.NoError(t, f.store.UpdateJob(context.Background(), jobID, analysis.JobUpdate{
		State:         &failed,
		CompletedAt:   &now,
		FailureReason: &reason,
	}))
	f.ready.Remove(jobID)

	rec = f.do(t, http.MethodPost, "/v1/analyses/"+jobID+"/retry", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServer_ListAnalysesFiltersByState(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, "/v1/analyses/", submitBody(fmt.Sprintf("user-%d", i)))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/v1/analyses/?state=waiting&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Jobs []analysis.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)

	rec = f.do(t, http.MethodGet, "/v1/analyses/?state=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/analyses/?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_QueueMetricsAndAdmin(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	f.adapter.SetMetrics(analysis.QueueMetrics{
		Counts:                map[analysis.JobState]int{analysis.StateWaiting: 2},
		AverageProcessingTime: 45 * time.Second,
		CollectedAt:           time.Now().UTC(),
	})

	rec := f.do(t, http.MethodGet, "/v1/queue/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var metrics analysis.QueueMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	require.Equal(t, 2, metrics.Counts[analysis.StateWaiting])

	rec = f.do(t, http.MethodPost, "/v1/admin/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, f.adapter.Paused())

	rec = f.do(t, http.MethodPost, "/v1/admin/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, f.adapter.Paused())

	rec = f.do(t, http.MethodPost, "/v1/admin/cleanup?older_than=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/admin/cleanup?older_than=banana", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_APIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{AuthEnabled: true, APIKey: "secret"})

	rec := f.do(t, http.MethodGet, "/v1/queue/metrics", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue/metrics", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ProbesAndMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report analysis.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, "ready", report.Status)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/analyses/x/", nil)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ProgressSocketRequiresUser(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	rec := f.do(t, http.MethodGet, "/v1/ws", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
