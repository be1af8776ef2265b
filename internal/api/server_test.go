package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"variantlab/adapters/memory"
	"variantlab/app"
	"variantlab/domain/experiment"
	"variantlab/internal/analysis"
	"variantlab/internal/metrics"
	"variantlab/internal/testkit"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	t        *testing.T
	handler  http.Handler
	store    *memory.Store
	registry *prometheus.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	clock := testkit.NewFixedClock(testkit.Epoch)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	analyzer := analysis.NewAnalyzer()

	variants := app.NewVariantStore(store, clock, logger)
	tracker := app.NewFeedbackTracker(store, clock, m, logger)
	allocator := app.NewTrafficAllocator(store, clock)
	manager := app.NewExperimentManager(store, allocator, tracker, analyzer, experiment.DefaultDefaults(), clock, m, logger)
	optimizer := app.NewOptimizationService(variants, app.NewThompsonSelector(testkit.MeanSampler{}), tracker, analyzer, store,
		app.OptimizationConfig{ScopeMinImpressions: 50}, m, logger)

	srv := NewServer(optimizer, manager, Options{GenerateMaxVariants: 20}, m, logger)
	return &testServer{t: t, handler: srv.Handler(), store: store, registry: registry}
}

func (ts *testServer) do(method, path string, body interface{}) (int, map[string]interface{}) {
	ts.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(ts.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func (ts *testServer) doList(method, path string) (int, []map[string]interface{}) {
	ts.t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	var out []map[string]interface{}
	require.NoError(ts.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func TestInitializeAndHealth(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(http.MethodGet, "/ab-content/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "warning", body["status"])

	for i := 0; i < 2; i++ {
		code, body = ts.do(http.MethodPost, "/ab-content/variants/initialize", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, 24.0, body["total_variants"])
	}

	code, body = ts.do(http.MethodGet, "/ab-content/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["database_connected"])
	assert.Equal(t, 24.0, body["variant_count"])
}

func TestGenerateOptimizeTrack(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(http.MethodPost, "/ab-content/variants/generate", map[string]interface{}{
		"dimensions": map[string][]string{
			"hook_style": {"question", "controversial"},
			"tone":       {"engaging", "edgy"},
		},
		"max_variants":      20,
		"include_bootstrap": true,
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, 4.0, body["variants_created"])
	assert.Equal(t, 4.0, body["total_variants"])

	code, body = ts.do(http.MethodPost, "/ab-content/optimize", map[string]interface{}{
		"persona_id": "founder", "content_type": "post", "input_text": "launch day",
	})
	require.Equal(t, http.StatusOK, code, body)
	variantID, _ := body["variant_id"].(string)
	require.NotEmpty(t, variantID)
	assert.NotEmpty(t, body["instructions"])
	md := body["selection_metadata"].(map[string]interface{})
	assert.Equal(t, 1.0, md["alpha"])
	assert.Equal(t, 2.0, md["beta"])
	assert.Equal(t, 4.0, md["candidates_considered"])

	code, body = ts.do(http.MethodPost, "/ab-content/track", map[string]interface{}{
		"variant_id": variantID, "persona_id": "founder", "action_type": "engagement",
		"engagement_type": "share", "engagement_value": 3,
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, variantID, body["variant_id"])

	code, body = ts.do(http.MethodGet, "/variants/"+variantID+"/stats", nil)
	require.Equal(t, http.StatusOK, code)
	perf := body["performance"].(map[string]interface{})
	assert.Equal(t, 1.0, perf["impressions"])
	assert.Equal(t, 1.0, perf["successes"])
	assert.Len(t, body["confidence_intervals"], 3)
	assert.Equal(t, 2.0, body["thompson_sampling_stats"].(map[string]interface{})["alpha"])

	code, body = ts.do(http.MethodGet, "/variants?persona=founder", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["variants"], 4)

	code, body = ts.do(http.MethodGet, "/ab-content/insights?limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["top_performing_variants"], 2)
	assert.Equal(t, 4.0, body["total_variants_analyzed"])
	assert.Contains(t, body["dimension_recommendations"], "tone")
}

func TestTrackValidation(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(http.MethodPost, "/ab-content/variants/initialize", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = ts.do(http.MethodPost, "/ab-content/optimize", map[string]interface{}{})
	require.Equal(t, http.StatusOK, code)
	variantID := body["variant_id"]

	tests := []struct {
		name     string
		body     map[string]interface{}
		expected int
		code     string
	}{
		{"engagement without type", map[string]interface{}{"variant_id": variantID, "action_type": "engagement"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown action", map[string]interface{}{"variant_id": variantID, "action_type": "swipe"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"conversion on adaptive path", map[string]interface{}{"variant_id": variantID, "action_type": "conversion"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"missing variant id", map[string]interface{}{"action_type": "impression"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown variant", map[string]interface{}{"variant_id": "v_nope", "action_type": "impression"}, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := ts.do(http.MethodPost, "/ab-content/track", tt.body)
			assert.Equal(t, tt.expected, code)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestTrackInvariantViolationIsConflict(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(http.MethodPost, "/ab-content/variants/generate", map[string]interface{}{
		"dimensions": map[string][]string{"tone": {"bold"}}, "include_bootstrap": false,
	})
	require.Equal(t, http.StatusOK, code, body)
	id := body["variant_ids"].([]interface{})[0]

	code, body = ts.do(http.MethodPost, "/ab-content/track", map[string]interface{}{
		"variant_id": id, "action_type": "engagement", "engagement_type": "like",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "INVARIANT_VIOLATION", body["code"])
}

func TestOptimizeWithoutVariants(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(http.MethodPost, "/ab-content/optimize", map[string]interface{}{"persona_id": "founder"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "NO_ELIGIBLE_VARIANTS", body["code"])
}

func TestExperimentFlow(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(http.MethodPost, "/experiments/create", map[string]interface{}{
		"name":               "hook test",
		"description":        "question vs statistic",
		"variant_ids":        []string{"v_control", "v_candidate"},
		"traffic_allocation": []float64{0.5, 0.5},
		"control_variant_id": "v_control",
		"target_persona":     "founder",
		"success_metrics":    []string{"conversion"},
		"duration_days":      14,
		"min_sample_size":    100,
		"significance_level": 0.05,
		"created_by":         "growth",
	})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "draft", body["status"])
	id := body["experiment_id"].(string)

	code, body = ts.do(http.MethodPost, "/experiments/"+id+"/assign", map[string]interface{}{"participant_id": "p1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_STATE", body["code"])

	code, body = ts.do(http.MethodPost, "/experiments/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "active", body["new_status"])

	code, body = ts.do(http.MethodGet, "/experiments/active/founder", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["count"])

	assigned := map[string]string{}
	for i := 0; i < 40; i++ {
		p := fmt.Sprintf("p%d", i)
		code, body = ts.do(http.MethodPost, "/experiments/"+id+"/assign", map[string]interface{}{"participant_id": p})
		require.Equal(t, http.StatusOK, code, body)
		assigned[p] = body["assigned_variant_id"].(string)

		code, body = ts.do(http.MethodPost, "/experiments/"+id+"/track", map[string]interface{}{
			"participant_id": p, "variant_id": assigned[p], "action_taken": "impression",
		})
		require.Equal(t, http.StatusOK, code, body)
	}
	code, body = ts.do(http.MethodPost, "/experiments/"+id+"/assign", map[string]interface{}{"participant_id": "p3"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, assigned["p3"], body["assigned_variant_id"])

	code, body = ts.do(http.MethodPost, "/experiments/"+id+"/pause", map[string]interface{}{"reason": "review"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "paused", body["new_status"])

	code, body = ts.do(http.MethodGet, "/experiments/"+id+"/results", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "paused", body["status"])
	summary := body["results_summary"].(map[string]interface{})
	assert.Equal(t, 40.0, summary["total_participants"])
	assert.Equal(t, 40.0, summary["total_impressions"])
	assert.Len(t, body["variant_performance"], 2)

	code, body = ts.do(http.MethodPost, "/experiments/"+id+"/complete", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "completed", body["new_status"])
	assert.NotNil(t, body["results"])

	code, body = ts.do(http.MethodPost, "/experiments/"+id+"/start", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_STATE", body["code"])

	code, body = ts.do(http.MethodGet, "/experiments/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["status"])

	code, list := ts.doList(http.MethodGet, "/experiments/list?status=completed")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0]["experiment_id"])
}

func TestExperimentErrors(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(http.MethodPost, "/experiments/create", map[string]interface{}{
		"name": "bad", "variant_ids": []string{"v_a", "v_b"}, "traffic_allocation": []float64{0.7, 0.7},
		"control_variant_id": "v_a", "duration_days": 7,
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])

	code, _ = ts.do(http.MethodPost, "/experiments/create", "not an object")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = ts.do(http.MethodPost, "/experiments/exp_missing/start", nil)
	assert.Equal(t, http.StatusBadRequest, code, "unknown id on a lifecycle call is a 400")
	assert.Equal(t, "NOT_FOUND", body["code"])

	code, _ = ts.do(http.MethodGet, "/experiments/exp_missing/results", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = ts.do(http.MethodGet, "/experiments/list?status=archived", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(http.MethodGet, "/ab-content/insights?limit=lots", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRequestMetricsRecorded(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodGet, "/ab-content/health", nil)

	families, err := ts.registry.Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "variantlab_http_request_duration_seconds" {
			found = true
		}
	}
	assert.True(t, found)
}
