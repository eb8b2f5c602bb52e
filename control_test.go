/*
File: control_test.go
Description: Control API behavior: auth, method screening, the training
             workflow over HTTP and error-to-status mapping.
*/

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestControl(t *testing.T, token string) (*Detector, *ControlServer) {
	t.Helper()
	det := NewDetector(testDetectorConfig(t))
	cs := NewControlServer(ControlConfig{Listen: "127.0.0.1:0", AuthToken: token}, det, nil, nil)
	return det, cs
}

func doRequest(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestControl_Auth(t *testing.T) {
	_, cs := newTestControl(t, "s3cret")
	h := cs.Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/status", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/status", "s3cret", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestControl_NoTokenIsOpen(t *testing.T) {
	_, cs := newTestControl(t, "")
	rec := doRequest(t, cs.Handler(), http.MethodGet, "/api/status", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestControl_MethodScreening(t *testing.T) {
	_, cs := newTestControl(t, "")
	h := cs.Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/status", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/save", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/training/start", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestControl_Status(t *testing.T) {
	_, cs := newTestControl(t, "")
	rec := doRequest(t, cs.Handler(), http.MethodGet, "/api/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st StatusReport
	decodeBody(t, rec, &st)
	assert.Equal(t, "idle", st.Phase)
	assert.Equal(t, -1, st.ActiveLabel)
	assert.False(t, st.ModelReady)
	assert.Contains(t, st.Counters, counterTotal)
}

func TestControl_TrainingWorkflow(t *testing.T) {
	det, cs := newTestControl(t, "")
	h := cs.Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/training/start", "", `{"label":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var st StatusReport
	decodeBody(t, rec, &st)
	assert.Equal(t, "collecting", st.Phase)
	assert.Equal(t, 0, st.ActiveLabel)

	for i := 0; i < 4; i++ {
		feedFlow(det, fmt.Sprintf("10.0.0.%d", i+1), 100, 5, 64)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/training/start", "", `{"label":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	feedFlow(det, "10.1.0.1", 200, 20, 1400)

	rec = doRequest(t, h, http.MethodPost, "/api/training/stop", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var meta ModelMetadata
	decodeBody(t, rec, &meta)
	assert.Greater(t, meta.SampleCount, 0)
	assert.Equal(t, []string{"packet_count", "mean_length"}, meta.FeatureNames)

	rec = doRequest(t, h, http.MethodGet, "/api/model", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// The fixture classes are cleanly separable, so replaying the training
	// set through the model misclassifies nothing.
	rec = doRequest(t, h, http.MethodGet, "/api/evaluate", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cm ConfusionMatrix
	decodeBody(t, rec, &cm)
	assert.Equal(t, meta.SampleCount, cm.TruePositive+cm.TrueNegative)
	assert.Zero(t, cm.FalsePositive)
	assert.Zero(t, cm.FalseNegative)

	rec = doRequest(t, h, http.MethodPost, "/api/save", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report SaveReport
	decodeBody(t, rec, &report)
	assert.Len(t, report.Written, 2)

	rec = doRequest(t, h, http.MethodPost, "/api/load", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestControl_TrainingStartRejects(t *testing.T) {
	_, cs := newTestControl(t, "")
	h := cs.Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/training/start", "", "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/training/start", "", `{"label":7}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var e apiError
	decodeBody(t, rec, &e)
	assert.Contains(t, e.Error, "invalid label")
}

func TestControl_ErrorStatusMapping(t *testing.T) {
	_, cs := newTestControl(t, "")
	h := cs.Handler()

	// Stop without an active collection: operator mistake, 409.
	rec := doRequest(t, h, http.MethodPost, "/api/training/stop", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Nothing trained or persisted yet: 404s.
	rec = doRequest(t, h, http.MethodGet, "/api/model", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/evaluate", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/save", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/load", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Collecting but without data: still 409.
	doRequest(t, h, http.MethodPost, "/api/training/start", "", `{"label":0}`)
	rec = doRequest(t, h, http.MethodPost, "/api/training/stop", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestControl_Export(t *testing.T) {
	det, cs := newTestControl(t, "")
	require.NoError(t, det.StartTraining(1))
	feedFlow(det, "10.1.0.1", 100, 5, 1400)

	rec := doRequest(t, cs.Handler(), http.MethodGet, "/api/export", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var exp struct {
		FeatureNames []string    `json:"feature_names"`
		Samples      [][]float64 `json:"samples"`
		Labels       []int       `json:"labels"`
	}
	decodeBody(t, rec, &exp)
	assert.Equal(t, []string{"packet_count", "mean_length"}, exp.FeatureNames)
	require.Len(t, exp.Samples, 3)
	assert.Equal(t, []int{1, 1, 1}, exp.Labels)
}

func TestControl_DetectionsAndBlocked(t *testing.T) {
	det, cs := newTestControl(t, "")
	h := cs.Handler()

	for i := 0; i < 5; i++ {
		det.blockSource(fmt.Sprintf("10.0.0.%d", i+1), 0.9, Features{PacketCount: 10, MeanLength: 1400})
	}

	rec := doRequest(t, h, http.MethodGet, "/api/detections?limit=2", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []DetectionRecord
	decodeBody(t, rec, &recs)
	assert.Len(t, recs, 2)

	rec = doRequest(t, h, http.MethodGet, "/api/detections?limit=bogus", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &recs)
	assert.Len(t, recs, 5)

	rec = doRequest(t, h, http.MethodGet, "/api/blocked", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []BlockedEntry
	decodeBody(t, rec, &entries)
	assert.Len(t, entries, 5)
}

func TestControl_HistoryUnconfigured(t *testing.T) {
	_, cs := newTestControl(t, "")
	h := cs.Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/history", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/history/top", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
