/*
File: control.go
Version: 1.2.0
Description: Operational HTTP API. Training control, model save/load, data
             export, detection and blocked-set listings, the sqlite archive
             views and the Prometheus scrape endpoint. JSON in, JSON out,
             optional bearer-token auth.
*/

package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"
)

type ControlServer struct {
	det     *Detector
	history *HistoryStore
	server  *http.Server
	token   string
}

type apiError struct {
	Error string `json:"error"`
}

func NewControlServer(cfg ControlConfig, det *Detector, history *HistoryStore, metrics http.Handler) *ControlServer {
	cs := &ControlServer{det: det, history: history, token: cfg.AuthToken}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", cs.auth(cs.handleStatus))
	mux.HandleFunc("/api/model", cs.auth(cs.handleModel))
	mux.HandleFunc("/api/evaluate", cs.auth(cs.handleEvaluate))
	mux.HandleFunc("/api/training/start", cs.auth(cs.handleTrainingStart))
	mux.HandleFunc("/api/training/stop", cs.auth(cs.handleTrainingStop))
	mux.HandleFunc("/api/export", cs.auth(cs.handleExport))
	mux.HandleFunc("/api/save", cs.auth(cs.handleSave))
	mux.HandleFunc("/api/load", cs.auth(cs.handleLoad))
	mux.HandleFunc("/api/detections", cs.auth(cs.handleDetections))
	mux.HandleFunc("/api/blocked", cs.auth(cs.handleBlocked))
	mux.HandleFunc("/api/history", cs.auth(cs.handleHistory))
	mux.HandleFunc("/api/history/top", cs.auth(cs.handleHistoryTop))
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	cs.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cs.token == "" {
		LogWarn("[CONTROL] No auth token configured, API is open to anyone who can reach %s", cfg.Listen)
	}
	return cs
}

func (cs *ControlServer) Start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		LogInfo("[CONTROL] Starting API server on %s", cs.server.Addr)
		if err := cs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			LogError("[CONTROL] API server stopped: %v", err)
		}
	}()
}

func (cs *ControlServer) Shutdown(ctx context.Context) error {
	return cs.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (cs *ControlServer) Handler() http.Handler { return cs.server.Handler }

// --- Middleware / helpers ---

func (cs *ControlServer) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cs.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(cs.token)) != 1 {
				LogWarn("[CONTROL] Unauthorized %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
				writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		LogDebug("[CONTROL] Response encode failed: %v", err)
	}
}

// failStatus maps the error taxonomy onto HTTP codes: operator mistakes are
// 4xx, everything else is a 500 with a stack trace in the log.
func (cs *ControlServer) failStatus(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errorsIsAny(err, ErrNotCollecting, ErrInsufficientData, ErrClassImbalance):
		writeJSON(w, http.StatusConflict, apiError{Error: err.Error()})
	case errorsIsAny(err, ErrNotTrained, ErrNoModel):
		writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
	default:
		LogError("[CONTROL] %s %s failed: %+v", r.Method, r.URL.Path, xerrors.New(err))
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
	}
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return false
	}
	return true
}

// --- Handlers ---

func (cs *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, cs.det.Status())
}

func (cs *ControlServer) handleModel(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	meta := cs.det.classifier.Metadata()
	if meta == nil {
		cs.failStatus(w, r, ErrNotTrained)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (cs *ControlServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	cm, err := cs.det.EvaluateModel()
	if err != nil {
		cs.failStatus(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cm)
}

func (cs *ControlServer) handleTrainingStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Label int `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}
	if err := cs.det.StartTraining(req.Label); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cs.det.Status())
}

func (cs *ControlServer) handleTrainingStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	meta, err := cs.det.StopTraining()
	if err != nil {
		cs.failStatus(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (cs *ControlServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	samples, labels := cs.det.TrainingData()
	writeJSON(w, http.StatusOK, struct {
		FeatureNames []string    `json:"feature_names"`
		Samples      [][]float64 `json:"samples"`
		Labels       []int       `json:"labels"`
	}{
		FeatureNames: featureNames,
		Samples:      samples,
		Labels:       labels,
	})
}

func (cs *ControlServer) handleSave(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	report, err := cs.det.SaveNow()
	if err != nil {
		cs.failStatus(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (cs *ControlServer) handleLoad(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := cs.det.LoadFromDisk(); err != nil {
		cs.failStatus(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cs.det.classifier.Metadata())
}

func (cs *ControlServer) handleDetections(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, cs.det.Detections(queryInt(r, "limit", 100)))
}

func (cs *ControlServer) handleBlocked(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, cs.det.BlockedSources())
}

func (cs *ControlServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if cs.history == nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: "history archive not configured"})
		return
	}
	recs, err := cs.history.Recent(queryInt(r, "limit", 100), r.URL.Query().Get("source"))
	if err != nil {
		cs.failStatus(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (cs *ControlServer) handleHistoryTop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if cs.history == nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: "history archive not configured"})
		return
	}
	top, err := cs.history.TopSources(queryInt(r, "limit", 10))
	if err != nil {
		cs.failStatus(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, top)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
