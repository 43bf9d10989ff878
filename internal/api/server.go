package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lox/airwatch/internal/forecast"
	"github.com/lox/airwatch/internal/ingest"
	"github.com/lox/airwatch/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxUploadBytes caps report uploads.
const maxUploadBytes = 32 << 20

type Server struct {
	store      *store.Store
	port       string
	ingester   *ingest.Ingester
	forecaster *forecast.Forecaster
	classifier *forecast.Classifier
	artifacts  *forecast.Artifacts
}

func NewServer(s *store.Store, port string, ingester *ingest.Ingester, artifacts *forecast.Artifacts, classifier *forecast.Classifier) *Server {
	if artifacts == nil {
		artifacts = &forecast.Artifacts{}
	}
	if classifier == nil {
		classifier = forecast.NewClassifier(s, artifacts, 0)
	}
	return &Server{
		store:      s,
		port:       port,
		ingester:   ingester,
		forecaster: forecast.NewForecaster(s, artifacts),
		classifier: classifier,
		artifacts:  artifacts,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /api/forecast", s.handleForecast)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/locations", s.handleLocations)
	mux.HandleFunc("GET /api/locations/{id}/points", s.handlePoints)
	mux.HandleFunc("PUT /api/locations/{id}/coordinates", s.handleSetCoordinates)
	mux.HandleFunc("GET /api/ingest-runs", s.handleIngestRuns)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    ":" + s.port,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type HealthStatus struct {
	Status           string     `json:"status"`
	SchemaVersion    int        `json:"schema_version"`
	Observations     int        `json:"observations"`
	LagModel         bool       `json:"lag_model"`
	QualityModels    int        `json:"quality_models"`
	LastIngest       *time.Time `json:"last_ingest,omitempty"`
	LastIngestFailed bool       `json:"last_ingest_failed,omitempty"`
	Errors           []string   `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	health := HealthStatus{
		Status:        "ok",
		LagModel:      s.artifacts.LagAvailable,
		QualityModels: len(s.artifacts.Quality),
	}

	if v, err := s.store.MigrationVersion(ctx); err != nil {
		health.Errors = append(health.Errors, "schema: "+err.Error())
	} else {
		health.SchemaVersion = v
	}

	if n, err := s.store.CountObservations(ctx); err != nil {
		health.Errors = append(health.Errors, "observations: "+err.Error())
	} else {
		health.Observations = n
	}

	if runs, err := s.store.GetRecentIngestRuns(ctx, 1); err != nil {
		health.Errors = append(health.Errors, "ingest runs: "+err.Error())
	} else if len(runs) > 0 {
		started := runs[0].StartedAt
		health.LastIngest = &started
		health.LastIngestFailed = !runs[0].Success
	}

	if len(health.Errors) > 0 {
		health.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
