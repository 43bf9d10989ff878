package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/airwatch/internal/forecast"
	"github.com/lox/airwatch/internal/ingest"
	"github.com/lox/airwatch/internal/models"
)

// defaultForecastDays is the horizon used when the request omits "to".
const defaultForecastDays = 7

type locationView struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type pointView struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type forecastPointView struct {
	Pollutant string  `json:"pollutant"`
	Date      string  `json:"date"`
	Value     float64 `json:"value"`
	Source    string  `json:"source"`
}

type ingestRunView struct {
	ID            string     `json:"id"`
	Filename      string     `json:"filename"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Success       bool       `json:"success"`
	RowsProcessed int64      `json:"rows_processed"`
	Error         string     `json:"error,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart \"file\" field: "+err.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	res, err := s.ingester.Ingest(r.Context(), data, header.Filename)
	if errors.Is(err, ingest.ErrFormatUnrecognized) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		log.Printf("api: upload %s: %v", header.Filename, err)
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	locationID, ok := parseID(w, q.Get("location"))
	if !ok {
		return
	}

	from := models.Day(time.Now().UTC()).AddDate(0, 0, 1)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(models.DateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
			return
		}
		from = t
	}
	to := from.AddDate(0, 0, defaultForecastDays-1)
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(models.DateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
			return
		}
		to = t
	}

	points, err := s.forecaster.Forecast(r.Context(), locationID, from, to)
	if errors.Is(err, forecast.ErrInvalidRange) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		log.Printf("api: forecast location %d: %v", locationID, err)
		writeError(w, http.StatusInternalServerError, "forecast failed")
		return
	}

	out := make([]forecastPointView, 0, len(points))
	for _, p := range points {
		out = append(out, forecastPointView{
			Pollutant: p.Pollutant,
			Date:      p.Date.Format(models.DateLayout),
			Value:     p.Value,
			Source:    p.Source,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	locationID, ok := parseID(w, r.URL.Query().Get("location"))
	if !ok {
		return
	}

	status, err := s.classifier.Status(r.Context(), locationID)
	if err != nil {
		log.Printf("api: status location %d: %v", locationID, err)
		writeError(w, http.StatusInternalServerError, "status failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := s.store.ListLocations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]locationView, 0, len(locations))
	for _, l := range locations {
		v := locationView{ID: l.ID, Name: l.Name}
		if l.Latitude.Valid && l.Longitude.Valid {
			v.Latitude, v.Longitude = &l.Latitude.Float64, &l.Longitude.Float64
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	locationID, ok := parseID(w, r.PathValue("id"))
	if !ok {
		return
	}

	points, err := s.store.ListPoints(r.Context(), locationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]pointView, 0, len(points))
	for _, p := range points {
		out = append(out, pointView{ID: p.ID, Name: p.Name})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetCoordinates(w http.ResponseWriter, r *http.Request) {
	locationID, ok := parseID(w, r.PathValue("id"))
	if !ok {
		return
	}

	var body struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Latitude == nil || body.Longitude == nil {
		writeError(w, http.StatusBadRequest, "expected {\"latitude\": ..., \"longitude\": ...}")
		return
	}
	if *body.Latitude < -90 || *body.Latitude > 90 || *body.Longitude < -180 || *body.Longitude > 180 {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}

	if err := s.store.SetLocationCoordinates(r.Context(), locationID, *body.Latitude, *body.Longitude); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIngestRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}

	runs, err := s.store.GetRecentIngestRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]ingestRunView, 0, len(runs))
	for _, run := range runs {
		v := ingestRunView{
			ID:            run.ID,
			Filename:      run.Filename,
			StartedAt:     run.StartedAt,
			Success:       run.Success,
			RowsProcessed: run.RowsProcessed.Int64,
			Error:         run.ErrorMessage.String,
		}
		if run.FinishedAt.Valid {
			v.FinishedAt = &run.FinishedAt.Time
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func parseID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "location must be a positive integer id")
		return 0, false
	}
	return id, true
}
