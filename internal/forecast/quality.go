package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/lox/airwatch/internal/metrics"
	"github.com/lox/airwatch/internal/models"
)

// DefaultStatusWindow bounds how many recent observations Status inspects.
const DefaultStatusWindow = 100

// QualityModels maps a pollutant code to its ascending severity centroids.
type QualityModels map[string][]float64

// ParseQualityModels decodes {"NO2": {"centroids": [...]}, ...}. Centroids
// are sorted so index order matches severity order; empty models are dropped.
func ParseQualityModels(data []byte) (QualityModels, error) {
	var raw map[string]struct {
		Centroids []float64 `json:"centroids"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode quality models: %w", err)
	}

	qm := make(QualityModels, len(raw))
	for code, m := range raw {
		if len(m.Centroids) == 0 {
			continue
		}
		c := append([]float64(nil), m.Centroids...)
		sort.Float64s(c)
		qm[code] = c
	}
	return qm, nil
}

type severity struct {
	label string
	color string
}

var severities = []severity{
	{"Good", "#00e400"},
	{"Moderate", "#ffff00"},
	{"Unhealthy", "#ff7e00"},
	{"Very Unhealthy", "#ff0000"},
	{"Hazardous", "#7e0023"},
}

const (
	unknownLabel = "Unknown"
	unknownColor = "#9e9e9e"
	maxRank      = 4
)

// Rank returns the index of the centroid nearest to value, clamped to the
// highest severity. The first centroid wins ties.
func Rank(centroids []float64, value float64) int {
	best, bestDist := 0, math.Inf(1)
	for i, c := range centroids {
		if d := math.Abs(value - c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return min(best, maxRank)
}

// LatestStore is the persistence the classifier reads from. Results must be
// ordered newest first.
type LatestStore interface {
	LatestObservations(ctx context.Context, locationID int64, limit int) ([]models.LatestReading, error)
}

// Narrator rewrites a computed status into a short human sentence.
type Narrator interface {
	Narrate(ctx context.Context, status models.Status, latest map[string]float64) (string, error)
}

// Classifier grades a location's air quality by placing each pollutant's
// latest value in its nearest severity cluster and reporting the worst.
type Classifier struct {
	store     LatestStore
	artifacts *Artifacts
	window    int
	narrator  Narrator
}

func NewClassifier(s LatestStore, artifacts *Artifacts, window int) *Classifier {
	if artifacts == nil {
		artifacts = &Artifacts{}
	}
	if window <= 0 {
		window = DefaultStatusWindow
	}
	return &Classifier{store: s, artifacts: artifacts, window: window}
}

// SetNarrator enables rewritten status descriptions.
func (c *Classifier) SetNarrator(n Narrator) {
	c.narrator = n
}

// Status computes the current air quality status for a location.
func (c *Classifier) Status(ctx context.Context, locationID int64) (models.Status, error) {
	readings, err := c.store.LatestObservations(ctx, locationID, c.window)
	if err != nil {
		return models.Status{}, fmt.Errorf("latest observations: %w", err)
	}

	if len(readings) == 0 {
		metrics.StatusComputed.WithLabelValues(unknownLabel).Inc()
		return models.Status{
			Label:       unknownLabel,
			Color:       unknownColor,
			Description: "No recent measurements are available for this location.",
			Rank:        -1,
		}, nil
	}

	// Readings are newest first, so the first value seen per code is the latest.
	latest := make(map[string]float64)
	var order []string
	for _, r := range readings {
		if _, seen := latest[r.PollutantCode]; seen {
			continue
		}
		latest[r.PollutantCode] = r.Value
		order = append(order, r.PollutantCode)
	}

	// Every pollutant starts at rank 0, so only a rank above Good names a
	// main pollutant.
	worst, main := 0, ""
	if c.artifacts.QualityAvailable {
		for _, code := range order {
			centroids, ok := c.artifacts.Quality[code]
			if !ok {
				continue
			}
			if rank := Rank(centroids, latest[code]); rank > worst {
				worst, main = rank, code
			}
		}
	}

	status := models.Status{Rank: worst, MainPollutant: main}
	sev := severities[status.Rank]
	status.Label = sev.label
	status.Color = sev.color
	status.Description = describe(status, latest)

	if c.narrator != nil {
		if text, err := c.narrator.Narrate(ctx, status, latest); err != nil {
			log.Printf("forecast: status narration failed: %v", err)
		} else if text != "" {
			status.Description = text
		}
	}

	metrics.StatusComputed.WithLabelValues(status.Label).Inc()
	return status, nil
}

var descriptions = []string{
	"Based on AI analysis of recent measurements, air quality is good.",
	"Based on AI analysis of recent measurements, air quality is moderate. Unusually sensitive people should limit prolonged exertion outdoors.",
	"Based on AI analysis of recent measurements, air quality is unhealthy for sensitive groups.",
	"Based on AI analysis of recent measurements, air quality is very unhealthy. Everyone should reduce outdoor activity.",
	"Based on AI analysis of recent measurements, air quality is hazardous. Avoid outdoor activity.",
}

func describe(status models.Status, latest map[string]float64) string {
	text := descriptions[status.Rank]
	if status.MainPollutant != "" {
		text += fmt.Sprintf(" Main pollutant: %s (latest %.2f).", status.MainPollutant, latest[status.MainPollutant])
	}
	return text
}
