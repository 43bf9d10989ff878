package forecast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lox/airwatch/internal/metrics"
	"github.com/lox/airwatch/internal/models"
)

// LagWindow is the number of prior daily values the lag model consumes.
const LagWindow = 3

var (
	ErrInvalidRange        = errors.New("forecast range ends before it starts")
	errInsufficientHistory = errors.New("insufficient history")
)

// HistoryStore is the persistence the forecaster reads from.
type HistoryStore interface {
	DistinctPollutants(ctx context.Context, locationID int64) ([]models.Pollutant, error)
	HistoryBefore(ctx context.Context, locationID, pollutantID int64, before time.Time, limit int) ([]models.Observation, error)
}

// Forecaster produces daily forecasts by feeding each prediction back into
// the lag window for the following day.
type Forecaster struct {
	store     HistoryStore
	artifacts *Artifacts
}

func NewForecaster(s HistoryStore, artifacts *Artifacts) *Forecaster {
	if artifacts == nil {
		artifacts = &Artifacts{}
	}
	return &Forecaster{store: s, artifacts: artifacts}
}

// Forecast returns one point per pollutant per day in [from, to], ordered by
// pollutant then date. Pollutants the model cannot handle are left out.
func (f *Forecaster) Forecast(ctx context.Context, locationID int64, from, to time.Time) ([]models.ForecastPoint, error) {
	from, to = models.Day(from), models.Day(to)
	if to.Before(from) {
		return nil, ErrInvalidRange
	}
	if !f.artifacts.LagAvailable {
		return nil, nil
	}

	pollutants, err := f.store.DistinctPollutants(ctx, locationID)
	if err != nil {
		return nil, fmt.Errorf("list pollutants: %w", err)
	}

	var out []models.ForecastPoint
	for _, p := range pollutants {
		code, ok := f.artifacts.Encoder.Encode(p.Code)
		if !ok {
			metrics.ForecastSkips.WithLabelValues("unknown_code").Inc()
			continue
		}

		points, err := f.forecastPollutant(ctx, locationID, p, float64(code), from, to)
		switch {
		case errors.Is(err, errInsufficientHistory):
			metrics.ForecastSkips.WithLabelValues("insufficient_history").Inc()
			continue
		case err != nil:
			log.Printf("forecast: %s: %v", p.Code, err)
			metrics.ForecastSkips.WithLabelValues("error").Inc()
			continue
		}
		out = append(out, points...)
	}

	metrics.ForecastPoints.Add(float64(len(out)))
	return out, nil
}

func (f *Forecaster) forecastPollutant(ctx context.Context, locationID int64, p models.Pollutant, code float64, from, to time.Time) ([]models.ForecastPoint, error) {
	history, err := f.store.HistoryBefore(ctx, locationID, p.ID, from, LagWindow)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if len(history) < LagWindow {
		return nil, errInsufficientHistory
	}

	// History is newest first, so lags[0] is the day before from.
	lags := make([]float64, LagWindow)
	for i := range lags {
		lags[i] = history[i].Value
	}

	var points []models.ForecastPoint
	features := make([]float64, 0, FeatureCount)
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		features = append(features[:0], code)
		features = append(features, lags...)

		pred, err := f.artifacts.Regressor.Predict(features)
		if err != nil {
			return nil, fmt.Errorf("predict %s: %w", day.Format(models.DateLayout), err)
		}

		points = append(points, models.ForecastPoint{
			Pollutant: p.Code,
			Date:      day,
			Value:     pred,
			Source:    models.SourceForecast,
		})

		copy(lags[1:], lags[:LagWindow-1])
		lags[0] = pred
	}
	return points, nil
}
