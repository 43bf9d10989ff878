package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/lox/airwatch/internal/models"
)

// Repository is the persistence the reconciler needs.
type Repository interface {
	GetOrCreateLocation(ctx context.Context, name string) (int64, error)
	GetOrCreatePoint(ctx context.Context, locationID int64, name string) (int64, error)
	GetOrCreatePollutant(ctx context.Context, code, description string) (int64, error)
	FindObservation(ctx context.Context, pointID, pollutantID int64, date time.Time) (*models.Observation, error)
	InsertObservation(ctx context.Context, obs models.Observation) (int64, error)
	UpdateObservationValue(ctx context.Context, id int64, value float64) error
}

type ApplyResult struct {
	Processed int
	Inserted  int
	Updated   int
	Unchanged int
}

// Reconciler writes normalized records, inserting new daily values and
// overwriting existing ones so re-ingesting a report converges to the same state.
type Reconciler struct {
	repo Repository
}

func NewReconciler(repo Repository) *Reconciler {
	return &Reconciler{repo: repo}
}

type pointKey struct {
	location int64
	name     string
}

// Apply reconciles records in order and stops at the first store error. It
// does not roll back; Ingester runs it inside a store transaction. The
// store's unique key on (point, pollutant, day) catches concurrent writers.
func (r *Reconciler) Apply(ctx context.Context, records []Record) (ApplyResult, error) {
	var res ApplyResult

	locations := make(map[string]int64)
	points := make(map[pointKey]int64)
	pollutants := make(map[string]int64)

	for _, rec := range records {
		locID, ok := locations[rec.Location]
		if !ok {
			id, err := r.repo.GetOrCreateLocation(ctx, rec.Location)
			if err != nil {
				return res, err
			}
			locations[rec.Location] = id
			locID = id
		}

		pk := pointKey{location: locID, name: rec.Point}
		pointID, ok := points[pk]
		if !ok {
			id, err := r.repo.GetOrCreatePoint(ctx, locID, rec.Point)
			if err != nil {
				return res, err
			}
			points[pk] = id
			pointID = id
		}

		pollutantID, ok := pollutants[rec.Pollutant]
		if !ok {
			id, err := r.repo.GetOrCreatePollutant(ctx, rec.Pollutant, rec.Pollutant)
			if err != nil {
				return res, err
			}
			pollutants[rec.Pollutant] = id
			pollutantID = id
		}

		existing, err := r.repo.FindObservation(ctx, pointID, pollutantID, rec.Date)
		if err != nil {
			return res, fmt.Errorf("find observation: %w", err)
		}

		switch {
		case existing == nil:
			if _, err := r.repo.InsertObservation(ctx, models.Observation{
				PointID:     pointID,
				PollutantID: pollutantID,
				Date:        rec.Date,
				Value:       rec.Value,
			}); err != nil {
				return res, err
			}
			res.Inserted++
		case existing.Value != rec.Value:
			if err := r.repo.UpdateObservationValue(ctx, existing.ID, rec.Value); err != nil {
				return res, err
			}
			res.Updated++
		default:
			res.Unchanged++
		}
		res.Processed++
	}

	return res, nil
}
