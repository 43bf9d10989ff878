package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/lox/airwatch/internal/models"
)

var observationColumns = []string{"o.id", "o.point_id", "o.pollutant_id", "o.day", "o.value"}

func formatDay(t time.Time) string {
	return t.Format(models.DateLayout)
}

func parseDay(s string) (time.Time, error) {
	if len(s) > len(models.DateLayout) {
		s = s[:len(models.DateLayout)]
	}
	return time.Parse(models.DateLayout, s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner, extra ...any) (models.Observation, error) {
	var obs models.Observation
	var day string
	dest := append([]any{&obs.ID, &obs.PointID, &obs.PollutantID, &day, &obs.Value}, extra...)
	if err := row.Scan(dest...); err != nil {
		return obs, err
	}
	d, err := parseDay(day)
	if err != nil {
		return obs, fmt.Errorf("parse observation day %q: %w", day, err)
	}
	obs.Date = d
	return obs, nil
}

// FindObservation returns the observation for a (point, pollutant, date) key, or nil.
func (s *Store) FindObservation(ctx context.Context, pointID, pollutantID int64, date time.Time) (*models.Observation, error) {
	query, args, err := s.sb.Select(observationColumns...).
		From("observations o").
		Where(sq.Eq{"o.point_id": pointID, "o.pollutant_id": pollutantID, "o.day": formatDay(date)}).
		ToSql()
	if err != nil {
		return nil, err
	}

	obs, err := scanObservation(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

// InsertObservation inserts a daily value. A concurrent insert of the same key
// degrades to an update via the unique constraint.
func (s *Store) InsertObservation(ctx context.Context, obs models.Observation) (int64, error) {
	id, err := s.queryID(ctx, s.sb.Insert("observations").
		Columns("point_id", "pollutant_id", "day", "value").
		Values(obs.PointID, obs.PollutantID, formatDay(obs.Date), obs.Value).
		Suffix("ON CONFLICT(point_id, pollutant_id, day) DO UPDATE SET value = excluded.value RETURNING id"))
	if err != nil {
		return 0, fmt.Errorf("insert observation: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateObservationValue(ctx context.Context, id int64, value float64) error {
	_, err := s.exec(ctx, s.sb.Update("observations").Set("value", value).Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("update observation %d: %w", id, err)
	}
	return nil
}

// HistoryBefore returns up to limit observations of a pollutant at any point
// of the location, strictly before the given day, newest first.
func (s *Store) HistoryBefore(ctx context.Context, locationID, pollutantID int64, before time.Time, limit int) ([]models.Observation, error) {
	rows, err := s.query(ctx, s.sb.Select(observationColumns...).
		From("observations o").
		Join("points p ON p.id = o.point_id").
		Where(sq.Eq{"p.location_id": locationID, "o.pollutant_id": pollutantID}).
		Where(sq.Lt{"o.day": formatDay(before)}).
		OrderBy("o.day DESC", "o.id DESC").
		Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, obs)
	}
	return history, rows.Err()
}

// LatestObservations returns the newest observations across all pollutants of
// a location. Results are ordered by day descending; callers rely on that order.
func (s *Store) LatestObservations(ctx context.Context, locationID int64, limit int) ([]models.LatestReading, error) {
	cols := append(append([]string{}, observationColumns...), "pl.code")
	rows, err := s.query(ctx, s.sb.Select(cols...).
		From("observations o").
		Join("points p ON p.id = o.point_id").
		Join("pollutants pl ON pl.id = o.pollutant_id").
		Where(sq.Eq{"p.location_id": locationID}).
		OrderBy("o.day DESC", "o.id DESC").
		Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []models.LatestReading
	for rows.Next() {
		var code string
		obs, err := scanObservation(rows, &code)
		if err != nil {
			return nil, err
		}
		readings = append(readings, models.LatestReading{Observation: obs, PollutantCode: code})
	}
	return readings, rows.Err()
}

// DistinctPollutants lists the pollutants observed anywhere in a location.
func (s *Store) DistinctPollutants(ctx context.Context, locationID int64) ([]models.Pollutant, error) {
	rows, err := s.query(ctx, s.sb.Select("DISTINCT pl.id", "pl.code", "pl.description").
		From("pollutants pl").
		Join("observations o ON o.pollutant_id = pl.id").
		Join("points p ON p.id = o.point_id").
		Where(sq.Eq{"p.location_id": locationID}).
		OrderBy("pl.code"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pollutants []models.Pollutant
	for rows.Next() {
		var p models.Pollutant
		var desc sql.NullString
		if err := rows.Scan(&p.ID, &p.Code, &desc); err != nil {
			return nil, err
		}
		p.Description = desc.String
		pollutants = append(pollutants, p)
	}
	return pollutants, rows.Err()
}

func (s *Store) CountObservations(ctx context.Context) (int, error) {
	var n int
	query, args, err := s.sb.Select("COUNT(*)").From("observations").ToSql()
	if err != nil {
		return 0, err
	}
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
