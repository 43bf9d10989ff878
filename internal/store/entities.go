package store

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/lox/airwatch/internal/models"
)

// LocationKey is the identity of a location name: whitespace-collapsed and lower-cased.
func LocationKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// GetOrCreateLocation resolves a location by its normalized name, creating it on first use.
func (s *Store) GetOrCreateLocation(ctx context.Context, name string) (int64, error) {
	key := LocationKey(name)
	if key == "" {
		return 0, fmt.Errorf("empty location name")
	}

	id, err := s.queryID(ctx, s.sb.Select("id").From("locations").Where(sq.Eq{"name_key": key}))
	if err != nil {
		return 0, fmt.Errorf("lookup location %q: %w", name, err)
	}
	if id != 0 {
		return id, nil
	}

	id, err = s.queryID(ctx, s.sb.Insert("locations").
		Columns("name", "name_key").
		Values(strings.Join(strings.Fields(name), " "), key).
		Suffix("ON CONFLICT(name_key) DO UPDATE SET name_key = excluded.name_key RETURNING id"))
	if err != nil {
		return 0, fmt.Errorf("create location %q: %w", name, err)
	}
	return id, nil
}

// GetOrCreatePoint resolves a monitoring point by (location, name).
func (s *Store) GetOrCreatePoint(ctx context.Context, locationID int64, name string) (int64, error) {
	id, err := s.queryID(ctx, s.sb.Select("id").From("points").
		Where(sq.Eq{"location_id": locationID, "name": name}))
	if err != nil {
		return 0, fmt.Errorf("lookup point %q: %w", name, err)
	}
	if id != 0 {
		return id, nil
	}

	id, err = s.queryID(ctx, s.sb.Insert("points").
		Columns("location_id", "name").
		Values(locationID, name).
		Suffix("ON CONFLICT(location_id, name) DO UPDATE SET name = excluded.name RETURNING id"))
	if err != nil {
		return 0, fmt.Errorf("create point %q: %w", name, err)
	}
	return id, nil
}

// GetOrCreatePollutant resolves a pollutant by code. The description is only
// written when the pollutant is created.
func (s *Store) GetOrCreatePollutant(ctx context.Context, code, description string) (int64, error) {
	id, err := s.queryID(ctx, s.sb.Select("id").From("pollutants").Where(sq.Eq{"code": code}))
	if err != nil {
		return 0, fmt.Errorf("lookup pollutant %q: %w", code, err)
	}
	if id != 0 {
		return id, nil
	}

	id, err = s.queryID(ctx, s.sb.Insert("pollutants").
		Columns("code", "description").
		Values(code, description).
		Suffix("ON CONFLICT(code) DO UPDATE SET code = excluded.code RETURNING id"))
	if err != nil {
		return 0, fmt.Errorf("create pollutant %q: %w", code, err)
	}
	return id, nil
}

func (s *Store) ListLocations(ctx context.Context) ([]models.Location, error) {
	rows, err := s.query(ctx, s.sb.Select("id", "name", "latitude", "longitude").
		From("locations").
		OrderBy("name"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []models.Location
	for rows.Next() {
		var l models.Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Latitude, &l.Longitude); err != nil {
			return nil, err
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

// SetLocationCoordinates records optional geographic coordinates for a location.
func (s *Store) SetLocationCoordinates(ctx context.Context, locationID int64, lat, lon float64) error {
	_, err := s.exec(ctx, s.sb.Update("locations").
		Set("latitude", lat).
		Set("longitude", lon).
		Where(sq.Eq{"id": locationID}))
	return err
}

func (s *Store) ListPoints(ctx context.Context, locationID int64) ([]models.Point, error) {
	rows, err := s.query(ctx, s.sb.Select("id", "location_id", "name").
		From("points").
		Where(sq.Eq{"location_id": locationID}).
		OrderBy("name"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.Point
	for rows.Next() {
		var p models.Point
		if err := rows.Scan(&p.ID, &p.LocationID, &p.Name); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
