package models

import (
	"database/sql"
	"time"
)

// DateLayout is the canonical text form of a calendar day in storage and APIs.
const DateLayout = "2006-01-02"

// SourceForecast tags forecast points so they never pass for observations.
const SourceForecast = "forecast"

type Location struct {
	ID        int64
	Name      string
	Latitude  sql.NullFloat64
	Longitude sql.NullFloat64
}

type Point struct {
	ID         int64
	LocationID int64
	Name       string
}

type Pollutant struct {
	ID          int64
	Code        string
	Description string
}

// Observation is one daily value for a (point, pollutant, date) triple.
type Observation struct {
	ID          int64
	PointID     int64
	PollutantID int64
	Date        time.Time // UTC midnight
	Value       float64
}

// LatestReading pairs an observation with its pollutant code.
type LatestReading struct {
	Observation
	PollutantCode string
}

type ForecastPoint struct {
	Pollutant string    `json:"pollutant"`
	Date      time.Time `json:"date"`
	Value     float64   `json:"value"`
	Source    string    `json:"source"`
}

type Status struct {
	Label         string `json:"status"`
	Color         string `json:"color"`
	Description   string `json:"description"`
	MainPollutant string `json:"main_pollutant,omitempty"`
	Rank          int    `json:"rank"`
}

// Day truncates t to its calendar day at UTC midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
