package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_ingest_runs_total",
			Help: "Total report ingestions by outcome",
		},
		[]string{"status"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "airwatch_ingest_duration_seconds",
			Help:    "Report ingestion latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ObservationsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_observations_written_total",
			Help: "Observations reconciled, by action (inserted, updated, unchanged)",
		},
		[]string{"action"},
	)

	RowsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airwatch_rows_skipped_total",
			Help: "Report rows dropped for missing location, point or pollutant",
		},
	)

	ForecastPoints = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airwatch_forecast_points_total",
			Help: "Total forecast points produced",
		},
	)

	ForecastSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_forecast_skips_total",
			Help: "Pollutants skipped while forecasting, by reason",
		},
		[]string{"reason"},
	)

	StatusComputed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_status_computed_total",
			Help: "Air quality statuses computed, by label",
		},
		[]string{"label"},
	)

	ArtifactLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_artifact_loads_total",
			Help: "Model artifact loads by artifact and outcome",
		},
		[]string{"artifact", "status"},
	)

	FTPFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_ftp_fetches_total",
			Help: "Report files fetched from FTP, by outcome",
		},
		[]string{"status"},
	)
)
