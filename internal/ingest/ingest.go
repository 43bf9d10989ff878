package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lox/airwatch/internal/metrics"
	"github.com/lox/airwatch/internal/store"
)

// Result summarizes one report ingestion.
type Result struct {
	RunID         string `json:"run_id"`
	Filename      string `json:"filename"`
	RowsProcessed int    `json:"rows_processed"`
	Period        Period `json:"period"`
	Inserted      int    `json:"inserted"`
	Updated       int    `json:"updated"`
	Unchanged     int    `json:"unchanged"`
	Skipped       int    `json:"skipped"`
	Encoding      string `json:"encoding"`
	Delimiter     string `json:"delimiter"`
}

// Ingester turns uploaded report files into stored observations.
type Ingester struct {
	store *store.Store
	clock clockwork.Clock

	// repo adapts the transaction-bound store handed to the reconciler.
	repo func(*store.Store) Repository
}

func NewIngester(s *store.Store, clock clockwork.Clock) *Ingester {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ingester{
		store: s,
		clock: clock,
		repo:  func(tx *store.Store) Repository { return tx },
	}
}

// Ingest detects the report format, normalizes it and reconciles the result
// into the store in a single transaction: either every record of the report
// is written or none is. Undetectable input returns an error matching
// ErrFormatUnrecognized and writes nothing.
func (i *Ingester) Ingest(ctx context.Context, data []byte, filename string) (*Result, error) {
	start := i.clock.Now()
	res := &Result{RunID: uuid.NewString(), Filename: filename}

	run, err := i.store.StartIngestRun(ctx, res.RunID, filename)
	if err != nil {
		log.Printf("ingest: failed to record run %s: %v", res.RunID, err)
	}

	err = i.ingest(ctx, data, res)

	if run != nil {
		run.Success = err == nil
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
		if res.Encoding != "" {
			run.Encoding = sql.NullString{String: res.Encoding, Valid: true}
			run.Delimiter = sql.NullString{String: res.Delimiter, Valid: true}
			run.PeriodYear = sql.NullInt64{Int64: int64(res.Period.Year), Valid: true}
			run.PeriodMonth = sql.NullInt64{Int64: int64(res.Period.Month), Valid: true}
		}
		run.RowsProcessed = sql.NullInt64{Int64: int64(res.RowsProcessed), Valid: true}
		run.Inserted = sql.NullInt64{Int64: int64(res.Inserted), Valid: true}
		run.Updated = sql.NullInt64{Int64: int64(res.Updated), Valid: true}
		run.Skipped = sql.NullInt64{Int64: int64(res.Skipped), Valid: true}
		if cerr := i.store.CompleteIngestRun(ctx, run); cerr != nil {
			log.Printf("ingest: failed to complete run %s: %v", res.RunID, cerr)
		}
	}

	metrics.IngestDuration.Observe(i.clock.Since(start).Seconds())
	if err != nil {
		metrics.IngestRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.IngestRunsTotal.WithLabelValues("success").Inc()
	metrics.ObservationsWritten.WithLabelValues("inserted").Add(float64(res.Inserted))
	metrics.ObservationsWritten.WithLabelValues("updated").Add(float64(res.Updated))
	metrics.ObservationsWritten.WithLabelValues("unchanged").Add(float64(res.Unchanged))
	metrics.RowsSkipped.Add(float64(res.Skipped))

	log.Printf("ingest: %s: period %s, %s/%q, %d processed (%d inserted, %d updated), %d rows skipped",
		filename, res.Period, res.Encoding, res.Delimiter, res.RowsProcessed, res.Inserted, res.Updated, res.Skipped)
	return res, nil
}

func (i *Ingester) ingest(ctx context.Context, data []byte, res *Result) error {
	table, err := Detect(data)
	if err != nil {
		return err
	}
	res.Encoding = table.Encoding
	res.Delimiter = string(table.Delimiter)
	res.Period = PeriodFromFilename(res.Filename, i.clock.Now().In(time.UTC))

	norm := Normalize(table, res.Period)
	res.Skipped = norm.Skipped

	var applied ApplyResult
	err = i.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		applied, err = NewReconciler(i.repo(tx)).Apply(ctx, norm.Records)
		return err
	})
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	res.RowsProcessed = applied.Processed
	res.Inserted = applied.Inserted
	res.Updated = applied.Updated
	res.Unchanged = applied.Unchanged
	return nil
}
