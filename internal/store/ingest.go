package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// IngestRun records a single report ingestion for auditing.
type IngestRun struct {
	ID            string
	Filename      string
	StartedAt     time.Time
	FinishedAt    sql.NullTime
	Encoding      sql.NullString
	Delimiter     sql.NullString
	PeriodYear    sql.NullInt64
	PeriodMonth   sql.NullInt64
	RowsProcessed sql.NullInt64
	Inserted      sql.NullInt64
	Updated       sql.NullInt64
	Skipped       sql.NullInt64
	Success       bool
	ErrorMessage  sql.NullString
}

// StartIngestRun creates a new ingest run record.
func (s *Store) StartIngestRun(ctx context.Context, id, filename string) (*IngestRun, error) {
	run := &IngestRun{
		ID:        id,
		Filename:  filename,
		StartedAt: time.Now().UTC(),
	}

	_, err := s.exec(ctx, s.sb.Insert("ingest_runs").
		Columns("id", "filename", "started_at", "success").
		Values(run.ID, run.Filename, run.StartedAt, false))
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.exec(ctx, s.sb.Update("ingest_runs").
		Set("finished_at", run.FinishedAt).
		Set("encoding", run.Encoding).
		Set("delimiter", run.Delimiter).
		Set("period_year", run.PeriodYear).
		Set("period_month", run.PeriodMonth).
		Set("rows_processed", run.RowsProcessed).
		Set("inserted", run.Inserted).
		Set("updated", run.Updated).
		Set("skipped", run.Skipped).
		Set("success", run.Success).
		Set("error_message", run.ErrorMessage).
		Where(sq.Eq{"id": run.ID}))
	return err
}

// GetRecentIngestRuns returns the latest ingest runs, newest first.
func (s *Store) GetRecentIngestRuns(ctx context.Context, limit int) ([]IngestRun, error) {
	rows, err := s.query(ctx, s.sb.Select(
		"id", "filename", "started_at", "finished_at", "encoding", "delimiter",
		"period_year", "period_month", "rows_processed", "inserted", "updated", "skipped",
		"success", "error_message").
		From("ingest_runs").
		OrderBy("started_at DESC").
		Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		if err := rows.Scan(&r.ID, &r.Filename, &r.StartedAt, &r.FinishedAt, &r.Encoding, &r.Delimiter,
			&r.PeriodYear, &r.PeriodMonth, &r.RowsProcessed, &r.Inserted, &r.Updated, &r.Skipped,
			&r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// HasIngestedFile reports whether content with this hash was ingested before.
func (s *Store) HasIngestedFile(ctx context.Context, sha256 string) (bool, error) {
	query, args, err := s.sb.Select("1").From("ingested_files").Where(sq.Eq{"sha256": sha256}).ToSql()
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) MarkIngestedFile(ctx context.Context, sha256, filename, runID string) error {
	_, err := s.exec(ctx, s.sb.Insert("ingested_files").
		Columns("sha256", "filename", "run_id", "ingested_at").
		Values(sha256, filename, runID, time.Now().UTC()).
		Suffix("ON CONFLICT(sha256) DO NOTHING"))
	return err
}
