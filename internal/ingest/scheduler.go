package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"github.com/lox/airwatch/internal/metrics"
	"github.com/lox/airwatch/internal/store"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule polls for new reports hourly.
const DefaultSchedule = "@hourly"

// Source lists and downloads published reports.
type Source interface {
	List(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// Scheduler periodically pulls reports from a Source and ingests the ones it
// has not seen before, keyed by content hash.
type Scheduler struct {
	store    *store.Store
	source   Source
	ingester *Ingester
	schedule string
}

func NewScheduler(s *store.Store, source Source, ingester *Ingester, schedule string) *Scheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Scheduler{
		store:    s,
		source:   source,
		ingester: ingester,
		schedule: schedule,
	}
}

// Run polls once immediately, then on every schedule tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.Poll(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", s.schedule, err)
	}

	s.Poll(ctx)
	c.Start()

	<-ctx.Done()
	log.Println("scheduler: shutting down")
	<-c.Stop().Done()
	return nil
}

// Poll fetches and ingests new reports. It returns the number ingested.
func (s *Scheduler) Poll(ctx context.Context) int {
	names, err := s.source.List(ctx)
	if err != nil {
		log.Printf("scheduler: list reports: %v", err)
		metrics.FTPFetches.WithLabelValues("list_error").Inc()
		return 0
	}

	ingested := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.ingestOne(ctx, name)
		if err != nil {
			log.Printf("scheduler: %s: %v", name, err)
			continue
		}
		if ok {
			ingested++
		}
	}
	if ingested > 0 {
		log.Printf("scheduler: ingested %d new reports", ingested)
	}
	return ingested
}

func (s *Scheduler) ingestOne(ctx context.Context, name string) (bool, error) {
	data, err := s.source.Fetch(ctx, name)
	if err != nil {
		metrics.FTPFetches.WithLabelValues("error").Inc()
		return false, err
	}
	metrics.FTPFetches.WithLabelValues("success").Inc()

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	seen, err := s.store.HasIngestedFile(ctx, hash)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}

	res, err := s.ingester.Ingest(ctx, data, name)
	if err != nil {
		if errors.Is(err, ErrFormatUnrecognized) {
			// Remember unreadable reports too so they are not refetched every tick.
			if merr := s.store.MarkIngestedFile(ctx, hash, name, ""); merr != nil {
				log.Printf("scheduler: mark %s: %v", name, merr)
			}
		}
		return false, err
	}

	if err := s.store.MarkIngestedFile(ctx, hash, name, res.RunID); err != nil {
		return true, err
	}
	return true, nil
}
