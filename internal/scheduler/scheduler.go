package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pricewatch/amazon-price-watcher/internal/database"
	"github.com/pricewatch/amazon-price-watcher/internal/extractor"
	"github.com/pricewatch/amazon-price-watcher/internal/recorder"
)

// Pacer bounds the rate the scheduler walks the catalog with.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Catalog selects the candidates most in need of a re-check.
type Catalog interface {
	SelectStaleOrdered(ctx context.Context, limit int) ([]*database.ProductRecord, error)
}

// Fetcher renders one product page and extracts its fields.
type Fetcher interface {
	Fetch(ctx context.Context, url string) extractor.Result
}

// Reconciler diffs a scrape result against the stored record and persists
// any change.
type Reconciler interface {
	Reconcile(ctx context.Context, rec *database.ProductRecord, res extractor.Result) (*recorder.Delta, error)
}

// Scheduler drives one sequential refresh batch: most-stale candidates
// first, one fetch at a time, every per-record failure isolated so a bad
// page never aborts the run.
type Scheduler struct {
	catalog    Catalog
	fetcher    Fetcher
	reconciler Reconciler
	limiter    Pacer
	tracker    *Tracker
	logger     *slog.Logger
}

func New(catalog Catalog, fetcher Fetcher, reconciler Reconciler, limiter Pacer, tracker *Tracker) *Scheduler {
	return &Scheduler{
		catalog:    catalog,
		fetcher:    fetcher,
		reconciler: reconciler,
		limiter:    limiter,
		tracker:    tracker,
		logger:     slog.Default().With("component", "scheduler"),
	}
}

// Run processes up to limit candidates and returns the final progress
// snapshot. Only candidate selection can fail the run; everything after
// that is recovered per record.
func (s *Scheduler) Run(ctx context.Context, limit int) (Snapshot, error) {
	start := time.Now()

	records, err := s.catalog.SelectStaleOrdered(ctx, limit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to select stale records: %w", err)
	}

	s.tracker.Start(len(records))
	defer s.tracker.Finish()

	s.logger.Info("starting refresh batch", "candidates", len(records))

	for i, rec := range records {
		select {
		case <-ctx.Done():
			return s.tracker.Snapshot(), ctx.Err()
		default:
		}

		recordStart := time.Now()
		s.tracker.BeginRecord(rec.ASIN)
		s.logger.Info("processing product",
			"asin", rec.ASIN,
			"last_checked", lastChecked(rec),
			"position", fmt.Sprintf("%d/%d", i+1, len(records)))

		failed, recChanged := s.processRecord(ctx, rec)
		s.tracker.FinishRecord(time.Since(recordStart), failed, recChanged)

		snap := s.tracker.Snapshot()
		s.logger.Info("progress",
			"completed", fmt.Sprintf("%d/%d", snap.Completed, snap.Total),
			"failed", snap.Failed,
			"estimated_remaining", snap.EstimatedRemains.Round(time.Second).String())

		// Pace after every candidate, failures included.
		if err := s.limiter.Wait(ctx); err != nil {
			return s.tracker.Snapshot(), err
		}
	}

	final := s.tracker.Snapshot()
	s.logger.Info("refresh batch finished",
		"completed", final.Completed,
		"failed", final.Failed,
		"changed", final.Changed,
		"total_runtime", time.Since(start).Round(time.Second).String())

	return final, nil
}

// processRecord runs fetch + reconcile for one candidate. All failures are
// local: they are logged and reported, never propagated.
func (s *Scheduler) processRecord(ctx context.Context, rec *database.ProductRecord) (failed, changed bool) {
	res := s.fetcher.Fetch(ctx, rec.URL)

	switch res.Outcome {
	case extractor.OutcomeFetchFailed:
		s.logger.Error("skipping product, fetch failed", "asin", rec.ASIN, "url", rec.URL)
		return true, false
	case extractor.OutcomePageTimeout:
		s.logger.Warn("skipping product, page did not load", "asin", rec.ASIN, "url", rec.URL)
		return true, false
	}

	delta, err := s.reconciler.Reconcile(ctx, rec, res)
	if err != nil {
		s.logger.Error("failed to persist product update", "asin", rec.ASIN, "error", err)
		return true, false
	}

	if delta == nil {
		return false, false
	}
	return false, true
}

func lastChecked(rec *database.ProductRecord) string {
	if rec.LastCheckedAt == nil {
		return "never"
	}
	return rec.LastCheckedAt.Format("2006-01-02")
}
