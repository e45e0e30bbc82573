package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pricewatch/amazon-price-watcher/internal/database"
	"github.com/pricewatch/amazon-price-watcher/internal/events"
	"github.com/pricewatch/amazon-price-watcher/internal/extractor"
)

// Delta is the price movement detected by one reconciliation, rounded to
// two decimals. Both values are zero when the prior price was null or zero.
type Delta struct {
	Abs float64
	Pct float64
}

// Recorder diffs freshly extracted values against the stored record and
// persists the outcome. Each reconciliation is a single transaction: the
// history snapshot, the field update and the price-change event commit
// together or not at all.
type Recorder struct {
	db        *database.DB
	publisher *events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func New(db *database.DB, publisher *events.Publisher, logger *slog.Logger) *Recorder {
	return &Recorder{
		db:        db,
		publisher: publisher,
		logger:    logger.With("component", "change_recorder"),
		now:       time.Now,
	}
}

// Reconcile compares the scrape result against the stored record and, when
// warranted, archives the prior snapshot and applies the update. A nil
// Delta with a nil error means "no change". Unextracted fields leave the
// stored value untouched; no partial or garbage value is ever committed.
func (r *Recorder) Reconcile(ctx context.Context, rec *database.ProductRecord, res extractor.Result) (*Delta, error) {
	now := r.now()

	newPrice := coalesce(res.Price, rec.Price)
	newReviews := coalesceInt(res.ReviewCount, rec.ReviewCount)
	newRating := coalesce(res.Rating, rec.Rating)

	if !changed(rec, newPrice, newReviews, newRating, now) {
		r.logger.Info("no changes for product", "asin", rec.ASIN)
		return nil, nil
	}

	delta := computeDelta(rec.Price, newPrice)

	err := r.db.Transaction(ctx, func(tx pgx.Tx) error {
		// History stores the values as they existed before this update.
		if err := r.db.InsertHistoryTx(ctx, tx, &database.HistoryEntry{
			ASIN:        rec.ASIN,
			Price:       rec.Price,
			ReviewCount: rec.ReviewCount,
			Rating:      rec.Rating,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}

		if err := r.db.UpdateRecordTx(ctx, tx, &database.ProductRecord{
			ASIN:               rec.ASIN,
			Price:              newPrice,
			ReviewCount:        newReviews,
			Rating:             newRating,
			LastCheckedAt:      &now,
			LastPriceChange:    &delta.Abs,
			LastPriceChangePct: &delta.Pct,
		}); err != nil {
			return err
		}

		if priceMoved(rec.Price, newPrice) {
			return r.publisher.PublishPriceChangedTx(ctx, tx, &events.PriceChangedPayload{
				ASIN:          rec.ASIN,
				URL:           rec.URL,
				OldPrice:      rec.Price,
				NewPrice:      newPrice,
				Change:        delta.Abs,
				ChangePercent: delta.Pct,
				ReviewCount:   newReviews,
				Rating:        newRating,
			})
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile %s: %w", rec.ASIN, err)
	}

	r.logger.Info("updated product",
		"asin", rec.ASIN,
		"price", deref(newPrice), "old_price", deref(rec.Price),
		"change", delta.Abs, "change_percent", delta.Pct,
	)

	return &delta, nil
}

// changed is the literal update disjunction: any field moved, or the
// calendar date advanced since the last check. The date clause alone still
// warrants a fresh history row.
func changed(rec *database.ProductRecord, price *float64, reviews *int, rating *float64, now time.Time) bool {
	if !equalFloat(rec.Price, price) {
		return true
	}
	if !equalInt(rec.ReviewCount, reviews) {
		return true
	}
	if !equalFloat(rec.Rating, rating) {
		return true
	}
	return !sameCalendarDay(rec.LastCheckedAt, now)
}

// computeDelta returns the rounded absolute and percent price change. A
// null or zero prior price yields zero deltas so no division-by-zero ever
// propagates.
func computeDelta(oldPrice, newPrice *float64) Delta {
	if oldPrice == nil || *oldPrice == 0 || newPrice == nil {
		return Delta{}
	}
	diff := *newPrice - *oldPrice
	return Delta{
		Abs: round2(diff),
		Pct: round2(diff / *oldPrice * 100),
	}
}

func priceMoved(oldPrice, newPrice *float64) bool {
	return !equalFloat(oldPrice, newPrice)
}

func sameCalendarDay(last *time.Time, now time.Time) bool {
	if last == nil {
		return false
	}
	y1, m1, d1 := last.Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func coalesce(fresh, stored *float64) *float64 {
	if fresh != nil {
		return fresh
	}
	return stored
}

func coalesceInt(fresh, stored *int) *int {
	if fresh != nil {
		return fresh
	}
	return stored
}

func equalFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
