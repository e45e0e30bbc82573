package database

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRecord(t *testing.T, db *DB, asin string, lastChecked *time.Time) {
	t.Helper()
	_, err := db.pool.Exec(context.Background(), `
		INSERT INTO product_data (asin, product_link, price, reviews, stars, last_checkdate)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		asin, "https://example.com/dp/"+asin, 100.00, 10, 4.5, lastChecked)
	require.NoError(t, err)
}

func TestSelectStaleOrdered(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	// Insert out of order; selection must come back nulls first, then oldest.
	seedRecord(t, db, "B0JUNTEST1", &jun)
	seedRecord(t, db, "B0NULTEST1", nil)
	seedRecord(t, db, "B0JANTEST1", &jan)

	records, err := db.SelectStaleOrdered(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "B0NULTEST1", records[0].ASIN)
	assert.Nil(t, records[0].LastCheckedAt)
	assert.Equal(t, "B0JANTEST1", records[1].ASIN)
	assert.Equal(t, "B0JUNTEST1", records[2].ASIN)
}

func TestSelectStaleOrderedLimit(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	for i := 0; i < 5; i++ {
		seedRecord(t, db, "B0LIMTEST"+string(rune('0'+i)), nil)
	}

	records, err := db.SelectStaleOrdered(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestInsertHistoryAndUpdateRecordTx(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	seedRecord(t, db, "B0HISTEST1", nil)

	before, err := db.GetRecord(ctx, "B0HISTEST1")
	require.NoError(t, err)
	require.NotNil(t, before)

	now := time.Now()
	newPrice := 120.00
	newReviews := 25
	newRating := 4.7

	err = db.Transaction(ctx, func(tx pgx.Tx) error {
		if err := db.InsertHistoryTx(ctx, tx, &HistoryEntry{
			ASIN:        before.ASIN,
			Price:       before.Price,
			ReviewCount: before.ReviewCount,
			Rating:      before.Rating,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}
		return db.UpdateRecordTx(ctx, tx, &ProductRecord{
			ASIN:          before.ASIN,
			Price:         &newPrice,
			ReviewCount:   &newReviews,
			Rating:        &newRating,
			LastCheckedAt: &now,
		})
	})
	require.NoError(t, err)

	// History carries the pre-update values, the record the fresh ones.
	after, err := db.GetRecord(ctx, "B0HISTEST1")
	require.NoError(t, err)
	assert.Equal(t, newPrice, *after.Price)
	require.NotNil(t, after.LastCheckedAt)

	entries, err := db.HistoryForASIN(ctx, "B0HISTEST1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, *before.Price, *entries[0].Price)
	assert.Equal(t, *before.ReviewCount, *entries[0].ReviewCount)
}

func TestUpdateRecordTxUnknownASIN(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	err := db.Transaction(ctx, func(tx pgx.Tx) error {
		return db.UpdateRecordTx(ctx, tx, &ProductRecord{ASIN: "B0MISSING0"})
	})
	assert.Error(t, err)
}
