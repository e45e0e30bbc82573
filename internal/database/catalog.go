package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ProductRecord is one row of the product catalog. The catalog owns the
// record's lifetime; the refresh pipeline only reads and updates it. All
// value columns are nullable: a nil LastCheckedAt means the record has
// never been checked and sorts first for refresh.
type ProductRecord struct {
	ASIN               string     `json:"asin"`
	URL                string     `json:"product_link"`
	Price              *float64   `json:"price"`
	ReviewCount        *int       `json:"reviews"`
	Rating             *float64   `json:"stars"`
	LastCheckedAt      *time.Time `json:"last_checkdate"`
	LastPriceChange    *float64   `json:"last_pricechange"`
	LastPriceChangePct *float64   `json:"last_pricechange_percent"`
}

// HistoryEntry is an immutable snapshot of a record's values as they
// existed before an update. Append-only; never mutated or deleted here.
type HistoryEntry struct {
	ASIN        string    `json:"asin"`
	Price       *float64  `json:"price"`
	ReviewCount *int      `json:"reviews"`
	Rating      *float64  `json:"stars"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SelectStaleOrdered returns up to limit records ordered most-stale first.
// Never-checked records (NULL last_checkdate) are prioritized.
func (db *DB) SelectStaleOrdered(ctx context.Context, limit int) ([]*ProductRecord, error) {
	query := `
		SELECT asin, product_link, price, reviews, stars,
			   last_checkdate, last_pricechange, last_pricechange_percent
		FROM product_data
		ORDER BY last_checkdate ASC NULLS FIRST
		LIMIT $1`

	rows, err := db.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale records: %w", err)
	}
	defer rows.Close()

	var records []*ProductRecord
	for rows.Next() {
		r := &ProductRecord{}
		err := rows.Scan(
			&r.ASIN, &r.URL, &r.Price, &r.ReviewCount, &r.Rating,
			&r.LastCheckedAt, &r.LastPriceChange, &r.LastPriceChangePct,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// GetRecord retrieves a single catalog record by ASIN, nil when absent.
func (db *DB) GetRecord(ctx context.Context, asin string) (*ProductRecord, error) {
	query := `
		SELECT asin, product_link, price, reviews, stars,
			   last_checkdate, last_pricechange, last_pricechange_percent
		FROM product_data
		WHERE asin = $1`

	r := &ProductRecord{}
	err := db.pool.QueryRow(ctx, query, asin).Scan(
		&r.ASIN, &r.URL, &r.Price, &r.ReviewCount, &r.Rating,
		&r.LastCheckedAt, &r.LastPriceChange, &r.LastPriceChangePct,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	return r, nil
}

// InsertHistoryTx appends the record's prior values to the history table
// within the caller's transaction.
func (db *DB) InsertHistoryTx(ctx context.Context, tx pgx.Tx, entry *HistoryEntry) error {
	query := `
		INSERT INTO product_data_history (asin, price, reviews, stars, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := tx.Exec(ctx, query,
		entry.ASIN, entry.Price, entry.ReviewCount, entry.Rating, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}

	return nil
}

// UpdateRecordTx applies the freshly reconciled values within the caller's
// transaction. last_checkdate only ever moves forward.
func (db *DB) UpdateRecordTx(ctx context.Context, tx pgx.Tx, r *ProductRecord) error {
	query := `
		UPDATE product_data
		SET price = $2, reviews = $3, stars = $4, last_checkdate = $5,
			last_pricechange = $6, last_pricechange_percent = $7
		WHERE asin = $1`

	result, err := tx.Exec(ctx, query,
		r.ASIN, r.Price, r.ReviewCount, r.Rating, r.LastCheckedAt,
		r.LastPriceChange, r.LastPriceChangePct,
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("record not found: %s", r.ASIN)
	}

	return nil
}

// HistoryForASIN returns the audit trail for one record, newest first.
func (db *DB) HistoryForASIN(ctx context.Context, asin string, limit int) ([]*HistoryEntry, error) {
	query := `
		SELECT asin, price, reviews, stars, updated_at
		FROM product_data_history
		WHERE asin = $1
		ORDER BY updated_at DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, asin, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		if err := rows.Scan(&e.ASIN, &e.Price, &e.ReviewCount, &e.Rating, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return entries, nil
}
