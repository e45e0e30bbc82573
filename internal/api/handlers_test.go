package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch/amazon-price-watcher/internal/database"
	"github.com/pricewatch/amazon-price-watcher/internal/scheduler"
)

type fakeResolver struct {
	blocked      bool
	url          string
	acknowledged int
}

func (f *fakeResolver) Acknowledge() { f.acknowledged++ }

func (f *fakeResolver) Blocked() (bool, string) { return f.blocked, f.url }

type fakeCatalog struct {
	records map[string]*database.ProductRecord
	history map[string][]*database.HistoryEntry
	err     error
}

func (f *fakeCatalog) GetRecord(ctx context.Context, asin string) (*database.ProductRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[asin], nil
}

func (f *fakeCatalog) HistoryForASIN(ctx context.Context, asin string, limit int) ([]*database.HistoryEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	entries := f.history[asin]
	if limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

func newTestRouter(tracker *scheduler.Tracker, resolver *fakeResolver, catalog *fakeCatalog) http.Handler {
	h := NewHandlers(tracker, resolver, catalog, slog.Default())

	r := chi.NewRouter()
	r.Get("/api/v1/progress", h.GetProgress)
	r.Get("/api/v1/captcha", h.GetCaptchaStatus)
	r.Post("/api/v1/captcha/resolve", h.ResolveCaptcha)
	r.Get("/api/v1/products/{asin}", h.GetProduct)
	r.Get("/api/v1/products/{asin}/history", h.GetProductHistory)
	return r
}

func TestGetProgress(t *testing.T) {
	tracker := scheduler.NewTracker()
	tracker.Start(5)
	tracker.FinishRecord(2*time.Second, false, true)

	router := newTestRouter(tracker, &fakeResolver{}, &fakeCatalog{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/progress", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var snap scheduler.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 5, snap.Total)
	assert.Equal(t, 1, snap.Completed)
	assert.True(t, snap.Running)
}

func TestCaptchaStatusAndResolve(t *testing.T) {
	resolver := &fakeResolver{blocked: true, url: "https://www.amazon.com/dp/B0TEST0001"}
	router := newTestRouter(scheduler.NewTracker(), resolver, &fakeCatalog{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/captcha", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status CaptchaStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Blocked)
	assert.Equal(t, "https://www.amazon.com/dp/B0TEST0001", status.URL)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/captcha/resolve", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, resolver.acknowledged)
}

func TestGetProduct(t *testing.T) {
	price := 19.99
	catalog := &fakeCatalog{records: map[string]*database.ProductRecord{
		"B0TEST0001": {ASIN: "B0TEST0001", URL: "https://www.amazon.com/dp/B0TEST0001", Price: &price},
	}}
	router := newTestRouter(scheduler.NewTracker(), &fakeResolver{}, catalog)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/products/B0TEST0001", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got database.ProductRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "B0TEST0001", got.ASIN)
	require.NotNil(t, got.Price)
	assert.Equal(t, 19.99, *got.Price)
}

func TestGetProductNotFound(t *testing.T) {
	router := newTestRouter(scheduler.NewTracker(), &fakeResolver{}, &fakeCatalog{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/products/B0MISSING1", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetProductHistory(t *testing.T) {
	p1, p2 := 24.99, 19.99
	catalog := &fakeCatalog{history: map[string][]*database.HistoryEntry{
		"B0TEST0001": {
			{ASIN: "B0TEST0001", Price: &p1, UpdatedAt: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)},
			{ASIN: "B0TEST0001", Price: &p2, UpdatedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		},
	}}
	router := newTestRouter(scheduler.NewTracker(), &fakeResolver{}, catalog)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/products/B0TEST0001/history?limit=1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var entries []*database.HistoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, 24.99, *entries[0].Price)
}

func TestGetProductHistoryRejectsBadLimit(t *testing.T) {
	router := newTestRouter(scheduler.NewTracker(), &fakeResolver{}, &fakeCatalog{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/products/B0TEST0001/history?limit=abc", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCatalogErrorsReturn500(t *testing.T) {
	catalog := &fakeCatalog{err: errors.New("connection refused")}
	router := newTestRouter(scheduler.NewTracker(), &fakeResolver{}, catalog)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/products/B0TEST0001", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/products/B0TEST0001/history", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
