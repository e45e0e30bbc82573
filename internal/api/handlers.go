package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pricewatch/amazon-price-watcher/internal/database"
	"github.com/pricewatch/amazon-price-watcher/internal/scheduler"
)

// CaptchaResolver is the external acknowledgment side of a manual CAPTCHA
// pause: a POST unblocks the fetch session waiting on it.
type CaptchaResolver interface {
	Acknowledge()
	Blocked() (bool, string)
}

// Catalog is the read side of the product store served over HTTP.
type Catalog interface {
	GetRecord(ctx context.Context, asin string) (*database.ProductRecord, error)
	HistoryForASIN(ctx context.Context, asin string, limit int) ([]*database.HistoryEntry, error)
}

type Handlers struct {
	tracker  *scheduler.Tracker
	resolver CaptchaResolver
	catalog  Catalog
	logger   *slog.Logger
}

func NewHandlers(tracker *scheduler.Tracker, resolver CaptchaResolver, catalog Catalog, logger *slog.Logger) *Handlers {
	return &Handlers{
		tracker:  tracker,
		resolver: resolver,
		catalog:  catalog,
		logger:   logger,
	}
}

// GetProgress returns the current batch progress snapshot with the
// remaining-time projection.
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.tracker.Snapshot())
}

// CaptchaStatusResponse reports whether a fetch is paused on a CAPTCHA.
type CaptchaStatusResponse struct {
	Blocked bool   `json:"blocked"`
	URL     string `json:"url,omitempty"`
}

// GetCaptchaStatus reports whether the pipeline is currently paused waiting
// for a manual CAPTCHA resolution.
func (h *Handlers) GetCaptchaStatus(w http.ResponseWriter, r *http.Request) {
	blocked, url := h.resolver.Blocked()
	h.respondJSON(w, http.StatusOK, CaptchaStatusResponse{Blocked: blocked, URL: url})
}

// ResolveCaptcha acknowledges a manual CAPTCHA resolution and resumes the
// paused fetch session.
func (h *Handlers) ResolveCaptcha(w http.ResponseWriter, r *http.Request) {
	blocked, url := h.resolver.Blocked()
	h.resolver.Acknowledge()

	if blocked {
		h.logger.Info("captcha resolution acknowledged", "url", url)
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"acknowledged": true,
		"was_blocked":  blocked,
	})
}

// GetProduct returns the current stored record for one ASIN.
func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	asin := chi.URLParam(r, "asin")
	if asin == "" {
		h.respondError(w, http.StatusBadRequest, "asin is required")
		return
	}

	rec, err := h.catalog.GetRecord(r.Context(), asin)
	if err != nil {
		h.logger.Error("failed to get product", "asin", asin, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get product")
		return
	}
	if rec == nil {
		h.respondError(w, http.StatusNotFound, "product not found")
		return
	}

	h.respondJSON(w, http.StatusOK, rec)
}

// GetProductHistory returns the audit trail for one ASIN, newest first.
func (h *Handlers) GetProductHistory(w http.ResponseWriter, r *http.Request) {
	asin := chi.URLParam(r, "asin")
	if asin == "" {
		h.respondError(w, http.StatusBadRequest, "asin is required")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := h.catalog.HistoryForASIN(r.Context(), asin, limit)
	if err != nil {
		h.logger.Error("failed to get product history", "asin", asin, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get history")
		return
	}

	h.respondJSON(w, http.StatusOK, entries)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
