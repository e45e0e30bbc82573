package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pricewatch/amazon-price-watcher/internal/extractor"
)

// ErrKeyContentTimeout is returned by a PageDriver when neither the price
// nor the review-count anchor appeared within the wait window. A page that
// never presents key content is treated as structurally broken and is not
// retried.
var ErrKeyContentTimeout = errors.New("key content did not appear")

// captchaMarker is matched case-insensitively against the rendered page
// text to detect an anti-automation challenge.
const captchaMarker = "captcha"

// PageDriver is the rendering capability the session drives. The production
// implementation wraps a playwright page; tests substitute fakes.
type PageDriver interface {
	// Navigate loads the URL and blocks until the DOM is available.
	Navigate(ctx context.Context, url string) error
	// Content returns the current page as HTML text.
	Content() (string, error)
	// WaitForKeyContent blocks until one of the key anchors appears or the
	// window elapses, in which case it returns ErrKeyContentTimeout.
	WaitForKeyContent(timeout time.Duration) error
}

// Resolver is the external acknowledgment channel for CAPTCHA challenges.
// Wait blocks until an operator acknowledges; there is deliberately no
// timeout on the resolution itself.
type Resolver interface {
	Wait(ctx context.Context, url string) error
}

// Session owns one page handle for the duration of a batch and turns URLs
// into scrape results. One bad URL never takes the session down: every
// terminal condition is encoded in the result's outcome.
type Session struct {
	driver     PageDriver
	resolver   Resolver
	maxRetries int
	waitWindow time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
}

type SessionOptions struct {
	// MaxRetries is the total attempt budget per URL (default 3). Only
	// transient navigation failures consume it.
	MaxRetries int
	// WaitWindow bounds the wait for key page content (default 20s).
	WaitWindow time.Duration
	// RetryDelay is the pause before re-attempting after a transient
	// failure (default 3s).
	RetryDelay time.Duration
}

func NewSession(driver PageDriver, resolver Resolver, opts SessionOptions) *Session {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.WaitWindow <= 0 {
		opts.WaitWindow = 20 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 3 * time.Second
	}

	return &Session{
		driver:     driver,
		resolver:   resolver,
		maxRetries: opts.MaxRetries,
		waitWindow: opts.WaitWindow,
		retryDelay: opts.RetryDelay,
		logger:     slog.Default().With("component", "fetch_session"),
	}
}

// Fetch renders the URL and extracts the product fields. Exactly one of
// Success, PartialExtraction, PageTimeout or FetchFailed is the terminal
// outcome; a CAPTCHA pause resolves in place and the flow continues.
func (s *Session) Fetch(ctx context.Context, url string) extractor.Result {
	var lastErr error

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if attempt > 1 {
			s.logger.Info("retrying fetch", "url", url, "attempt", attempt, "max", s.maxRetries)
			select {
			case <-ctx.Done():
				return extractor.Result{Outcome: extractor.OutcomeFetchFailed}
			case <-time.After(s.retryDelay):
			}
		}

		res, err := s.attempt(ctx, url)
		if err == nil {
			return res
		}

		lastErr = err
		s.logger.Warn("fetch attempt failed", "url", url, "attempt", attempt, "error", err)
	}

	s.logger.Error("retry budget exhausted", "url", url, "attempts", s.maxRetries, "error", lastErr)
	return extractor.Result{Outcome: extractor.OutcomeFetchFailed}
}

// attempt runs one pass of the Navigate -> CaptchaCheck -> WaitForKeyContent
// -> ExtractFields machine. A returned error is transient and consumes one
// retry; terminal states come back as a result with a nil error.
func (s *Session) attempt(ctx context.Context, url string) (extractor.Result, error) {
	if err := s.driver.Navigate(ctx, url); err != nil {
		return extractor.Result{}, fmt.Errorf("navigation failed: %w", err)
	}

	resumed, err := s.checkCaptcha(ctx, url)
	if err != nil {
		return extractor.Result{}, err
	}
	if resumed {
		// Resume as if navigation restarted.
		if err := s.driver.Navigate(ctx, url); err != nil {
			return extractor.Result{}, fmt.Errorf("navigation after captcha failed: %w", err)
		}
	}

	if err := s.driver.WaitForKeyContent(s.waitWindow); err != nil {
		if errors.Is(err, ErrKeyContentTimeout) {
			s.logger.Warn("page did not present key content, skipping", "url", url, "window", s.waitWindow)
			return extractor.Result{Outcome: extractor.OutcomePageTimeout}, nil
		}
		return extractor.Result{}, fmt.Errorf("wait for key content failed: %w", err)
	}

	html, err := s.driver.Content()
	if err != nil {
		return extractor.Result{}, fmt.Errorf("failed to read page content: %w", err)
	}

	res := extractor.Extract(html)
	if res.Price == nil || res.ReviewCount == nil || res.Rating == nil {
		s.logger.Debug("partial extraction", "url", url,
			"price", res.Price != nil, "reviews", res.ReviewCount != nil, "rating", res.Rating != nil)
	}
	return res, nil
}

// checkCaptcha inspects the rendered page for a challenge and, when one is
// present, suspends the whole batch until the operator acknowledges it.
// The pause does not consume the retry budget.
func (s *Session) checkCaptcha(ctx context.Context, url string) (bool, error) {
	html, err := s.driver.Content()
	if err != nil {
		return false, fmt.Errorf("failed to read page content: %w", err)
	}

	if !strings.Contains(strings.ToLower(html), captchaMarker) {
		return false, nil
	}

	s.logger.Warn("captcha detected, waiting for manual resolution", "url", url)
	if err := s.resolver.Wait(ctx, url); err != nil {
		return false, fmt.Errorf("captcha resolution interrupted: %w", err)
	}
	s.logger.Info("captcha resolution acknowledged, resuming", "url", url)

	return true, nil
}
