package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/pricewatch/amazon-price-watcher/internal/browser"
	"github.com/pricewatch/amazon-price-watcher/internal/extractor"
)

// PlaywrightDriver adapts a playwright page to the PageDriver contract.
type PlaywrightDriver struct {
	page playwright.Page
}

// NewPlaywrightDriver opens one page in the shared browser context. The
// page is reused across the whole batch.
func NewPlaywrightDriver(b *browser.Browser) (*PlaywrightDriver, error) {
	page, err := b.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	return &PlaywrightDriver{page: page}, nil
}

func (d *PlaywrightDriver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(30000),
	})
	if err != nil {
		return fmt.Errorf("goto %s: %w", url, err)
	}
	return nil
}

func (d *PlaywrightDriver) Content() (string, error) {
	html, err := d.page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to get page content: %w", err)
	}
	return html, nil
}

// WaitForKeyContent blocks until the price or review-count anchor renders.
// Playwright reports expiry of the wait window as an error; either way the
// page failed to present a product within the window.
func (d *PlaywrightDriver) WaitForKeyContent(timeout time.Duration) error {
	_, err := d.page.WaitForSelector(extractor.KeyContentSelector, playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyContentTimeout, err)
	}
	return nil
}

func (d *PlaywrightDriver) Close() error {
	return d.page.Close()
}
