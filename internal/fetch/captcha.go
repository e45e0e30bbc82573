package fetch

import (
	"context"
	"log/slog"
	"sync"
)

// ManualResolver is the operator-mediated checkpoint for CAPTCHA
// challenges. The batch blocks on Wait until Acknowledge is called, either
// from the HTTP endpoint or from the interactive terminal. Acknowledgments
// sent while nothing is waiting are remembered for the next Wait so an
// early operator click is not lost.
type ManualResolver struct {
	mu      sync.Mutex
	pending chan struct{}
	waiting bool
	url     string
	logger  *slog.Logger
}

func NewManualResolver() *ManualResolver {
	return &ManualResolver{
		pending: make(chan struct{}, 1),
		logger:  slog.Default().With("component", "captcha_resolver"),
	}
}

// Wait suspends the caller until an acknowledgment arrives or the context
// is cancelled. There is no timeout: this is a deliberate indefinite pause.
func (r *ManualResolver) Wait(ctx context.Context, url string) error {
	r.mu.Lock()
	r.waiting = true
	r.url = url
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.waiting = false
		r.url = ""
		r.mu.Unlock()
	}()

	r.logger.Warn("batch suspended for manual captcha resolution", "url", url)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.pending:
		return nil
	}
}

// Acknowledge signals that the operator has solved the challenge. Safe to
// call from any goroutine; duplicate acknowledgments collapse into one.
func (r *ManualResolver) Acknowledge() {
	select {
	case r.pending <- struct{}{}:
	default:
	}
}

// Blocked reports whether a fetch is currently suspended, and on which URL.
func (r *ManualResolver) Blocked() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting, r.url
}
