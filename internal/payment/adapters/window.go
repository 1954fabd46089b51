// Package adapters holds the capabilities injected into a payment machine: a window
// opener for hosted onramps and key-value storage for resumable state.
package adapters

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Window opens a hosted page for the payer, such as a fiat onramp.
type Window interface {
	Open(ctx context.Context, url string) error
}

// WindowFunc adapts a function to Window.
type WindowFunc func(ctx context.Context, url string) error

// Open calls f.
func (f WindowFunc) Open(ctx context.Context, url string) error {
	return f(ctx, url)
}

// ErrEmptyURL is returned when asked to open an empty URL.
var ErrEmptyURL = errors.New("window: empty url")

// Redirect is the page a client must open to continue a payment.
type Redirect struct {
	URL      string    `json:"url"`
	OpenedAt time.Time `json:"opened_at"`
}

// RedirectWindow is the Window of a server side host. Opening a page records it so
// the client can fetch it and perform the redirect itself.
type RedirectWindow struct {
	mu       sync.RWMutex
	redirect *Redirect
	notify   func(ctx context.Context, r Redirect)
	now      func() time.Time
}

// NewRedirectWindow creates a RedirectWindow. notify may be nil.
func NewRedirectWindow(notify func(ctx context.Context, r Redirect)) *RedirectWindow {
	return &RedirectWindow{notify: notify, now: time.Now}
}

// Open records url as the pending redirect.
func (w *RedirectWindow) Open(ctx context.Context, url string) error {
	if url == "" {
		return ErrEmptyURL
	}
	r := Redirect{URL: url, OpenedAt: w.now().UTC()}

	w.mu.Lock()
	w.redirect = &r
	w.mu.Unlock()

	if w.notify != nil {
		w.notify(ctx, r)
	}
	return nil
}

// Pending returns the last opened page, if any.
func (w *RedirectWindow) Pending() (Redirect, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.redirect == nil {
		return Redirect{}, false
	}
	return *w.redirect, true
}

// Clear forgets the pending redirect.
func (w *RedirectWindow) Clear() {
	w.mu.Lock()
	w.redirect = nil
	w.mu.Unlock()
}
