package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable means no browser could be started. Fallback is disabled
	// for the rest of the session.
	ErrUnavailable = errors.New("browser unavailable")
	// ErrCrashed means the browser session died. The instance must be
	// discarded and a new one built.
	ErrCrashed = errors.New("browser crashed")
	// ErrTimeout is returned by bounded DOM waits.
	ErrTimeout = errors.New("dom wait timed out")
)

// Cookie is the subset of a browser cookie the token scan needs.
type Cookie struct {
	Name  string
	Value string
}

// Driver is the page-level capability the Client drives. Every selector is a
// CSS query; Evaluate awaits promises and decodes the JSON result into out
// (out may be nil).
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Clear(ctx context.Context, selector string) error
	SendKeys(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string, timeout time.Duration) error
	Evaluate(ctx context.Context, script string, out any) error
	Cookies(ctx context.Context) ([]Cookie, error)
	Close() error
}

// hard reports whether err ends the browser session rather than a single
// lookup.
func hard(err error) bool {
	return errors.Is(err, ErrCrashed) || errors.Is(err, ErrUnavailable)
}
