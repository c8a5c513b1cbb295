// Package fallback chooses between the token API and the browser for each
// class of operation.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/user/chatpilot/internal/browser"
	"github.com/user/chatpilot/internal/platform"
	"github.com/user/chatpilot/internal/types"
)

// Class groups operations that fall back together.
type Class string

const (
	Read Class = "read"
	Send Class = "send"
)

// State is the transport currently used by a class.
type State string

const (
	APIPrimary      State = "api_primary"
	BrowserFallback State = "browser_fallback"
)

var (
	// ErrDeliveryFailed means both transports failed to send a reply.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrNoFallback means the browser cannot be used: no credentials were
	// configured or the browser could not be started.
	ErrNoFallback = errors.New("browser fallback not available")
)

// Factory builds a logged-in browser-backed source.
type Factory func(ctx context.Context) (types.ConversationSource, error)

// Controller routes reads and sends to the API source until it fails in a
// way that calls for the browser, then sticks with the browser until Reset.
type Controller struct {
	factory Factory
	group   singleflight.Group

	// OnTransition is called after a class moves to the browser.
	OnTransition func(class Class, cause error)

	mu          sync.Mutex
	primary     types.ConversationSource
	states      map[Class]State
	browser     types.ConversationSource
	unavailable error
}

var _ types.ConversationSource = (*Controller)(nil)

// New returns a controller. primary may be nil when there is no session;
// factory may be nil when no browser credentials exist.
func New(primary types.ConversationSource, factory Factory) *Controller {
	return &Controller{
		primary: primary,
		factory: factory,
		states:  map[Class]State{Read: APIPrimary, Send: APIPrimary},
	}
}

func (c *Controller) Name() string { return "auto" }

// State reports the transport currently selected for class.
func (c *Controller) State(class Class) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[class]
}

// Reset installs a fresh API source after an explicit re-login and puts
// every class back on the API. It is the only way back from the browser.
func (c *Controller) Reset(primary types.ConversationSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primary = primary
	for class := range c.states {
		c.states[class] = APIPrimary
	}
	slog.Info("transport selection reset to api")
}

// Close releases the browser if one was started.
func (c *Controller) Close() error {
	c.mu.Lock()
	b := c.browser
	c.browser = nil
	c.mu.Unlock()
	return closeSource(b)
}

// ShouldFallback reports whether an API error moves the class to the
// browser.
func ShouldFallback(err error) bool {
	switch platform.KindOf(err) {
	case platform.KindUnauthorized, platform.KindForbidden, platform.KindTransientNetwork,
		platform.KindEndpointUnavailable, platform.KindSchemaChanged:
		return true
	}
	return false
}

// api returns the API source when class is still on it.
func (c *Controller) api(class Class) types.ConversationSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.states[class] != APIPrimary {
		return nil
	}
	if c.primary == nil {
		c.transitionLocked(class, errors.New("no session"))
		return nil
	}
	return c.primary
}

func (c *Controller) transition(class Class, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(class, cause)
}

func (c *Controller) transitionLocked(class Class, cause error) {
	if c.states[class] == BrowserFallback {
		return
	}
	c.states[class] = BrowserFallback
	slog.Warn("falling back to browser", "class", class, "cause", cause)
	if c.OnTransition != nil {
		c.OnTransition(class, cause)
	}
}

// Poll reads new messages from the selected transport.
func (c *Controller) Poll(ctx context.Context) ([]types.IncomingMessage, error) {
	msgs, _, err := c.PollVia(ctx)
	return msgs, err
}

// PollVia is Poll that also names the transport that answered.
func (c *Controller) PollVia(ctx context.Context) ([]types.IncomingMessage, string, error) {
	if api := c.api(Read); api != nil {
		msgs, err := api.Poll(ctx)
		if err == nil {
			return msgs, api.Name(), nil
		}
		if !ShouldFallback(err) || ctx.Err() != nil {
			return nil, api.Name(), err
		}
		c.transition(Read, err)
	}

	b, err := c.browserSource(ctx)
	if err != nil {
		return nil, "browser", fmt.Errorf("poll: %w", err)
	}
	msgs, err := b.Poll(ctx)
	if err != nil {
		c.checkCrash(b, err)
		return nil, b.Name(), err
	}
	return msgs, b.Name(), nil
}

// Send delivers reply, trying the API first while the send class is on it.
func (c *Controller) Send(ctx context.Context, reply types.OutgoingReply) error {
	_, err := c.SendVia(ctx, reply)
	return err
}

// SendVia is Send that also names the transport that delivered. Any API
// failure falls through to the browser for this reply; only the failures
// accepted by ShouldFallback move the class for good. When both fail the
// error wraps ErrDeliveryFailed.
func (c *Controller) SendVia(ctx context.Context, reply types.OutgoingReply) (string, error) {
	var apiErr error
	if api := c.api(Send); api != nil {
		apiErr = api.Send(ctx, reply)
		if apiErr == nil {
			return api.Name(), nil
		}
		if ctx.Err() != nil {
			return api.Name(), ctx.Err()
		}
		if ShouldFallback(apiErr) {
			c.transition(Send, apiErr)
		} else {
			slog.Warn("api send failed, trying browser", "conversation_id", reply.ConversationID, "error", apiErr)
		}
	}

	b, err := c.browserSource(ctx)
	if err != nil {
		return "", deliveryError(apiErr, err)
	}
	if err := b.Send(ctx, reply); err != nil {
		c.checkCrash(b, err)
		return b.Name(), deliveryError(apiErr, err)
	}
	return b.Name(), nil
}

func deliveryError(apiErr, browserErr error) error {
	if apiErr == nil {
		return fmt.Errorf("%w: browser: %w", ErrDeliveryFailed, browserErr)
	}
	return fmt.Errorf("%w: api: %w; browser: %w", ErrDeliveryFailed, apiErr, browserErr)
}

// browserSource returns the memoized browser source, building it on first
// use. Concurrent callers share one construction.
func (c *Controller) browserSource(ctx context.Context) (types.ConversationSource, error) {
	c.mu.Lock()
	b, unavailable := c.browser, c.unavailable
	c.mu.Unlock()
	switch {
	case b != nil:
		return b, nil
	case c.factory == nil:
		return nil, ErrNoFallback
	case unavailable != nil:
		return nil, fmt.Errorf("%w: %w", ErrNoFallback, unavailable)
	}

	v, err, _ := c.group.Do("browser", func() (any, error) {
		c.mu.Lock()
		if c.browser != nil {
			b := c.browser
			c.mu.Unlock()
			return b, nil
		}
		c.mu.Unlock()

		slog.Info("starting browser transport")
		src, err := c.factory(ctx)
		if err != nil {
			if errors.Is(err, browser.ErrUnavailable) {
				c.mu.Lock()
				c.unavailable = err
				c.mu.Unlock()
				slog.Error("browser unavailable, fallback disabled", "error", err)
				return nil, fmt.Errorf("%w: %w", ErrNoFallback, err)
			}
			return nil, fmt.Errorf("start browser: %w", err)
		}
		c.mu.Lock()
		c.browser = src
		c.mu.Unlock()
		return src, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(types.ConversationSource), nil
}

// checkCrash drops a dead browser so the next fallback builds a new one.
func (c *Controller) checkCrash(b types.ConversationSource, err error) {
	if !errors.Is(err, browser.ErrCrashed) {
		return
	}
	c.mu.Lock()
	if c.browser == b {
		c.browser = nil
	}
	c.mu.Unlock()
	slog.Error("browser crashed, discarding instance", "error", err)
	closeSource(b)
}

func closeSource(src types.ConversationSource) error {
	if cl, ok := src.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
