package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

const hideWebdriver = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`

// ChromeOptions configures the Chrome process.
type ChromeOptions struct {
	Headless  bool
	ExecPath  string
	UserAgent string
}

// ChromeDriver implements Driver on a chromedp-controlled Chrome.
type ChromeDriver struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	closeOnce   sync.Once
}

var _ Driver = (*ChromeDriver)(nil)

// NewChromeDriver starts Chrome and opens a blank tab. Any failure to start
// is reported as ErrUnavailable.
func NewChromeDriver(o ChromeOptions) (*ChromeDriver, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", o.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.WindowSize(1920, 1080),
	)
	if o.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(o.UserAgent))
	}
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	// The first Run binds the browser lifetime to ctx.
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriver).Do(ctx)
		return err
	}))
	if err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	slog.Info("chrome started", "headless", o.Headless)
	return &ChromeDriver{ctx: ctx, cancel: cancel, allocCancel: allocCancel}, nil
}

// run executes actions on the browser context while honouring the caller's
// ctx. A zero timeout means no extra bound.
func (d *ChromeDriver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if d.ctx.Err() != nil {
		return ErrCrashed
	}
	rctx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	if timeout > 0 {
		var tcancel context.CancelFunc
		rctx, tcancel = context.WithTimeout(rctx, timeout)
		defer tcancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(rctx, actions...)
	switch {
	case err == nil:
		return nil
	case d.ctx.Err() != nil,
		errors.Is(err, chromedp.ErrInvalidContext),
		errors.Is(err, chromedp.ErrChannelClosed):
		return fmt.Errorf("%w: %v", ErrCrashed, err)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(rctx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	}
	return err
}

func (d *ChromeDriver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, 0, chromedp.Navigate(url))
}

func (d *ChromeDriver) Location(ctx context.Context) (string, error) {
	var loc string
	err := d.run(ctx, 0, chromedp.Location(&loc))
	return loc, err
}

func (d *ChromeDriver) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return d.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (d *ChromeDriver) Clear(ctx context.Context, selector string) error {
	return d.run(ctx, 0, chromedp.Clear(selector, chromedp.ByQuery))
}

func (d *ChromeDriver) SendKeys(ctx context.Context, selector, text string) error {
	return d.run(ctx, 0, chromedp.SendKeys(selector, text, chromedp.ByQuery))
}

func (d *ChromeDriver) Click(ctx context.Context, selector string, timeout time.Duration) error {
	return d.run(ctx, timeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (d *ChromeDriver) Evaluate(ctx context.Context, script string, out any) error {
	return d.run(ctx, 0, chromedp.Evaluate(script, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

func (d *ChromeDriver) Cookies(ctx context.Context) ([]Cookie, error) {
	var out []Cookie
	err := d.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out = append(out, Cookie{Name: c.Name, Value: c.Value})
		}
		return nil
	}))
	return out, err
}

// Close terminates the browser process. Safe to call more than once.
func (d *ChromeDriver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.ctx.Err() == nil {
			err = chromedp.Cancel(d.ctx)
		}
		d.cancel()
		d.allocCancel()
		slog.Info("chrome closed")
	})
	return err
}
