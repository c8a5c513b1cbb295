package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/user/chatpilot/internal/types"
)

// Options tunes the Client. Zero delays disable the corresponding pause.
type Options struct {
	Selectors Selectors
	// DOMTimeout bounds waits for page elements.
	DOMTimeout time.Duration
	// ClickTimeout bounds the wait for a clickable control before the
	// keyboard fallback is used.
	ClickTimeout time.Duration
	// MinDelay and MaxDelay bound the random pause between human-like steps.
	MinDelay time.Duration
	MaxDelay time.Duration
	// SettleDelay is waited after submitting the login form.
	SettleDelay time.Duration
	// InterceptWait is the pause between interceptor checks.
	InterceptWait time.Duration
}

// DefaultOptions returns production timings.
func DefaultOptions() Options {
	return Options{
		Selectors:     DefaultSelectors(),
		DOMTimeout:    20 * time.Second,
		ClickTimeout:  3 * time.Second,
		MinDelay:      500 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		SettleDelay:   4 * time.Second,
		InterceptWait: 3 * time.Second,
	}
}

// ScrapedChat is one visible conversation with its latest message.
type ScrapedChat struct {
	ConversationID types.ConversationID
	Text           string
	Reply          string
}

// Client drives the web UI through a Driver. It owns the browser for its
// whole lifetime; methods are serialized.
type Client struct {
	driver Driver
	opts   Options

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewClient wraps driver. Missing selectors and timeouts take defaults.
func NewClient(driver Driver, opts Options) *Client {
	if opts.Selectors.LoginURL == "" {
		opts.Selectors = DefaultSelectors()
	}
	if opts.DOMTimeout <= 0 {
		opts.DOMTimeout = 20 * time.Second
	}
	if opts.ClickTimeout <= 0 {
		opts.ClickTimeout = 3 * time.Second
	}
	return &Client{driver: driver, opts: opts}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) pause(ctx context.Context) error {
	d := c.opts.MinDelay
	if spread := c.opts.MaxDelay - c.opts.MinDelay; spread > 0 {
		d += rand.N(spread)
	}
	return c.sleep(ctx, d)
}

// soft turns a failed DOM step into a plain "no" unless the browser is gone
// or the caller gave up.
func soft(ctx context.Context, op, step string, err error) error {
	if hard(err) || ctx.Err() != nil {
		return err
	}
	if errors.Is(err, ErrTimeout) {
		slog.Warn("dom wait timed out", "op", op, "step", step)
	} else {
		slog.Warn("dom step failed", "op", op, "step", step, "error", err)
	}
	return nil
}

func (c *Client) siteHost() string {
	u, err := url.Parse(c.opts.Selectors.LoginURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Login signs in through the login form. It reports false when the form is
// missing or the page stays on the login path; only a dead browser or a
// cancelled ctx produce an error.
func (c *Client) Login(ctx context.Context, email, password string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sel := c.opts.Selectors
	host := c.siteHost()
	slog.Info("browser login", "email", maskEmail(email))

	loc, err := c.driver.Location(ctx)
	if err != nil {
		if err := soft(ctx, "login", "location", err); err != nil {
			return false, err
		}
	}
	loc = strings.ToLower(loc)
	if strings.Contains(loc, "login") && strings.Contains(loc, host) {
		slog.Debug("already on login page", "url", loc)
	} else if err := c.driver.Navigate(ctx, sel.LoginURL); err != nil {
		return false, soft(ctx, "login", "navigate", err)
	}
	if err := c.pause(ctx); err != nil {
		return false, err
	}

	emailQ, passQ := query(sel.Email), query(sel.Password)
	if err := c.driver.WaitVisible(ctx, emailQ, c.opts.DOMTimeout); err != nil {
		return false, soft(ctx, "login", "email field", err)
	}
	if ok, err := c.typeInto(ctx, "login", emailQ, email); !ok {
		return false, err
	}
	if ok, err := c.typeInto(ctx, "login", passQ, password); !ok {
		return false, err
	}

	if err := c.driver.Click(ctx, query(sel.LoginButton), c.opts.ClickTimeout); err != nil {
		if err := soft(ctx, "login", "login button", err); err != nil {
			return false, err
		}
		if err := c.driver.SendKeys(ctx, passQ, "\r"); err != nil {
			return false, soft(ctx, "login", "submit", err)
		}
	}
	if err := c.sleep(ctx, c.opts.SettleDelay); err != nil {
		return false, err
	}

	loc, err = c.driver.Location(ctx)
	if err != nil {
		return false, soft(ctx, "login", "location", err)
	}
	if strings.Contains(strings.ToLower(loc), "login") || !strings.Contains(strings.ToLower(loc), host) {
		slog.Warn("browser login failed, still on login page", "url", loc)
		return false, nil
	}
	slog.Info("browser login succeeded", "url", loc)
	return true, nil
}

func (c *Client) typeInto(ctx context.Context, op, selector, text string) (bool, error) {
	if err := c.driver.Clear(ctx, selector); err != nil {
		return false, soft(ctx, op, "clear "+selector, err)
	}
	if err := c.pause(ctx); err != nil {
		return false, err
	}
	if err := c.driver.SendKeys(ctx, selector, text); err != nil {
		return false, soft(ctx, op, "type "+selector, err)
	}
	return true, c.pause(ctx)
}

func (c *Client) ensureMessages(ctx context.Context) error {
	loc, err := c.driver.Location(ctx)
	if err == nil && strings.Contains(strings.ToLower(loc), "messages") {
		return nil
	}
	if err := c.driver.Navigate(ctx, c.opts.Selectors.MessagesURL); err != nil {
		return err
	}
	return c.pause(ctx)
}

const chatsScript = `((sel) => {
  return Array.from(document.querySelectorAll(sel.items)).map((el, idx) => {
    let id = "";
    for (const a of sel.attrs) {
      const v = el.getAttribute(a);
      if (v) { id = v; break; }
    }
    const nodes = el.querySelectorAll(sel.text);
    const node = nodes.length ? nodes[nodes.length - 1] : el;
    return {id: id, index: idx, text: (node.innerText || node.textContent || "").trim()};
  });
})(%s)`

const openScript = `((sel) => {
  const items = Array.from(document.querySelectorAll(sel.items));
  let el = null;
  if (sel.index >= 0) el = items[sel.index] || null;
  else el = items.find((e) => sel.attrs.some((a) => e.getAttribute(a) === sel.id)) || null;
  if (!el) return false;
  el.click();
  return true;
})(%s)`

type rawChat struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Text  string `json:"text"`
}

func withArg(tmpl string, arg any) string {
	data, _ := json.Marshal(arg)
	return strings.Replace(tmpl, "%s", string(data), 1)
}

// PollChats scrapes the visible conversations. When synth is non-nil each
// message gets a reply generated with style at scrape time.
func (c *Client) PollChats(ctx context.Context, style string, synth types.Synthesizer) ([]ScrapedChat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureMessages(ctx); err != nil {
		return nil, soft(ctx, "poll", "messages page", err)
	}
	sel := c.opts.Selectors
	items := query(sel.ChatItem)
	if err := c.driver.WaitVisible(ctx, items, c.opts.DOMTimeout); err != nil {
		return nil, soft(ctx, "poll", "chat list", err)
	}

	var raw []rawChat
	arg := map[string]any{"items": items, "text": query(sel.MessageText), "attrs": sel.ChatIDAttributes}
	if err := c.driver.Evaluate(ctx, withArg(chatsScript, arg), &raw); err != nil {
		return nil, soft(ctx, "poll", "scrape", err)
	}

	out := make([]ScrapedChat, 0, len(raw))
	for _, r := range raw {
		if r.Text == "" {
			continue
		}
		id := r.ID
		if id == "" {
			id = fmt.Sprintf("chat_%d", r.Index)
		}
		chat := ScrapedChat{ConversationID: types.ConversationID(id), Text: r.Text}
		if synth != nil {
			chat.Reply = synth.Synthesize(ctx, r.Text, style)
		}
		out = append(out, chat)
	}
	slog.Debug("chats scraped", "elements", len(raw), "messages", len(out))
	return out, nil
}

// SendReply opens the conversation, types text into the reply box and
// submits it, pressing Enter when no send control is clickable.
func (c *Client) SendReply(ctx context.Context, conv types.ConversationID, text string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureMessages(ctx); err != nil {
		return false, soft(ctx, "send", "messages page", err)
	}
	sel := c.opts.Selectors

	index := -1
	if n, ok := strings.CutPrefix(string(conv), "chat_"); ok {
		if i, err := strconv.Atoi(n); err == nil {
			index = i
		}
	}
	var opened bool
	arg := map[string]any{"items": query(sel.ChatItem), "attrs": sel.ChatIDAttributes, "id": string(conv), "index": index}
	if err := c.driver.Evaluate(ctx, withArg(openScript, arg), &opened); err != nil {
		return false, soft(ctx, "send", "open conversation", err)
	}
	if !opened {
		slog.Warn("conversation not visible", "conversation_id", conv)
		return false, nil
	}

	input := query(sel.ReplyInput)
	if err := c.driver.WaitVisible(ctx, input, c.opts.DOMTimeout); err != nil {
		return false, soft(ctx, "send", "reply input", err)
	}
	if ok, err := c.typeInto(ctx, "send", input, text); !ok {
		return false, err
	}
	if err := c.driver.Click(ctx, query(sel.SendButton), c.opts.ClickTimeout); err != nil {
		if err := soft(ctx, "send", "send button", err); err != nil {
			return false, err
		}
		slog.Debug("send button not found, submitting with enter")
		if err := c.driver.SendKeys(ctx, input, "\r"); err != nil {
			return false, soft(ctx, "send", "submit", err)
		}
	}
	if err := c.pause(ctx); err != nil {
		return false, err
	}
	slog.Info("reply submitted in browser", "conversation_id", conv)
	return true, nil
}

// Close shuts the browser down. Later calls return the first result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.driver.Close()
	})
	return c.closeErr
}

func maskEmail(email string) string {
	if len(email) <= 5 {
		return email
	}
	return email[:5] + "..."
}
