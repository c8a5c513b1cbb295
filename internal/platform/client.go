package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/user/chatpilot/internal/types"
)

const (
	DefaultGraphQLURL  = "https://api.fansly.com/graphql"
	DefaultRESTBaseURL = "https://apiv3.fansly.com"
	DefaultOrigin      = "https://fansly.com"
	DefaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// TokenLifetime is assumed for tokens whose response carries no expiry.
	TokenLifetime = 24 * time.Hour
	// RefreshWindow is how close to expiry a session is considered stale.
	RefreshWindow = time.Hour

	maxResponseBytes = 4 << 20
	maxExcerptChars  = 200
)

// DefaultLoginHosts are tried in order for the login and complete exchanges.
var DefaultLoginHosts = []string{
	"https://apiv3.fansly.com",
	"https://api.fansly.com",
	"https://fansly.com",
}

// Options configures a Client. Zero values take the defaults above.
type Options struct {
	GraphQLURL        string
	RESTBaseURL       string
	LoginHosts        []string
	UserAgent         string
	Origin            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Retry             *RetryPolicy
	HTTPClient        *http.Client
}

// Client is the token API transport. It holds no session state of its own;
// every authenticated call takes the engine's *types.Session.
type Client struct {
	opts     Options
	http     *http.Client
	limiter  *rate.Limiter
	retry    *RetryPolicy
	deviceID string
	now      func() time.Time

	mu       sync.Mutex
	attempts []Attempt
}

// New creates a Client with the given options.
func New(opts Options) *Client {
	if opts.GraphQLURL == "" {
		opts.GraphQLURL = DefaultGraphQLURL
	}
	if opts.RESTBaseURL == "" {
		opts.RESTBaseURL = DefaultRESTBaseURL
	}
	if len(opts.LoginHosts) == 0 {
		opts.LoginHosts = DefaultLoginHosts
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Origin == "" {
		opts.Origin = DefaultOrigin
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = DefaultRetryPolicy()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{
		opts:     opts,
		http:     httpClient,
		limiter:  limiter,
		retry:    opts.Retry,
		deviceID: uuid.New().String(),
		now:      time.Now,
	}
}

// DeviceID returns the per-client device identifier sent during login.
func (c *Client) DeviceID() string { return c.deviceID }

// LastAttempts returns the per-endpoint outcomes of the most recent login
// exchange.
func (c *Client) LastAttempts() []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Attempt, len(c.attempts))
	copy(out, c.attempts)
	return out
}

func (c *Client) recordAttempts(attempts []Attempt) {
	c.mu.Lock()
	c.attempts = attempts
	c.mu.Unlock()
}

type response struct {
	status      int
	contentType string
	body        []byte
	endpoint    string
}

// send performs one HTTP exchange. Network failures come back as
// KindTransientNetwork; status codes are not interpreted here.
func (c *Client) send(ctx context.Context, op, method, endpoint string, payload any, token string) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindUnknown, Op: op, Endpoint: endpoint, Err: err}
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &Error{Kind: KindUnknown, Op: op, Endpoint: endpoint, Err: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Op: op, Endpoint: endpoint, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Origin", c.opts.Origin)
	req.Header.Set("Referer", c.opts.Origin+"/")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindUnknown, Op: op, Endpoint: endpoint, Err: ctx.Err()}
		}
		return nil, &Error{Kind: KindTransientNetwork, Op: op, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Kind: KindTransientNetwork, Op: op, Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	return &response{
		status:      resp.StatusCode,
		contentType: strings.ToLower(resp.Header.Get("Content-Type")),
		body:        data,
		endpoint:    endpoint,
	}, nil
}

// classify maps a completed exchange onto the error taxonomy. A nil result
// means a 2xx with a non-empty, non-HTML body.
func classify(op string, r *response) error {
	e := &Error{Op: op, Endpoint: r.endpoint, Status: r.status}
	switch {
	case r.status == http.StatusUnauthorized:
		e.Kind = KindUnauthorized
		return e
	case r.status == http.StatusForbidden:
		e.Kind = KindForbidden
		return e
	case r.status == http.StatusNotFound || r.status == http.StatusMethodNotAllowed:
		e.Kind = KindEndpointUnavailable
		return e
	case r.status == http.StatusRequestTimeout || r.status == http.StatusTooManyRequests || r.status >= 500:
		e.Kind = KindTransientNetwork
		return e
	case r.status < 200 || r.status >= 300:
		e.Kind = KindUnknown
		e.Detail = excerpt(r)
		return e
	}
	if len(bytes.TrimSpace(r.body)) == 0 {
		e.Kind = KindSchemaChanged
		e.Detail = "empty response body"
		return e
	}
	if isHTML(r) {
		e.Kind = KindSchemaChanged
		e.Detail = "HTML instead of JSON: " + excerpt(r)
		return e
	}
	return nil
}

func isHTML(r *response) bool {
	if strings.Contains(r.contentType, "text/html") {
		return true
	}
	trimmed := bytes.TrimSpace(r.body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// excerpt renders a short readable fragment of a body for diagnostics.
// HTML pages are converted to markdown first so the operator sees text,
// not markup.
func excerpt(r *response) string {
	text := string(r.body)
	if isHTML(r) {
		if md, err := htmltomarkdown.ConvertString(text); err == nil {
			text = md
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxExcerptChars {
		text = text[:maxExcerptChars] + "..."
	}
	return text
}

func decode(op string, r *response, v any) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return &Error{Kind: KindSchemaChanged, Op: op, Endpoint: r.endpoint, Status: r.status, Detail: excerpt(r), Err: err}
	}
	return nil
}

// call issues an authenticated request. Transient failures are retried with
// backoff. A 403 triggers one refresh attempt followed by exactly one more
// try; a second 403 is returned as KindForbidden.
func (c *Client) call(ctx context.Context, sess *types.Session, op, method, endpoint string, payload any) (*response, error) {
	if sess.AccessToken() == "" {
		return nil, &Error{Kind: KindUnauthorized, Op: op, Detail: "no session"}
	}

	once := func() (*response, error) {
		var out *response
		err := c.retry.Execute(ctx, func() error {
			r, err := c.send(ctx, op, method, endpoint, payload, sess.AccessToken())
			if err != nil {
				return err
			}
			if err := classify(op, r); err != nil {
				return err
			}
			out = r
			return nil
		})
		return out, err
	}

	r, err := once()
	if KindOf(err) != KindForbidden {
		return r, err
	}
	slog.Warn("forbidden, refreshing token before retry", "op", op, "endpoint", endpoint)
	if rerr := c.Refresh(ctx, sess); rerr != nil {
		slog.Debug("token refresh failed", "op", op, "error", rerr)
	}
	return once()
}

// NeedsRefresh reports whether sess expires within RefreshWindow.
func (c *Client) NeedsRefresh(sess *types.Session) bool {
	exp := sess.ExpiresAt()
	if exp.IsZero() {
		return false
	}
	return exp.Sub(c.now()) < RefreshWindow
}

// firstString returns the first non-empty string found under keys. A key
// may be dotted to reach into a nested object.
func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		var cur any = data
		for _, part := range strings.Split(key, ".") {
			m, ok := cur.(map[string]any)
			if !ok {
				cur = nil
				break
			}
			cur = m[part]
		}
		if s, ok := cur.(string); ok && s != "" {
			return s
		}
	}
	return ""
}
