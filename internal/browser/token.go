package browser

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

const (
	minTokenLen  = 21
	minRawLength = 51
	interceptTry = 3
)

var (
	bearerRe = regexp.MustCompile(`Bearer\s+([A-Za-z0-9._\-/+=]+)`)
	shapedRe = regexp.MustCompile(`^[A-Za-z0-9._\-/+=]+$`)

	jsonTokenKeys = []string{"token", "accessToken", "bearerToken", "authToken"}
	knownGlobals  = map[string]bool{"__FANSLY_TOKEN__": true, "fanslyToken": true, "authToken": true, "__CAPTURED_TOKEN__": true}
)

const storageScript = `(() => {
  const out = [];
  try {
    const s = window[%q];
    for (const k of Object.keys(s)) out.push([k, String(s.getItem(k) || "")]);
  } catch (e) {}
  return out;
})()`

// The marker makes installation a no-op for the rest of the page lifetime.
const interceptorScript = `(() => {
  if (window.__chatpilotInterceptor) return false;
  window.__chatpilotInterceptor = true;
  window.__CAPTURED_TOKEN__ = window.__CAPTURED_TOKEN__ || null;
  const grab = (v) => {
    if (typeof v !== "string") return;
    const m = v.match(/Bearer\s+([A-Za-z0-9._\-\/+=]+)/);
    if (m && m[1].length > 20) window.__CAPTURED_TOKEN__ = m[1];
  };
  const origFetch = window.fetch;
  window.fetch = function (...args) {
    try {
      const h = (args[1] || {}).headers;
      if (h instanceof Headers) grab(h.get("Authorization"));
      else if (h) grab(h["Authorization"] || h["authorization"]);
      if (args[0] instanceof Request) grab(args[0].headers.get("Authorization"));
    } catch (e) {}
    return origFetch.apply(this, args);
  };
  const origSet = XMLHttpRequest.prototype.setRequestHeader;
  XMLHttpRequest.prototype.setRequestHeader = function (name, value) {
    if (name && name.toLowerCase() === "authorization") grab(value);
    return origSet.apply(this, arguments);
  };
  return true;
})()`

const capturedScript = `window.__CAPTURED_TOKEN__ || ""`

const triggerScript = `(() => {
  try {
    fetch("https://apiv3.fansly.com/api/v1/account/me", {credentials: "include"}).catch(() => {});
    fetch("/api/v1/account/me", {credentials: "include"}).catch(() => {});
  } catch (e) {}
  return true;
})()`

const globalsScript = `(() => {
  const out = [];
  for (const k of ["__FANSLY_TOKEN__", "fanslyToken", "authToken", "__CAPTURED_TOKEN__"]) {
    try { if (typeof window[k] === "string") out.push([k, window[k]]); } catch (e) {}
  }
  for (const k in window) {
    try {
      const v = window[k];
      const lk = k.toLowerCase();
      if (typeof v === "string" && (lk.includes("token") || lk.includes("auth"))) out.push([k, v]);
    } catch (e) {}
  }
  return out;
})()`

// ExtractToken looks for a bearer token in local storage, session storage,
// cookies, intercepted request headers and finally page globals, in that
// order. It returns "" when nothing token-shaped turns up; only a dead
// browser is an error.
func (c *Client) ExtractToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	steps := []struct {
		name string
		fn   func(context.Context) (string, error)
	}{
		{"localStorage", func(ctx context.Context) (string, error) { return c.scanStorage(ctx, "localStorage") }},
		{"sessionStorage", func(ctx context.Context) (string, error) { return c.scanStorage(ctx, "sessionStorage") }},
		{"cookies", c.scanCookies},
		{"interceptor", c.intercept},
		{"globals", c.scanGlobals},
	}
	for _, step := range steps {
		tok, err := step.fn(ctx)
		if err != nil {
			if hard(err) || ctx.Err() != nil {
				return "", err
			}
			slog.Debug("token source failed", "source", step.name, "error", err)
			continue
		}
		if tok != "" {
			slog.Info("bearer token extracted", "source", step.name, "length", len(tok))
			return tok, nil
		}
	}
	slog.Warn("no bearer token found in browser")
	return "", nil
}

func (c *Client) scanStorage(ctx context.Context, area string) (string, error) {
	var pairs [][2]string
	if err := c.driver.Evaluate(ctx, sprintfJS(storageScript, area), &pairs); err != nil {
		return "", err
	}
	for _, kv := range pairs {
		if tok := storageToken(kv[0], kv[1]); tok != "" {
			return tok, nil
		}
	}
	return "", nil
}

// storageToken applies the storage rules: only long values whose key or
// content hints at auth are considered.
func storageToken(key, value string) string {
	if len(value) < minRawLength {
		return ""
	}
	lk := strings.ToLower(key)
	if !strings.Contains(value, "Bearer") && !strings.Contains(lk, "token") && !strings.Contains(lk, "auth") {
		return ""
	}
	if tok := bearerToken(value); tok != "" {
		return tok
	}
	if shapedRe.MatchString(value) {
		return value
	}
	return jsonToken(value)
}

func (c *Client) scanCookies(ctx context.Context) (string, error) {
	cookies, err := c.driver.Cookies(ctx)
	if err != nil {
		return "", err
	}
	for _, ck := range cookies {
		if tok := cookieToken(ck); tok != "" {
			return tok, nil
		}
	}
	return "", nil
}

func cookieToken(ck Cookie) string {
	name := strings.ToLower(ck.Name)
	if !strings.Contains(name, "auth") && !strings.Contains(name, "token") &&
		!strings.Contains(name, "bearer") && !strings.Contains(name, "session") {
		return ""
	}
	if len(ck.Value) < minTokenLen {
		return ""
	}
	if tok := bearerToken(ck.Value); tok != "" {
		return tok
	}
	if len(ck.Value) >= minRawLength && shapedRe.MatchString(ck.Value) {
		return ck.Value
	}
	return ""
}

// intercept wraps fetch and XHR to capture outgoing Authorization headers,
// polls for a capture, then provokes an authenticated request and looks
// once more.
func (c *Client) intercept(ctx context.Context) (string, error) {
	if err := c.installInterceptor(ctx); err != nil {
		return "", err
	}
	for i := 1; i <= interceptTry; i++ {
		if err := c.sleep(ctx, c.opts.InterceptWait); err != nil {
			return "", err
		}
		tok, err := c.captured(ctx)
		if err != nil || tok != "" {
			return tok, err
		}
		slog.Debug("token not captured yet", "check", i)
	}
	if err := c.driver.Evaluate(ctx, triggerScript, nil); err != nil {
		return "", err
	}
	if err := c.sleep(ctx, c.opts.InterceptWait); err != nil {
		return "", err
	}
	return c.captured(ctx)
}

// installInterceptor installs the wrappers. The page-side marker makes a
// second call on the same page a no-op; a new document starts unmarked.
func (c *Client) installInterceptor(ctx context.Context) error {
	var installed bool
	if err := c.driver.Evaluate(ctx, interceptorScript, &installed); err != nil {
		return err
	}
	if installed {
		slog.Debug("request interceptor installed")
	}
	return nil
}

func (c *Client) captured(ctx context.Context) (string, error) {
	var tok string
	if err := c.driver.Evaluate(ctx, capturedScript, &tok); err != nil {
		return "", err
	}
	if len(tok) >= minTokenLen && shapedRe.MatchString(tok) {
		return tok, nil
	}
	return "", nil
}

func (c *Client) scanGlobals(ctx context.Context) (string, error) {
	var pairs [][2]string
	if err := c.driver.Evaluate(ctx, globalsScript, &pairs); err != nil {
		return "", err
	}
	for _, kv := range pairs {
		v := kv[1]
		// Known globals only need to look like a token; arbitrary window
		// properties must also be long.
		if knownGlobals[kv[0]] || len(v) >= minRawLength {
			if len(v) >= minTokenLen && shapedRe.MatchString(v) {
				return v, nil
			}
		}
	}
	return "", nil
}

func bearerToken(s string) string {
	m := bearerRe.FindStringSubmatch(s)
	if m != nil && len(m[1]) >= minTokenLen {
		return m[1]
	}
	return ""
}

func jsonToken(s string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return ""
	}
	for _, k := range jsonTokenKeys {
		if v, ok := obj[k].(string); ok {
			v = strings.TrimPrefix(v, "Bearer ")
			if len(v) >= minTokenLen && shapedRe.MatchString(v) {
				return v
			}
		}
	}
	return ""
}

// sprintfJS substitutes JSON-quoted arguments into a script template.
func sprintfJS(tmpl string, args ...string) string {
	for _, a := range args {
		q, _ := json.Marshal(a)
		tmpl = strings.Replace(tmpl, "%q", string(q), 1)
	}
	return tmpl
}
