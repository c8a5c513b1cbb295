package config

import (
	"net/url"
	"strings"
)

type maskRule int

const (
	maskTail maskRule = iota + 1 // keep the last four characters
	maskURL                      // keep scheme, user and host; hide the password
	maskEach                     // maskTail applied to every list element
)

// secrets maps dotted keys to how their values are hidden in listings.
var secrets = map[string]maskRule{
	"account.password": maskTail,
	"account.token":    maskTail,
	"llm.api_key":      maskTail,
	"telegram.token":   maskTail,
	"dedup.redis_url":  maskURL,
	"amqp.url":         maskURL,
	"activation.keys":  maskEach,
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return secrets[key] != 0
}

// Flatten turns the nested config map into dotted keys. Lists such as
// platform.login_endpoints stay whole under their own key.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(path []string, m map[string]any)
	walk = func(path []string, m map[string]any) {
		for k, v := range m {
			p := append(path[:len(path):len(path)], k)
			if child, ok := v.(map[string]any); ok {
				walk(p, child)
				continue
			}
			out[strings.Join(p, ".")] = v
		}
	}
	walk(nil, m)
	return out
}

// Unflatten rebuilds the nested map from dotted keys.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		section := out
		parts := strings.Split(key, ".")
		for _, name := range parts[:len(parts)-1] {
			next, ok := section[name].(map[string]any)
			if !ok {
				next = make(map[string]any)
				section[name] = next
			}
			section = next
		}
		section[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets returns a copy of flat with credentials hidden. Empty values
// stay empty so operators can see what is unset.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = Mask(k, v)
	}
	return out
}

// Mask hides v if key is a secret.
func Mask(key string, v any) any {
	switch secrets[key] {
	case maskTail:
		if s, ok := v.(string); ok {
			return maskTailString(s)
		}
	case maskURL:
		if s, ok := v.(string); ok {
			return maskURLString(s)
		}
	case maskEach:
		switch list := v.(type) {
		case []any:
			masked := make([]any, len(list))
			for i, e := range list {
				if s, ok := e.(string); ok {
					masked[i] = maskTailString(s)
				} else {
					masked[i] = e
				}
			}
			return masked
		case []string:
			masked := make([]string, len(list))
			for i, s := range list {
				masked[i] = maskTailString(s)
			}
			return masked
		}
	}
	return v
}

func maskTailString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}

// maskURLString keeps a broker URL readable. Unparseable values are hidden
// completely since they may be a bare password.
func maskURLString(s string) string {
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "***"
	}
	if _, has := u.User.Password(); !has {
		return s
	}
	return strings.Replace(u.Redacted(), ":xxxxx@", ":***@", 1)
}
