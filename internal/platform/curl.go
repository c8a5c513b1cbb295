package platform

import (
	"regexp"
	"strings"
)

var (
	curlStrictPattern = regexp.MustCompile(`(?i)authorization:\s*bearer\s+([A-Za-z0-9._\-]+)`)
	curlLoosePattern  = regexp.MustCompile(`(?i)bearer\s+([^\s'"\\]+)`)
	tokenFormat       = regexp.MustCompile(`^[A-Za-z0-9._\-]+$`)
)

const minCurlTokenLen = 21

// ExtractTokenFromCurl pulls the bearer token out of a request copied from
// the browser DevTools as cURL. It returns "" when no token longer than 20
// characters is present.
func ExtractTokenFromCurl(cmd string) string {
	cmd = strings.NewReplacer("\r", " ", "\n", " ", "\\\n", " ").Replace(cmd)
	for _, re := range []*regexp.Regexp{curlStrictPattern, curlLoosePattern} {
		for _, m := range re.FindAllStringSubmatch(cmd, -1) {
			if len(m[1]) >= minCurlTokenLen {
				return m[1]
			}
		}
	}
	return ""
}

// NormalizeToken trims whitespace and a leading "Bearer " prefix.
func NormalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

// ValidateTokenFormat reports whether token looks like a platform bearer
// token: at least 10 characters of letters, digits, dot, underscore, dash.
func ValidateTokenFormat(token string) bool {
	return len(token) >= 10 && tokenFormat.MatchString(token)
}
