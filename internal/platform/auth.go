package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/user/chatpilot/internal/types"
)

const (
	loginPath    = "/api/v1/auth/login"
	completePath = "/api/v1/auth/complete"
	refreshPath  = "/api/v1/auth/refresh"
	accountPath  = "/api/v1/account/me"
)

var (
	challengeFields = []string{"sessionToken", "token", "authToken", "response.sessionToken", "response.token"}
	bearerFields    = []string{"accessToken", "bearerToken", "token", "response.accessToken", "response.token"}
	refreshFields   = []string{"refreshToken", "refresh_token", "response.refreshToken"}
)

// postCandidates posts payload to path on each login host in order and
// returns the first JSON object obtained. 404s, HTML pages and non-JSON
// bodies mark the candidate unavailable and move on; 401 and 403 are
// answers from the right endpoint and stop the walk.
func (c *Client) postCandidates(ctx context.Context, op, path string, payload any) (map[string]any, string, error) {
	var attempts []Attempt
	defer func() { c.recordAttempts(attempts) }()

	allTransient := true
	for _, host := range c.opts.LoginHosts {
		endpoint := strings.TrimRight(host, "/") + path
		slog.Debug("trying endpoint", "op", op, "endpoint", endpoint)

		r, err := c.send(ctx, op, http.MethodPost, endpoint, payload, "")
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", err
			}
			attempts = append(attempts, Attempt{Endpoint: endpoint, Kind: KindOf(err), Reason: err.Error()})
			continue
		}

		if err := classify(op, r); err != nil {
			kind := KindOf(err)
			if kind == KindUnauthorized || kind == KindForbidden {
				attempts = append(attempts, Attempt{Endpoint: endpoint, Status: r.status, Kind: kind})
				return nil, endpoint, err
			}
			if kind == KindSchemaChanged {
				kind = KindEndpointUnavailable
			}
			if kind != KindTransientNetwork {
				allTransient = false
			}
			attempts = append(attempts, Attempt{Endpoint: endpoint, Status: r.status, Kind: kind, Reason: err.Error()})
			continue
		}

		var data map[string]any
		if err := json.Unmarshal(r.body, &data); err != nil {
			allTransient = false
			attempts = append(attempts, Attempt{Endpoint: endpoint, Status: r.status, Kind: KindEndpointUnavailable, Reason: "non-JSON body: " + excerpt(r)})
			continue
		}
		attempts = append(attempts, Attempt{Endpoint: endpoint, Status: r.status})
		return data, endpoint, nil
	}

	kind := KindEndpointUnavailable
	if allTransient && len(attempts) > 0 {
		kind = KindTransientNetwork
	}
	reasons := make([]string, 0, len(attempts))
	for _, a := range attempts {
		reasons = append(reasons, fmt.Sprintf("%s: %s", a.Endpoint, a.Kind))
	}
	return nil, "", &Error{Kind: kind, Op: op, Detail: "all candidates failed (" + strings.Join(reasons, "; ") + ")"}
}

// LoginInitiate posts credentials and returns the challenge needed by
// LoginComplete.
func (c *Client) LoginInitiate(ctx context.Context, email, password string) (*types.SessionChallenge, error) {
	payload := map[string]string{
		"email":    email,
		"password": password,
		"deviceId": c.deviceID,
	}
	data, endpoint, err := c.postCandidates(ctx, "login_initiate", loginPath, payload)
	if err != nil {
		return nil, err
	}
	token := firstString(data, challengeFields...)
	if token == "" {
		return nil, &Error{Kind: KindTokenNotFound, Op: "login_initiate", Endpoint: endpoint, Detail: "no session token in response"}
	}
	return &types.SessionChallenge{
		Token:     token,
		Challenge: firstString(data, "challenge", "response.challenge"),
		Endpoint:  endpoint,
	}, nil
}

// LoginComplete exchanges a challenge for a bearer token.
func (c *Client) LoginComplete(ctx context.Context, ch *types.SessionChallenge) (*types.Session, error) {
	payload := map[string]string{
		"sessionToken": ch.Token,
		"deviceId":     c.deviceID,
	}
	if ch.Challenge != "" {
		payload["challenge"] = ch.Challenge
	}
	data, endpoint, err := c.postCandidates(ctx, "login_complete", completePath, payload)
	if err != nil {
		return nil, err
	}
	bearer := firstString(data, bearerFields...)
	if bearer == "" {
		return nil, &Error{Kind: KindTokenNotFound, Op: "login_complete", Endpoint: endpoint, Detail: "no bearer token in response"}
	}
	slog.Info("bearer token obtained", "endpoint", endpoint)
	return types.NewSession(bearer, firstString(data, refreshFields...), c.now().Add(TokenLifetime)), nil
}

// Login runs the full credential exchange and validates the resulting token.
func (c *Client) Login(ctx context.Context, email, password string) (*types.Session, *types.UserProfile, error) {
	ch, err := c.LoginInitiate(ctx, email, password)
	if err != nil {
		return nil, nil, err
	}
	sess, err := c.LoginComplete(ctx, ch)
	if err != nil {
		return nil, nil, err
	}
	profile, err := c.Validate(ctx, sess)
	if err != nil {
		return nil, nil, err
	}
	sess.UserID = profile.ID
	sess.Username = profile.Username
	return sess, profile, nil
}

// LoginWithToken builds a session from a pasted bearer token and validates it.
func (c *Client) LoginWithToken(ctx context.Context, token string) (*types.Session, *types.UserProfile, error) {
	token = NormalizeToken(token)
	if !ValidateTokenFormat(token) {
		return nil, nil, &Error{Kind: KindTokenMalformed, Op: "login_token", Detail: "token must be at least 10 characters of [A-Za-z0-9._-]"}
	}
	sess := types.NewSession(token, "", c.now().Add(TokenLifetime))
	profile, err := c.Validate(ctx, sess)
	if err != nil {
		return nil, nil, err
	}
	sess.UserID = profile.ID
	sess.Username = profile.Username
	return sess, profile, nil
}

// Refresh exchanges the session's refresh token for a new access token and
// rotates it in place.
func (c *Client) Refresh(ctx context.Context, sess *types.Session) error {
	rt := sess.RefreshToken()
	if rt == "" {
		return &Error{Kind: KindTokenNotFound, Op: "refresh", Detail: "no refresh token"}
	}
	payload := map[string]string{
		"refreshToken": rt,
		"deviceId":     c.deviceID,
	}
	data, endpoint, err := c.postCandidates(ctx, "refresh", refreshPath, payload)
	if err != nil {
		return err
	}
	bearer := firstString(data, bearerFields...)
	if bearer == "" {
		return &Error{Kind: KindTokenNotFound, Op: "refresh", Endpoint: endpoint, Detail: "no bearer token in response"}
	}
	sess.Rotate(bearer, firstString(data, refreshFields...), c.now().Add(TokenLifetime))
	slog.Info("token refreshed", "endpoint", endpoint)
	return nil
}

type userNode struct {
	ID          flexString `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	Email       string     `json:"email"`
	CreatedAt   flexTime   `json:"createdAt"`
}

func (u *userNode) profile() *types.UserProfile {
	return &types.UserProfile{
		ID:          types.UserID(u.ID),
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		CreatedAt:   time.Time(u.CreatedAt),
	}
}

const userQuery = `query {
  user {
    id
    username
    displayName
    email
    createdAt
  }
}`

// Validate confirms the bearer token by fetching the profile. GraphQL is
// tried first; any failure other than 401/403 falls back to REST.
func (c *Client) Validate(ctx context.Context, sess *types.Session) (*types.UserProfile, error) {
	var data struct {
		User *userNode `json:"user"`
	}
	err := c.graphql(ctx, sess, "validate", userQuery, nil, &data)
	if err == nil && data.User != nil && (data.User.ID != "" || data.User.Username != "") {
		return data.User.profile(), nil
	}
	if k := KindOf(err); k == KindUnauthorized || k == KindForbidden {
		return nil, err
	}
	if err != nil {
		slog.Debug("graphql validation failed, trying REST", "error", err)
	}

	r, err := c.call(ctx, sess, "validate", http.MethodGet, strings.TrimRight(c.opts.RESTBaseURL, "/")+accountPath, nil)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Response *userNode `json:"response"`
		userNode
	}
	if err := decode("validate", r, &envelope); err != nil {
		return nil, err
	}
	u := envelope.Response
	if u == nil {
		u = &envelope.userNode
	}
	if u.ID == "" && u.Username == "" {
		return nil, &Error{Kind: KindSchemaChanged, Op: "validate", Endpoint: r.endpoint, Detail: "profile without id or username"}
	}
	return u.profile(), nil
}
