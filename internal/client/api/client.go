// Package api is the HTTP client for the presence server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"timepulse/backend/internal/presence"
)

// TokenSource yields the access token for authenticated calls. It returns ErrNoCredential
// (or an error wrapping it) when the client must not send a request.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// UnauthorizedHook is told about every 401 on an authenticated call before the error is
// returned to the caller.
type UnauthorizedHook func(ctx context.Context, source string)

type Client struct {
	base           *url.URL
	http           *http.Client
	tokens         TokenSource
	onUnauthorized UnauthorizedHook
}

type Option func(*Client)

// authMode selects how a request is authorized.
type authMode int

const (
	public authMode = iota
	bearer
	// bearerQuiet sends the token but keeps a 401 away from the hook.
	bearerQuiet
)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithTokenSource(ts TokenSource) Option { return func(c *Client) { c.tokens = ts } }

func WithUnauthorizedHook(fn UnauthorizedHook) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// New returns a client for the API rooted at baseURL (scheme and host, e.g. http://localhost:8081).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	c := &Client{base: u, http: &http.Client{Timeout: 15 * time.Second}}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// WebSocketURL returns the socket endpoint matching the API base URL.
func (c *Client) WebSocketURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// Token returns the current access token from the token source.
func (c *Client) Token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", ErrNoCredential
	}
	return c.tokens.AccessToken(ctx)
}

func (c *Client) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	var out TokenResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", public, loginRequest{Email: email, Password: password}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh exchanges a refresh token. A 401 here means the session is gone and is reported
// to the hook like any other authorization failure.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var out TokenResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/refresh", public, refreshRequest{RefreshToken: refreshToken}, &out)
	if errors.Is(err, ErrUnauthorized) {
		c.unauthorized(ctx, "refresh")
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout ends the session on the server. A 401 means it was already gone and is not
// reported to the hook.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/auth/logout", bearerQuiet, nil, nil)
}

func (c *Client) StartTimer(ctx context.Context, projectID, taskID, label string) (*TimerResponse, error) {
	var out TimerResponse
	in := startTimerRequest{ProjectID: projectID, TaskID: taskID, Label: label}
	if err := c.do(ctx, http.MethodPost, "/api/v1/timers/start", bearer, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StopTimer(ctx context.Context) (*TimerResponse, error) {
	var out TimerResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/timers/stop", bearer, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TerminateUser ends every session of userID (admin or self).
func (c *Client) TerminateUser(ctx context.Context, userID string) (*TerminationResponse, error) {
	var out TerminationResponse
	path := "/api/v1/admin/users/" + url.PathEscape(userID) + "/terminate"
	if err := c.do(ctx, http.MethodPost, path, bearer, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Presence polls the full presence table.
func (c *Client) Presence(ctx context.Context) (presence.Snapshot, error) {
	var out presence.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/presence", bearer, nil, &out); err != nil {
		return presence.Snapshot{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, auth authMode, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != public {
		token, err := c.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := decodeError(resp)
		if auth == bearer && resp.StatusCode == http.StatusUnauthorized {
			c.unauthorized(ctx, "http")
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) unauthorized(ctx context.Context, source string) {
	if c.onUnauthorized != nil {
		c.onUnauthorized(ctx, source)
	}
}

func decodeError(resp *http.Response) *Error {
	e := &Error{Status: resp.StatusCode}
	var body errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &body) == nil {
		e.Code = body.Code
		e.Message = body.Error
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}
