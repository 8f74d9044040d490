// Package pingline is the Go client for the Pingline direct-messaging
// service: a REST surface for account and friend operations, a realtime
// channel for push delivery, and the client-side synchronization engine
// that reconciles optimistic sends, server confirmations and pushed
// messages into consistent per-peer conversation state.
//
// Example:
//
//	client := pingline.NewClient()
//	profile, _ := client.Login(ctx, "ada", "hunter2")
//
//	engine := pingline.NewEngine(pingline.EngineConfig{
//		SelfID:  profile.ID,
//		Channel: client.Channel(),
//	})
//	engine.SendText(ctx, "user-42", "hello")
package pingline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.pingline.im"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the Pingline backend. All authenticated calls go
// through the SessionManager's attach/refresh protocol; individual call
// sites never retry authorization errors themselves.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	store      *StateStore
	session    *SessionManager
	channel    *Channel
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithStore wires a local state store: the credential survives restarts
// and the session persists every rotation into it.
func WithStore(store *StateStore) ClientOption {
	return func(c *Client) { c.store = store }
}

// NewClient creates a Pingline client. With a store configured, a
// previously persisted credential is picked up automatically.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.session = newSessionManager(c.refreshCall, c.store, c.logger)
	return c
}

// Session returns the session manager.
func (c *Client) Session() *SessionManager {
	return c.session
}

// Channel returns the realtime channel, creating it on first use. The
// channel reads the access token through the session manager and is
// closed automatically on forced logout.
func (c *Client) Channel() *Channel {
	if c.channel == nil {
		c.channel = newChannel(c.baseURL, c.session, c.logger)
		c.session.OnLogout(c.channel.Close)
	}
	return c.channel
}

// ============================================================================
// Internal request plumbing
// ============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) roundTrip(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// doAuth performs an unauthenticated call (login, refresh, logout).
// Authorization errors on these endpoints are never refreshed — they
// are part of the refresh protocol itself.
func (c *Client) doAuth(ctx context.Context, method, path string, body interface{}) (*apiResult, error) {
	req, err := c.newRequest(ctx, method, path, body, nil)
	if err != nil {
		return nil, err
	}
	_, data, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	return decodeJSON[apiResult](data)
}

// do performs an authenticated call. On a 401 the session manager's
// single-flight refresh runs once and the request is retried with the
// renewed token; a second 401 forces logout.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*apiResult, error) {
	if !c.session.LoggedIn() {
		return nil, ErrLoggedOut
	}

	retried := false
	for {
		req, err := c.newRequest(ctx, method, path, body, query)
		if err != nil {
			return nil, err
		}
		c.session.Attach(req)

		status, data, err := c.roundTrip(req)
		if err != nil {
			return nil, err
		}
		if status != http.StatusUnauthorized {
			return decodeJSON[apiResult](data)
		}

		if _, err := c.session.OnUnauthorized(ctx, retried); err != nil {
			return nil, err
		}
		retried = true
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// dataOf returns the decoded payload of a successful result, or the
// API error of a failed one.
func dataOf[T any](res *apiResult) (*T, error) {
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("request not ok")
	}
	var out T
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response data: %w", err)
	}
	return &out, nil
}

// ============================================================================
// Auth operations
// ============================================================================

// Login authenticates with username and password, installs the returned
// credential and returns the account profile.
func (c *Client) Login(ctx context.Context, username, password string) (*Profile, error) {
	res, err := c.doAuth(ctx, "POST", "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	data, err := dataOf[LoginData](res)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.session.SetCredential(Credential{
		AccessToken:  data.Access,
		RefreshToken: data.Refresh,
	})
	return &data.Profile, nil
}

// refreshCall hits the refresh endpoint. Only the session manager's
// single-flight path invokes this.
func (c *Client) refreshCall(ctx context.Context, refreshToken string) (Credential, error) {
	res, err := c.doAuth(ctx, "POST", "/api/auth/refresh", map[string]string{
		"refresh": refreshToken,
	})
	if err != nil {
		return Credential{}, err
	}
	data, err := dataOf[refreshData](res)
	if err != nil {
		return Credential{}, err
	}
	return Credential{AccessToken: data.Access, RefreshToken: data.Refresh}, nil
}

// Logout revokes the refresh token server-side and terminates the local
// session regardless of the call's outcome.
func (c *Client) Logout(ctx context.Context) error {
	refreshToken := c.session.Credential().RefreshToken
	var callErr error
	if refreshToken != "" {
		res, err := c.doAuth(ctx, "POST", "/api/auth/logout", map[string]string{
			"refresh": refreshToken,
		})
		if err != nil {
			callErr = err
		} else if !res.OK && res.Error != nil {
			callErr = res.Error
		}
	}
	c.session.ForceLogout("explicit logout")
	return callErr
}

// ============================================================================
// Friend & message operations
// ============================================================================

// Friends fetches the friend list.
func (c *Client) Friends(ctx context.Context) ([]FriendSummary, error) {
	res, err := c.do(ctx, "GET", "/api/friends", nil, nil)
	if err != nil {
		return nil, err
	}
	list, err := dataOf[[]FriendSummary](res)
	if err != nil {
		return nil, fmt.Errorf("fetch friends: %w", err)
	}
	return *list, nil
}

// FriendRequests fetches pending friend requests.
func (c *Client) FriendRequests(ctx context.Context) ([]FriendRequest, error) {
	res, err := c.do(ctx, "GET", "/api/friends/requests", nil, nil)
	if err != nil {
		return nil, err
	}
	list, err := dataOf[[]FriendRequest](res)
	if err != nil {
		return nil, fmt.Errorf("fetch friend requests: %w", err)
	}
	return *list, nil
}

// History fetches the stored conversation with one peer.
func (c *Client) History(ctx context.Context, peerID string) ([]Message, error) {
	res, err := c.do(ctx, "GET", "/api/messages/"+url.PathEscape(peerID), nil, nil)
	if err != nil {
		return nil, err
	}
	list, err := dataOf[[]Message](res)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return *list, nil
}

// DeleteHistory deletes the stored conversation with one peer.
func (c *Client) DeleteHistory(ctx context.Context, peerID string) error {
	res, err := c.do(ctx, "DELETE", "/api/messages/"+url.PathEscape(peerID), nil, nil)
	if err != nil {
		return err
	}
	if !res.OK && res.Error != nil {
		return fmt.Errorf("delete history: %w", res.Error)
	}
	return nil
}

// UpdateProfile updates mutable profile fields and returns the result.
func (c *Client) UpdateProfile(ctx context.Context, fields ProfileUpdate) (*Profile, error) {
	res, err := c.do(ctx, "PATCH", "/api/profile", fields, nil)
	if err != nil {
		return nil, err
	}
	profile, err := dataOf[Profile](res)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return profile, nil
}
