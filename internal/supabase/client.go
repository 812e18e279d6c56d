// Package supabase is a minimal HTTP client for the cloud backend: RPC
// calls and table reads through PostgREST, session introspection and
// refresh through GoTrue. The agent authenticates with the project anon
// key plus the signed-in user's access token; it never holds database
// credentials.
package supabase

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrNotConfigured is returned by every call when the project URL or anon
// key is missing. It surfaces on the first RPC attempt of a tick.
var ErrNotConfigured = errors.New("supabase url or anon key not configured")

// Client talks to one Supabase project.
type Client struct {
	baseURL string
	anonKey string
	hc      *http.Client

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
}

// New creates a client for the given project. URL and key may be empty;
// calls then fail with ErrNotConfigured.
func New(baseURL, anonKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		hc: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Configured reports whether the client can reach a backend at all.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.anonKey != ""
}

// SetTokens installs the session tokens used for authenticated calls.
func (c *Client) SetTokens(access, refresh string) {
	c.mu.Lock()
	c.accessToken = access
	c.refreshToken = refresh
	c.mu.Unlock()
}

// ClearTokens drops the session; subsequent calls run with the anon key only.
func (c *Client) ClearTokens() {
	c.SetTokens("", "")
}

// AccessToken returns the current access token ("" when signed out).
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// APIError is a structured PostgREST/GoTrue error response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend %d: %s", e.Status, e.Message)
}

// IsFunctionMissing reports whether err is the backend telling us that the
// named RPC does not exist (missing migration). PostgREST phrases this as
// "could not find the function ... in the schema cache"; plain Postgres as
// "function ... does not exist".
func IsFunctionMissing(err error, fn string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, strings.ToLower(fn)) {
		return false
	}
	for _, marker := range []string{"schema cache", "could not find the function", "does not exist", "not found"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (c *Client) authHeaders(req *http.Request) {
	req.Header.Set("apikey", c.anonKey)
	token := c.AccessToken()
	if token == "" {
		token = c.anonKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var parsed struct {
			Message string `json:"message"`
			Msg     string `json:"msg"`
			Code    string `json:"code"`
		}
		if json.Unmarshal(body, &parsed) == nil {
			if parsed.Message != "" {
				apiErr.Message = parsed.Message
			} else if parsed.Msg != "" {
				apiErr.Message = parsed.Msg
			}
			apiErr.Code = parsed.Code
		}
		return nil, apiErr
	}
	return json.RawMessage(body), nil
}

// Rpc invokes a PostgREST remote procedure with named parameters.
func (c *Client) Rpc(ctx context.Context, fn string, params map[string]interface{}) (json.RawMessage, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/rest/v1/rpc/"+fn, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authHeaders(req)

	raw, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %w", fn, err)
	}
	return raw, nil
}

// Select reads rows from a table through PostgREST. The query string is
// already in PostgREST filter syntax (e.g. "owner_id=eq.X&limit=1").
func (c *Client) Select(ctx context.Context, table, query string) (json.RawMessage, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/rest/v1/"+table+"?"+query, nil)
	if err != nil {
		return nil, fmt.Errorf("create select request: %w", err)
	}
	c.authHeaders(req)

	raw, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return raw, nil
}

// User describes the signed-in GoTrue user.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// CurrentUser asks GoTrue who the current access token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("create user request: %w", err)
	}
	c.authHeaders(req)

	raw, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}
	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("parse user: %w", err)
	}
	if user.ID == "" {
		return nil, errors.New("current user: empty user id")
	}
	return &user, nil
}

// TokenPair is what GoTrue returns from a refresh grant.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    *int64 `json:"expires_at"`
	User         *User  `json:"user"`
}

// Refresh exchanges a refresh token for a fresh session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	body, _ := json.Marshal(map[string]string{"refresh_token": refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/auth/v1/token?grant_type=refresh_token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.anonKey)

	raw, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	var pair TokenPair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return nil, fmt.Errorf("parse refresh response: %w", err)
	}
	if pair.AccessToken == "" {
		return nil, errors.New("refresh session: empty access token")
	}
	return &pair, nil
}
