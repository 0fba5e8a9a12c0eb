// Package auth holds the process-wide credential token and performs every
// authenticated request to the terminal service.
//
// A Gateway is the injected authentication context: components that talk to
// the server receive the same *Gateway instead of looking the token up
// globally. An authorization rejection (HTTP 401) on any request clears the
// token and publishes a LogoutEvent; subscribers (the session controller, the
// CLI) react to it instead of the gateway navigating anywhere itself.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/yingjunnan/acweb/internal/crypto"
	"github.com/yingjunnan/acweb/internal/kvstore"
	"github.com/yingjunnan/acweb/internal/logutil"
)

const (
	// LoginPath is the entry point a UI should return to after a forced logout.
	LoginPath = "/login"

	loginEndpoint = "/api/v1/auth/login"
	tokenSetting  = "token"

	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4096
)

var (
	// ErrNotAuthenticated is returned without any network round-trip when no
	// token is held.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrAuthExpired marks a server-side authorization rejection.
	ErrAuthExpired = errors.New("authorization expired")
	// ErrInvalidCredentials is returned by Login on a rejected username/password.
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// HTTPError is a non-2xx response from the terminal service.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	// Err classifies the failure (ErrAuthExpired, ErrInvalidCredentials) or is nil.
	Err error
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *HTTPError) Unwrap() error { return e.Err }

// LogoutEvent is published whenever the token is dropped because the server
// rejected it.
type LogoutEvent struct {
	Reason   string
	Redirect string
	At       time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.httpClient = c }
}

// Gateway owns the credential token.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	store      kvstore.Store
	sealer     *crypto.Sealer

	// mu guards token and orders its persistence with it.
	mu    sync.RWMutex
	token string

	subsMu  sync.Mutex
	subs    map[int]chan LogoutEvent
	nextSub int
}

// NewGateway creates a gateway for the service at baseURL and restores a
// previously persisted token from store.
func NewGateway(baseURL string, store kvstore.Store, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		store:      store,
		sealer:     crypto.NewSealer(store),
		subs:       make(map[int]chan LogoutEvent),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.restoreToken()
	return g
}

func (g *Gateway) restoreToken() {
	sealed, err := g.store.Get(tokenSetting)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			log.Printf("[auth] load persisted token: %v", err)
		}
		return
	}
	token, err := g.sealer.Decrypt(sealed)
	if err != nil {
		log.Printf("[auth] persisted token unreadable, discarding: %v", err)
		if err := g.store.Delete(tokenSetting); err != nil {
			log.Printf("[auth] delete unreadable token: %v", err)
		}
		return
	}
	g.token = token
}

// BaseURL returns the service base URL without a trailing slash.
func (g *Gateway) BaseURL() string { return g.baseURL }

// Token returns the current token, or "" when unauthenticated.
func (g *Gateway) Token() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.token
}

// IsAuthenticated reports whether a token is held.
func (g *Gateway) IsAuthenticated() bool {
	return g.Token() != ""
}

// SetToken stores token in memory and persists it encrypted.
func (g *Gateway) SetToken(token string) error {
	if token == "" {
		return g.ClearToken()
	}
	sealed, err := g.sealer.Encrypt(token)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.token = token
	if err := g.store.Set(tokenSetting, sealed); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	return nil
}

// ClearToken drops the token from memory and durable storage.
func (g *Gateway) ClearToken() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clearLocked()
}

func (g *Gateway) clearLocked() error {
	g.token = ""
	if err := g.store.Delete(tokenSetting); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Login exchanges credentials for an access token and stores it.
func (g *Gateway) Login(ctx context.Context, username, password string) error {
	var resp loginResponse
	err := g.send(ctx, http.MethodPost, loginEndpoint, loginRequest{Username: username, Password: password}, &resp, "", requestConfig{})
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
			httpErr.Err = ErrInvalidCredentials
		}
		return fmt.Errorf("login: %w", err)
	}
	if resp.AccessToken == "" {
		return fmt.Errorf("login: empty access token in response")
	}
	if err := g.SetToken(resp.AccessToken); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	log.Printf("[auth] logged in as %s (token %s)", logutil.SanitizeForLog(username), crypto.Mask(resp.AccessToken))
	return nil
}

// Subscribe returns a channel receiving forced-logout events and a function
// that cancels the subscription and closes the channel.
func (g *Gateway) Subscribe() (<-chan LogoutEvent, func()) {
	ch := make(chan LogoutEvent, 4)
	g.subsMu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = ch
	g.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.subsMu.Lock()
			delete(g.subs, id)
			g.subsMu.Unlock()
			close(ch)
		})
	}
}

func (g *Gateway) publish(ev LogoutEvent) {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	for _, ch := range g.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("[auth] logout subscriber not keeping up, event dropped")
		}
	}
}

// Reject applies the rejection policy for an authorization failure observed
// outside Do, such as a channel refused at the handshake or closed with a
// policy violation. It is a no-op when no token is held.
func (g *Gateway) Reject(reason string) {
	if token := g.Token(); token != "" {
		g.expire(token, reason)
	}
}

// expire is the global rejection policy: drop the token and tell everyone.
// It only acts while token is still the current one; a rejection of a token
// already replaced by a newer login is ignored.
func (g *Gateway) expire(token, reason string) bool {
	g.mu.Lock()
	if g.token != token {
		g.mu.Unlock()
		log.Printf("[auth] ignoring rejection of a replaced token (%s)", reason)
		return false
	}
	if err := g.clearLocked(); err != nil {
		log.Printf("[auth] clear token after rejection: %v", err)
	}
	g.mu.Unlock()
	log.Printf("[auth] authorization rejected (%s), logged out", reason)
	g.publish(LogoutEvent{Reason: reason, Redirect: LoginPath, At: time.Now()})
	return true
}

// RequestOption tweaks a single authenticated request.
type RequestOption func(*requestConfig)

type requestConfig struct {
	tokenInQuery bool
	query        url.Values
}

// WithTokenQuery additionally passes the token as the "token" query parameter,
// as the session-listing endpoints require.
func WithTokenQuery() RequestOption {
	return func(c *requestConfig) { c.tokenInQuery = true }
}

// WithQuery adds a query parameter.
func WithQuery(key, value string) RequestOption {
	return func(c *requestConfig) {
		if c.query == nil {
			c.query = url.Values{}
		}
		c.query.Add(key, value)
	}
}

// Do performs an authenticated JSON request. body (if non-nil) is encoded as
// JSON; a successful response is decoded into out (if non-nil).
//
// Without a token Do fails with ErrNotAuthenticated and sends nothing. A 401
// response returns an *HTTPError matching ErrAuthExpired; if the rejected
// token is still current it is cleared and a LogoutEvent is published. Transport errors are returned wrapped
// and never log the user out.
func (g *Gateway) Do(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error {
	token := g.Token()
	if token == "" {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotAuthenticated)
	}
	var cfg requestConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	err := g.send(ctx, method, path, body, out, token, cfg)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
		httpErr.Err = ErrAuthExpired
		g.expire(token, fmt.Sprintf("%s %s", method, path))
	}
	return err
}

// URL builds an absolute service URL for path, optionally carrying the
// current token as a query parameter.
func (g *Gateway) URL(path string, opts ...RequestOption) (*url.URL, error) {
	var cfg requestConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return g.buildURL(path, g.Token(), cfg)
}

func (g *Gateway) buildURL(path, token string, cfg requestConfig) (*url.URL, error) {
	u, err := url.Parse(g.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for k, vs := range cfg.query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if cfg.tokenInQuery && token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u, nil
}

func (g *Gateway) send(ctx context.Context, method, path string, body, out any, token string, cfg requestConfig) error {
	u, err := g.buildURL(path, token, cfg)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
