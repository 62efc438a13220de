// Package matcha is the Go client for the matcha dating API: the REST feed and
// action endpoints, the reconnecting push channel, and the client-side state
// that keeps a prefetched, filtered profile feed consistent with push events.
//
// Example:
//
//	client := matcha.NewClient(matcha.WithToken(token))
//
//	// Options and feed
//	store := matcha.NewOptionsStore(matcha.NewNominatimGeocoder())
//	feed := matcha.NewFeed(matcha.NewFeedCache(client), store, matcha.ModeBrowse)
//	_ = feed.Load(ctx)
//
//	// Push channel
//	push := client.Push(matcha.PushConfig{})
//	push.OnFrame(router.HandleFrame)
//	_ = push.Start(ctx)
package matcha

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second

	// SessionCookie carries the session token on every request, the push
	// channel included.
	SessionCookie = "access_token"

	defaultUserAgent = "matcha-go/0.1"
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a new matcha client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the session token, e.g. after signing in again.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)
	if c.token != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: c.token})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		// FastAPI reports {"detail": "..."}; other bodies are ignored.
		_ = json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func get[T any](ctx context.Context, c *Client, path string, query url.Values) (T, error) {
	var zero T
	data, err := c.doRequest(ctx, http.MethodGet, path, query)
	if err != nil {
		return zero, err
	}
	out, err := decodeJSON[T](data)
	if err != nil {
		return zero, err
	}
	return *out, nil
}

func peerQuery(id int) url.Values {
	return url.Values{"id": {strconv.Itoa(id)}}
}

// ============================================================================
// Feed Source
// ============================================================================

func (p BrowseParams) values() url.Values {
	v := url.Values{}
	v.Set("age_min", strconv.Itoa(p.AgeMin))
	v.Set("age_max", strconv.Itoa(p.AgeMax))
	v.Set("fame_min", strconv.Itoa(p.FameMin))
	v.Set("fame_max", strconv.Itoa(p.FameMax))
	return v
}

func (p SearchParams) values() url.Values {
	v := p.BrowseParams.values()
	if p.Location != nil {
		v.Set("location", p.Location.String())
	}
	for _, t := range p.Tags {
		v.Add("tags", t)
	}
	return v
}

// Browse returns one page of suggested profiles.
func (c *Client) Browse(ctx context.Context, params BrowseParams) ([]Profile, error) {
	return get[[]Profile](ctx, c, "/browse", params.values())
}

// Search returns one page of profiles matching params.
func (c *Client) Search(ctx context.Context, params SearchParams) ([]Profile, error) {
	return get[[]Profile](ctx, c, "/search", params.values())
}

// FetchPage implements FeedSource.
func (c *Client) FetchPage(ctx context.Context, fp Fingerprint) ([]Profile, error) {
	if fp.Mode == ModeSearch {
		return c.Search(ctx, fp.SearchParams())
	}
	return c.Browse(ctx, fp.BrowseParams())
}

// ============================================================================
// Lists
// ============================================================================

// LikedBy lists the users who liked the current user.
func (c *Client) LikedBy(ctx context.Context) ([]PeerSummary, error) {
	return get[[]PeerSummary](ctx, c, "/users/me/likes", nil)
}

// ViewedBy lists the users who viewed the current user's profile.
func (c *Client) ViewedBy(ctx context.Context) ([]PeerSummary, error) {
	return get[[]PeerSummary](ctx, c, "/users/me/views", nil)
}

// Peers lists the connected (mutually liked) users.
func (c *Client) Peers(ctx context.Context) ([]PeerSummary, error) {
	return get[[]PeerSummary](ctx, c, "/users/me/connected", nil)
}

// Conversation returns the messages exchanged with peer, oldest first.
func (c *Client) Conversation(ctx context.Context, peer int) ([]ChatMessage, error) {
	return get[[]ChatMessage](ctx, c, "/chat", peerQuery(peer))
}

// View records a profile view and returns the viewed profile.
func (c *Client) View(ctx context.Context, id int) (*Profile, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/view", peerQuery(id))
	if err != nil {
		return nil, err
	}
	return decodeJSON[Profile](data)
}

// ============================================================================
// Actions
// ============================================================================

func (c *Client) SendMessage(ctx context.Context, peer int, message string) error {
	q := peerQuery(peer)
	q.Set("message", message)
	_, err := c.doRequest(ctx, http.MethodPost, "/chat", q)
	return err
}

func (c *Client) Like(ctx context.Context, id int) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/like", peerQuery(id))
	return err
}

func (c *Client) Unlike(ctx context.Context, id int) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/unlike", peerQuery(id))
	return err
}

func (c *Client) Block(ctx context.Context, id int) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/block", peerQuery(id))
	return err
}

func (c *Client) Report(ctx context.Context, id int) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/report", peerQuery(id))
	return err
}

// ============================================================================
// Push channel
// ============================================================================

// PushURL derives the push endpoint from the API root: http becomes ws and
// https becomes wss.
func (c *Client) PushURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// Push returns a push channel for this client's session. The session cookie
// is attached to the handshake unless cfg already carries one.
func (c *Client) Push(cfg PushConfig) *PushClient {
	if cfg.Header == nil {
		cfg.Header = http.Header{}
	}
	if c.token != "" && cfg.Header.Get("Cookie") == "" {
		cfg.Header.Set("Cookie", (&http.Cookie{Name: SessionCookie, Value: c.token}).String())
	}
	return NewPushClient(c.PushURL(), cfg)
}
