// Package prefsync provides a local-first, versioned, remotely reconciled
// preference store for storefront clients.
//
// Two stores are built on the same machinery: the visitor's favorited
// products (FavoritesStore, reconciled with the server by Engine) and the
// visitor's color theme (ColorStore, local only).
//
// Example:
//
//	storage := prefsync.NewMemoryStorage()
//	favorites := prefsync.NewFavoritesStore(storage)
//	favorites.Hydrate()
//
//	client := prefsync.NewClient("https://shop.example.com")
//	engine := prefsync.NewEngine(favorites, client, nil)
//	defer engine.Close()
//
//	session := prefsync.NewSessionHolder()
//	engine.Attach(session)
//	session.SignIn(prefsync.Identity{UserID: "u-1", Token: token})
//
//	favorites.Toggle("product-42")
package prefsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the favorites API. It implements Remote.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a favorites API client rooted at baseURL.
// An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root the client was configured with.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Favorites API
// ============================================================================

// List returns the product ids favorited by id.
func (c *Client) List(ctx context.Context, id Identity) ([]string, error) {
	result, err := c.doRequest(ctx, http.MethodGet, "/favorites", id)
	if err != nil {
		return nil, err
	}
	var productIDs []string
	if len(result.Data) != 0 {
		if err := json.Unmarshal(result.Data, &productIDs); err != nil {
			return nil, errors.Wrap(err, "decoding favorites list")
		}
	}
	return productIDs, nil
}

// Create favorites productID for id. It succeeds whether or not the
// favorite already existed.
func (c *Client) Create(ctx context.Context, id Identity, productID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/favorites/"+url.PathEscape(productID), id)
	return err
}

// Delete removes productID from id's favorites. It succeeds whether or not
// the favorite existed.
func (c *Client) Delete(ctx context.Context, id Identity, productID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/favorites/"+url.PathEscape(productID), id)
	return err
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, id Identity) (*Result, error) {
	if id.Token == "" {
		return nil, ErrAuthRequired
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+id.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s %s response", method, path)
	}
	return decodeResult(resp.StatusCode, body)
}

func decodeResult(status int, body []byte) (*Result, error) {
	var result Result
	if len(bytes.TrimSpace(body)) != 0 {
		if err := json.Unmarshal(body, &result); err != nil && status < 300 {
			return nil, errors.Wrap(err, "decoding response")
		}
	}

	switch {
	case status == http.StatusUnauthorized:
		return nil, ErrAuthRequired
	case status >= 300:
		apiErr := &APIError{Status: status, Code: "HTTP_ERROR", Message: http.StatusText(status)}
		if result.Error != nil {
			apiErr.Code, apiErr.Message = result.Error.Code, result.Error.Message
		}
		return nil, apiErr
	}
	return &result, nil
}
