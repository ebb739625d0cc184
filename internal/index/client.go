// SPDX-License-Identifier: MPL-2.0

package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"sync"
)

const (
	// DefaultURL is the public StackStorm Exchange index.
	DefaultURL = "https://index.stackstorm.org/v1/index.json"

	// maxIndexBytes caps the index document size.
	maxIndexBytes = 64 << 20
)

var (
	// ErrPackNotFound is returned when the index has no entry for a pack.
	ErrPackNotFound = errors.New("pack not found in index")
	// ErrNoRepoURL is returned for index entries without a repository URL.
	ErrNoRepoURL = errors.New("pack has no repository url")
)

type (
	// Pack is an index entry. Only the fields packwire consumes are decoded.
	Pack struct {
		Name        string   `json:"name"`
		Ref         string   `json:"ref"`
		RepoURL     string   `json:"repo_url"`
		Description string   `json:"description"`
		Version     string   `json:"version"`
		Keywords    []string `json:"keywords,omitempty"`
	}

	// Index is the decoded index document.
	Index struct {
		Packs    map[string]Pack `json:"packs"`
		Metadata struct {
			Generated string `json:"generated_ts"`
			Hash      string `json:"hash"`
		} `json:"metadata"`
	}

	// StatusError reports a non-200 response from the index server.
	StatusError struct {
		URL        string
		StatusCode int
	}

	// ClientOption configures a Client.
	ClientOption func(*Client)

	// Client fetches and caches the pack index.
	Client struct {
		httpClient *http.Client
		url        string
		userAgent  string

		mu     sync.Mutex
		cached *Index
	}
)

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetching index %s: unexpected status %d", redactURL(e.URL), e.StatusCode)
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithURL overrides the index location.
func WithURL(u string) ClientOption {
	return func(cl *Client) {
		if u != "" {
			cl.url = u
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(cl *Client) {
		cl.userAgent = ua
	}
}

// NewClient creates an index client. Nothing is fetched until first use.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		url:        DefaultURL,
		userAgent:  "packwire/dev",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the index location.
func (c *Client) URL() string {
	return c.url
}

// Index returns the index document, fetching it on first use. Failed fetches
// are not cached.
func (c *Client) Index(ctx context.Context) (*Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil {
		return c.cached, nil
	}

	idx, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.cached = idx
	return idx, nil
}

// Reset drops the cached index so the next lookup fetches it again.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}

// Pack looks up a pack by name.
func (c *Client) Pack(ctx context.Context, name string) (*Pack, error) {
	idx, err := c.Index(ctx)
	if err != nil {
		return nil, err
	}

	p, ok := idx.Packs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPackNotFound, name)
	}
	if p.Name == "" {
		p.Name = name
	}
	if p.RepoURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoRepoURL, name)
	}
	return &p, nil
}

// Names returns the sorted pack names in the index.
func (c *Client) Names(ctx context.Context) ([]string, error) {
	idx, err := c.Index(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(idx.Packs)), nil
}

// Dir is the directory name a pack is checked out under.
func (p *Pack) Dir() string {
	if p.Ref != "" {
		return p.Ref
	}
	return p.Name
}

func (c *Client) fetch(ctx context.Context) (*Index, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating index request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching index %s: %w", redactURL(c.url), err)
	}
	defer func() { _ = resp.Body.Close() }() // read-only response body

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: c.url, StatusCode: resp.StatusCode}
	}

	var idx Index
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIndexBytes)).Decode(&idx); err != nil {
		return nil, fmt.Errorf("decoding index %s: %w", redactURL(c.url), err)
	}
	if idx.Packs == nil {
		idx.Packs = map[string]Pack{}
	}
	return &idx, nil
}

// redactURL strips credentials and query strings from u for error messages.
func redactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return "<invalid url>"
	}
	parsed.User = nil
	parsed.RawQuery = ""
	return parsed.String()
}
