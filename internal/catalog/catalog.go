// Package catalog queries the upstream listing API for the latest items of
// a category.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/hazyhaar/flmw/horosafe"
)

// ListingPath is the upstream listing endpoint.
const ListingPath = "/api.php"

// DefaultCategories are the categories refreshed by the prefetch job.
var DefaultCategories = []int{6, 26, 20, 4, 19, 1, 21, 27, 23}

// Item is one listing entry. Fields flmw does not use are ignored.
type Item struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// UnmarshalJSON accepts the id as a JSON number or a numeric string.
func (it *Item) UnmarshalJSON(data []byte) error {
	type plain Item
	var raw struct {
		plain
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*it = Item(raw.plain)
	if raw.ID == "" {
		return nil
	}
	id, err := raw.ID.Int64()
	if err != nil {
		return fmt.Errorf("catalog: item id %q: %w", raw.ID, err)
	}
	it.ID = id
	return nil
}

// StatusError is returned for non-2xx listing responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return "catalog: statusCode=" + strconv.Itoa(e.Code)
}

// Config configures the client.
type Config struct {
	BaseURL    string
	User       string
	Passkey    string
	Timeout    time.Duration // Default: 30s.
	MaxBytes   int64         // Default: horosafe.MaxResponseBody.
	Attempts   uint          // Per Latest call. Default: 3.
	RetryDelay time.Duration // Base backoff between attempts. Default: 500ms.
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = horosafe.MaxResponseBody
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
}

// retryable reports whether a failed Latest call is worth repeating:
// transport errors and 5xx responses are, anything else is not.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	var de *bodyError
	return !errors.As(err, &de)
}

type bodyError struct{ err error }

func (e *bodyError) Error() string { return "catalog: body: " + e.err.Error() }
func (e *bodyError) Unwrap() error { return e.err }

// Client calls the listing API.
type Client struct {
	client *http.Client
	config Config
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
	}
}

// Latest returns up to limit newest items of category. Transport errors
// and 5xx responses are retried with backoff.
func (c *Client) Latest(ctx context.Context, category, limit int) ([]Item, error) {
	return retry.DoWithData(
		func() ([]Item, error) { return c.latest(ctx, category, limit) },
		retry.Context(ctx),
		retry.Attempts(c.config.Attempts),
		retry.Delay(c.config.RetryDelay),
		retry.RetryIf(retryable),
		retry.LastErrorOnly(true),
	)
}

func (c *Client) latest(ctx context.Context, category, limit int) ([]Item, error) {
	q := url.Values{}
	q.Set("username", c.config.User)
	q.Set("passkey", c.config.Passkey)
	q.Set("action", "latest-torrents")
	q.Set("category", strconv.Itoa(category))
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+ListingPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: get latest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := horosafe.LimitedReadAll(resp.Body, c.config.MaxBytes)
	if err != nil {
		return nil, &bodyError{err}
	}
	var items []Item
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &bodyError{err}
	}
	return items, nil
}

// IDs returns the ids of items in order.
func IDs(items []Item) []int64 {
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}
