// Package rest implements transport.Fetcher over the backend's HTTP record
// API: /api/collections/{name}/records.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
	"github.com/Kaffe-diem/kaffediem/internal/transport"
)

// DefaultPerPage is the page size requested when listing.
const DefaultPerPage = 500

// maxErrorBody caps how much of a failed response is kept in StatusError.
const maxErrorBody = 4096

// Client is a REST Fetcher.
type Client struct {
	base    *url.URL
	http    *http.Client
	perPage int
	token   string
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.http.Timeout = d }
}

// WithPerPage sets the list page size.
func WithPerPage(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.perPage = n
		}
	}
}

// WithToken sends an Authorization header obtained from the session layer.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New returns a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	c := &Client{
		base:    u,
		http:    &http.Client{Timeout: 60 * time.Second},
		perPage: DefaultPerPage,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) recordsURL(collection string, id ir.RecordID) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/api/collections/" + url.PathEscape(collection) + "/records"
	if id != "" {
		u.Path += "/" + url.PathEscape(string(id))
	}
	return u.String()
}

type listPage struct {
	Page       int               `json:"page"`
	TotalPages int               `json:"totalPages"`
	Items      []json.RawMessage `json:"items"`
}

// List fetches every page of matching records.
func (c *Client) List(ctx context.Context, collection string, q transport.Query) ([]json.RawMessage, error) {
	var all []json.RawMessage
	for page := 1; ; page++ {
		params := q.Values()
		params.Set("page", strconv.Itoa(page))
		params.Set("perPage", strconv.Itoa(c.perPage))

		body, err := c.do(ctx, http.MethodGet, c.recordsURL(collection, "")+"?"+params.Encode(), "", nil)
		if err != nil {
			return nil, err
		}
		var p listPage
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode %s list: %w", collection, err)
		}
		all = append(all, p.Items...)

		// Servers without pagination metadata return everything at once.
		if p.TotalPages <= page || len(p.Items) == 0 {
			break
		}
	}
	if all == nil {
		all = []json.RawMessage{}
	}
	return all, nil
}

// Create posts a new record.
func (c *Client) Create(ctx context.Context, collection string, p codec.Payload) (json.RawMessage, error) {
	ct, body, err := p.Body()
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, c.recordsURL(collection, ""), ct, body)
	if err != nil {
		return nil, err
	}
	return optionalRecord(resp), nil
}

// Update patches an existing record.
func (c *Client) Update(ctx context.Context, collection string, id ir.RecordID, p codec.Payload) (json.RawMessage, error) {
	ct, body, err := p.Body()
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPatch, c.recordsURL(collection, id), ct, body)
	if err != nil {
		return nil, err
	}
	return optionalRecord(resp), nil
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, collection string, id ir.RecordID) error {
	_, err := c.do(ctx, http.MethodDelete, c.recordsURL(collection, id), "", nil)
	return err
}

// optionalRecord returns nil for empty bodies so callers fall back to the
// change event.
func optionalRecord(body []byte) json.RawMessage {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return json.RawMessage(body)
}

func (c *Client) do(ctx context.Context, method, target, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, target, err)
	}

	c.logger.Debug("backend request",
		"method", method,
		"url", target,
		"status", resp.StatusCode,
		"request_id", req.Header.Get("X-Request-Id"),
		"elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &transport.StatusError{
			Method: method,
			URL:    target,
			Code:   resp.StatusCode,
			Body:   string(data),
		}
	}
	return data, nil
}
