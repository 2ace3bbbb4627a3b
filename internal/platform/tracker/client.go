// Package tracker is the HTTP client for the DHIS2-style tracker API.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the connection settings. BaseURL is the API root, for example
// https://tracker.example.org/api.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

type Client struct {
	baseURL  *url.URL
	username string
	password string
	http     *http.Client
	logger   zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse tracker url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("tracker url %q must be absolute", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  base,
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "tracker").Logger(),
	}, nil
}

// Ping checks the API is reachable with the configured credentials.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "system/info", nil, nil, nil)
}

// CreateOrUpdatePerson posts a tracked entity; an existing id is updated.
func (c *Client) CreateOrUpdatePerson(ctx context.Context, te TrackedEntity) (*WebMessage, error) {
	var msg WebMessage
	q := url.Values{"strategy": {"CREATE_AND_UPDATE"}}
	if err := c.do(ctx, http.MethodPost, "trackedEntityInstances", q, te, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) CreateEnrollment(ctx context.Context, e Enrollment) (*WebMessage, error) {
	var msg WebMessage
	if err := c.do(ctx, http.MethodPost, "enrollments", nil, e, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) CreateEvent(ctx context.Context, e Event) (*WebMessage, error) {
	var msg WebMessage
	if err := c.do(ctx, http.MethodPost, "events", nil, e, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateEventValues sets one data value on an existing event. The event body
// carries only that value.
func (c *Client) UpdateEventValues(ctx context.Context, e Event, dataElement, value string) (*WebMessage, error) {
	e.DataValues = []DataValue{{DataElement: dataElement, Value: value}}
	path := "events/" + url.PathEscape(e.Event) + "/" + url.PathEscape(dataElement)
	var msg WebMessage
	if err := c.do(ctx, http.MethodPut, path, nil, e, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// FetchCatalog reads a metadata collection unpaged and returns its items.
func (c *Client) FetchCatalog(ctx context.Context, q CatalogQuery) ([]json.RawMessage, error) {
	params := url.Values{"paging": {"false"}}
	if q.Fields != "" {
		params.Set("fields", q.Fields)
	}
	for _, f := range q.Filter {
		params.Add("filter", f)
	}
	if q.Level > 0 {
		params.Set("level", strconv.Itoa(q.Level))
	}

	var body map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, q.Resource+".json", params, nil, &body); err != nil {
		return nil, err
	}
	raw, ok := body[q.Resource]
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", q.Resource, err)
	}
	return items, nil
}

// GenerateIDs asks the target system for n fresh identifiers.
func (c *Client) GenerateIDs(ctx context.Context, n int) ([]string, error) {
	var body struct {
		Codes []string `json:"codes"`
	}
	q := url.Values{"limit": {strconv.Itoa(n)}}
	if err := c.do(ctx, http.MethodGet, "system/id", q, nil, &body); err != nil {
		return nil, err
	}
	return body.Codes, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	u := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("tracker call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError(method, path, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
