// Package airtable is a client for the Airtable REST API, covering the
// base metadata and record operations the tool layer needs. Requests
// are paced to Airtable's documented per-token limit and retried on
// rate limiting and transport failures only; API-level rejections are
// returned as typed errors immediately.
package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	// BaseURL is the Airtable API root.
	BaseURL = "https://api.airtable.com"

	// requestsPerSecond is Airtable's documented per-token rate limit.
	requestsPerSecond = 5

	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultBackoff    = time.Second
)

// TokenSource supplies a valid access token for each request. Token is
// called before every request, so implementations are expected to
// refresh expiring tokens themselves.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to the TokenSource interface.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Config holds Airtable API client configuration.
type Config struct {
	// Tokens supplies access tokens. Required.
	Tokens TokenSource
	// BaseURL overrides the API root, for tests. Defaults to BaseURL.
	BaseURL string
	// HTTPClient used for API calls. Defaults to a client with a
	// 30 second timeout.
	HTTPClient *http.Client
	// MaxRetries bounds retries on rate limiting and transport
	// failures. Defaults to 3.
	MaxRetries int
	// Logger for request diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client is an Airtable API client. Safe for concurrent use.
type Client struct {
	tokens     TokenSource
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// New creates an Airtable API client.
func New(cfg Config) (*Client, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = BaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		tokens:     cfg.Tokens,
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		maxRetries: maxRetries,
		backoff:    defaultBackoff,
		logger:     logger,
	}, nil
}

// ============================================================
// Metadata operations
// ============================================================

// ListBases lists every base the authorized token can see, following
// pagination to completion.
func (c *Client) ListBases(ctx context.Context) ([]Base, error) {
	var all []Base
	offset := ""
	for {
		q := url.Values{}
		if offset != "" {
			q.Set("offset", offset)
		}
		var resp listBasesResponse
		if err := c.do(ctx, http.MethodGet, "/v0/meta/bases", q, nil, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Bases...)
		if resp.Offset == "" {
			return all, nil
		}
		offset = resp.Offset
	}
}

// BaseSchema returns the table definitions of a base.
func (c *Client) BaseSchema(ctx context.Context, baseID string) ([]Table, error) {
	var resp baseSchemaResponse
	path := fmt.Sprintf("/v0/meta/bases/%s/tables", url.PathEscape(baseID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tables, nil
}

// ============================================================
// Record operations
// ============================================================

// ListRecords lists records from a table, following pagination until
// exhausted or opts.MaxRecords is reached.
func (c *Client) ListRecords(ctx context.Context, baseID, table string, opts *ListRecordsOptions) ([]Record, error) {
	var all []Record
	offset := ""
	for {
		q := listQuery(opts)
		if offset != "" {
			q.Set("offset", offset)
		}
		var resp listRecordsResponse
		if err := c.do(ctx, http.MethodGet, recordsPath(baseID, table), q, nil, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Records...)
		if opts != nil && opts.MaxRecords > 0 && len(all) >= opts.MaxRecords {
			return all[:opts.MaxRecords], nil
		}
		if resp.Offset == "" {
			return all, nil
		}
		offset = resp.Offset
	}
}

// GetRecord fetches a single record by ID.
func (c *Client) GetRecord(ctx context.Context, baseID, table, recordID string) (*Record, error) {
	var rec Record
	path := recordsPath(baseID, table) + "/" + url.PathEscape(recordID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateRecords creates up to ten records in one call. typecast enables
// Airtable's automatic value coercion.
func (c *Client) CreateRecords(ctx context.Context, baseID, table string, fields []map[string]any, typecast bool) ([]Record, error) {
	req := writeRecordsRequest{Typecast: typecast}
	for _, f := range fields {
		req.Records = append(req.Records, RecordUpdate{Fields: f})
	}
	var resp writeRecordsResponse
	if err := c.do(ctx, http.MethodPost, recordsPath(baseID, table), nil, &req, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// UpdateRecords patches up to ten existing records in one call. Fields
// not named in each update are left untouched.
func (c *Client) UpdateRecords(ctx context.Context, baseID, table string, updates []RecordUpdate, typecast bool) ([]Record, error) {
	for _, u := range updates {
		if u.ID == "" {
			return nil, &ValidationError{Message: "record id is required for update"}
		}
	}
	req := writeRecordsRequest{Records: updates, Typecast: typecast}
	var resp writeRecordsResponse
	if err := c.do(ctx, http.MethodPatch, recordsPath(baseID, table), nil, &req, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// DeleteRecords deletes up to ten records and returns the IDs Airtable
// confirmed deleted.
func (c *Client) DeleteRecords(ctx context.Context, baseID, table string, recordIDs []string) ([]string, error) {
	q := url.Values{}
	for _, id := range recordIDs {
		q.Add("records[]", id)
	}
	var resp deleteRecordsResponse
	if err := c.do(ctx, http.MethodDelete, recordsPath(baseID, table), q, nil, &resp); err != nil {
		return nil, err
	}
	deleted := make([]string, 0, len(resp.Records))
	for _, r := range resp.Records {
		if r.Deleted {
			deleted = append(deleted, r.ID)
		}
	}
	return deleted, nil
}

// SearchRecords lists the records matching an Airtable formula. Any
// filter already present in opts is replaced by the formula.
func (c *Client) SearchRecords(ctx context.Context, baseID, table, formula string, opts *ListRecordsOptions) ([]Record, error) {
	merged := ListRecordsOptions{}
	if opts != nil {
		merged = *opts
	}
	merged.FilterByFormula = formula
	return c.ListRecords(ctx, baseID, table, &merged)
}

// ============================================================
// Request core
// ============================================================

func recordsPath(baseID, table string) string {
	return "/v0/" + url.PathEscape(baseID) + "/" + url.PathEscape(table)
}

// listQuery encodes ListRecordsOptions the way the Airtable API expects:
// fields as repeated fields[] parameters and sorts as indexed
// sort[i][field] / sort[i][direction] pairs.
func listQuery(opts *ListRecordsOptions) url.Values {
	q := url.Values{}
	if opts == nil {
		return q
	}
	if opts.MaxRecords > 0 {
		q.Set("maxRecords", strconv.Itoa(opts.MaxRecords))
	}
	if opts.FilterByFormula != "" {
		q.Set("filterByFormula", opts.FilterByFormula)
	}
	if opts.View != "" {
		q.Set("view", opts.View)
	}
	for _, f := range opts.Fields {
		q.Add("fields[]", f)
	}
	for i, s := range opts.Sort {
		q.Set(fmt.Sprintf("sort[%d][field]", i), s.Field)
		if s.Direction != "" {
			q.Set(fmt.Sprintf("sort[%d][direction]", i), s.Direction)
		}
	}
	if opts.CellFormat != "" {
		q.Set("cellFormat", opts.CellFormat)
	}
	if opts.TimeZone != "" {
		q.Set("timeZone", opts.TimeZone)
	}
	if opts.UserLocale != "" {
		q.Set("userLocale", opts.UserLocale)
	}
	return q
}

// do performs one API call with authentication, pacing, and bounded
// retries. Only 429 responses and transport failures are retried; every
// other non-2xx status maps to a typed error and returns immediately.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &AuthError{Message: err.Error()}
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return &APIError{Message: "failed to encode request body: " + err.Error()}
		}
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return &APIError{Message: "failed to build request: " + err.Error()}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("Airtable request failed",
				"method", method, "path", path, "attempt", attempt+1, "error", err)
			if attempt < c.maxRetries {
				if err := sleepCtx(ctx, c.backoff<<attempt); err != nil {
					return err
				}
				continue
			}
			break
		}

		apiErr := c.checkStatus(resp, path)
		if apiErr == nil {
			defer resp.Body.Close()
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return &APIError{Message: "failed to decode response: " + err.Error()}
			}
			return nil
		}

		var rle *RateLimitError
		if errors.As(apiErr, &rle) && attempt < c.maxRetries {
			wait := rle.RetryAfter
			if wait <= 0 {
				wait = c.backoff << attempt
			}
			c.logger.Warn("Airtable rate limited", "path", path, "wait", wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			lastErr = apiErr
			continue
		}
		return apiErr
	}
	return &APIError{Message: fmt.Sprintf("request failed after %d attempts: %v", c.maxRetries+1, lastErr)}
}

// checkStatus maps a non-2xx response to its typed error, consuming the
// body. Returns nil for successful responses, leaving the body open.
func (c *Client) checkStatus(resp *http.Response, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Message: "token rejected by Airtable"}
	case http.StatusNotFound:
		return &NotFoundError{Resource: path}
	case http.StatusUnprocessableEntity:
		return &ValidationError{Message: string(body)}
	case http.StatusTooManyRequests:
		var retryAfter time.Duration
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
		return &RateLimitError{RetryAfter: retryAfter}
	default:
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    "request failed",
			Body:       string(body),
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
