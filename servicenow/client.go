package servicenow

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

	"github.com/sirupsen/logrus"

	"nowbridge.evalgo.org/common"
)

// Config contains upstream connection settings.
type Config struct {
	InstanceURL   string
	Username      string
	Password      string
	Timeout       time.Duration
	RetryMax      int
	RetryInterval time.Duration
}

// Client is a REST client for the upstream Table API. All calls use
// basic authentication and retry transparently on 429 and 5xx
// responses with exponential backoff.
type Client struct {
	baseURL       string
	username      string
	password      string
	httpClient    *http.Client
	retryMax      int
	retryInterval time.Duration
	log           *common.ContextLogger
}

// Query describes one paged Table API request.
type Query struct {
	// Query is the encoded sysparm_query expression
	Query string

	// Fields restricts the returned columns (empty returns all)
	Fields []string

	// Limit is the page size (default 50)
	Limit int

	// Offset is the pagination offset
	Offset int

	// DisplayValue requests {value, display_value} containers
	DisplayValue bool
}

// NewClient creates a Table API client. The instance URL is validated
// up front so misconfiguration fails at startup, not mid-sync.
func NewClient(cfg Config, logger *logrus.Logger) (*Client, error) {
	if cfg.InstanceURL == "" {
		return nil, fmt.Errorf("servicenow: instance URL is required")
	}
	if _, err := url.Parse(cfg.InstanceURL); err != nil {
		return nil, fmt.Errorf("servicenow: invalid instance URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.InstanceURL, "/"),
		username:      cfg.Username,
		password:      cfg.Password,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		retryMax:      cfg.RetryMax,
		retryInterval: cfg.RetryInterval,
		log:           common.NewContextLogger(logger, map[string]interface{}{"component": "servicenow"}),
	}, nil
}

// GetRecords fetches one page of records from a table.
func (c *Client) GetRecords(ctx context.Context, table string, q Query) ([]Record, error) {
	if table == "" {
		return nil, fmt.Errorf("servicenow: table is required")
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}

	params := url.Values{}
	if q.Query != "" {
		params.Set("sysparm_query", q.Query)
	}
	if len(q.Fields) > 0 {
		params.Set("sysparm_fields", strings.Join(q.Fields, ","))
	}
	params.Set("sysparm_limit", strconv.Itoa(q.Limit))
	params.Set("sysparm_offset", strconv.Itoa(q.Offset))
	if q.DisplayValue {
		params.Set("sysparm_display_value", "all")
	}

	endpoint := fmt.Sprintf("%s/api/now/table/%s?%s", c.baseURL, url.PathEscape(table), params.Encode())

	var envelope struct {
		Result []Record `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Result, nil
}

// GetRecord fetches a single record by sys_id.
func (c *Client) GetRecord(ctx context.Context, table, sysID string) (Record, error) {
	if table == "" || sysID == "" {
		return nil, fmt.Errorf("servicenow: table and sys_id are required")
	}

	endpoint := fmt.Sprintf("%s/api/now/table/%s/%s", c.baseURL, url.PathEscape(table), url.PathEscape(sysID))

	var envelope struct {
		Result Record `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Result, nil
}

// UpdateRecord applies a partial update to a record and returns the
// updated row.
func (c *Client) UpdateRecord(ctx context.Context, table, sysID string, fields map[string]interface{}) (Record, error) {
	if table == "" || sysID == "" {
		return nil, fmt.Errorf("servicenow: table and sys_id are required")
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("servicenow: update requires at least one field")
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("servicenow: encode update: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/now/table/%s/%s", c.baseURL, url.PathEscape(table), url.PathEscape(sysID))

	var envelope struct {
		Result Record `json:"result"`
	}
	if err := c.doBody(ctx, http.MethodPatch, endpoint, body, &envelope); err != nil {
		return nil, err
	}
	return envelope.Result, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	return c.doBody(ctx, method, endpoint, body, out)
}

// doBody executes a request with retry on 429 and 5xx. Client errors
// (4xx other than 429) are returned immediately.
func (c *Client) doBody(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	var lastErr error
	attempts := c.retryMax + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := c.retryInterval * time.Duration(1<<uint(attempt-1))
			c.log.Warnf("retrying %s %s in %s (attempt %d/%d)", method, endpoint, backoff, attempt+1, attempts)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.doOnce(ctx, method, endpoint, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		reqErr, ok := err.(*RequestError)
		if !ok {
			// Transport errors are retried.
			continue
		}
		if reqErr.StatusCode != http.StatusTooManyRequests && reqErr.StatusCode < 500 {
			return err
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("servicenow: build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("servicenow: %s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("servicenow: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(raw)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return &RequestError{
			StatusCode: resp.StatusCode,
			Method:     method,
			URL:        endpoint,
			Body:       strings.TrimSpace(snippet),
		}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("servicenow: decode response: %w", err)
		}
	}
	return nil
}
