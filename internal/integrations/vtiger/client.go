package vtiger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// Vtiger caps query results at 100 records per page.
	pageSize = 100
	// Safety bound for QueryAll pagination.
	maxRecords = 10000
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("vtiger: record not found")

// credentials is the JSON shape stored in SSM for Vtiger access.
type credentials struct {
	BaseURL   string `json:"base_url"`
	Username  string `json:"username"`
	AccessKey string `json:"access_key"`
}

// Getter resolves configuration parameters, satisfied by paramstore.Client.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("vtiger: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// APIError is a Vtiger API-level failure. The REST API answers HTTP 200
// with success=false for these, so they are distinct from transport errors.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vtiger: api error (%s): %s", e.Code, e.Message)
}

// queryResponse is the envelope of every Vtiger REST response.
type queryResponse struct {
	Success bool              `json:"success"`
	Result  []json.RawMessage `json:"result"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Contact is the normalized contact shape consumed by the coordinator.
type Contact struct {
	ID           string
	Name         string
	Email        string
	Phone        string
	LeadScore    int
	Status       string
	LastActivity string
}

// Client is a focused client for the Vtiger CRM REST API, authenticated
// with HTTP Basic auth (username + access key).
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	credOnce sync.Once
	creds    credentials
	credErr  error
}

type Option func(*Client)

// WithBaseURL overrides the instance URL resolved from the parameter store.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client backed by the given paramstore getter for
// credential retrieval. Credentials are fetched on first use and reused
// for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("vtiger: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("vtiger: parameter prefix must not be empty")
	}
	c := &Client{
		getter:      ps,
		paramPrefix: paramPrefix,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveCredentials(ctx context.Context) (credentials, error) {
	c.credOnce.Do(func() {
		raw, err := c.getter.GetParameter(ctx, c.paramPrefix+"/vtiger-credentials")
		if err != nil {
			c.credErr = fmt.Errorf("vtiger: fetch credentials from paramstore: %w", err)
			return
		}
		if err := json.Unmarshal([]byte(raw), &c.creds); err != nil {
			c.credErr = fmt.Errorf("vtiger: unmarshal credentials: %w", err)
			return
		}
		if c.baseURL != "" {
			c.creds.BaseURL = c.baseURL
		}
		c.creds.BaseURL = strings.TrimRight(strings.TrimSpace(c.creds.BaseURL), "/")
		if c.creds.BaseURL == "" || c.creds.Username == "" || c.creds.AccessKey == "" {
			c.credErr = errors.New("vtiger: incomplete credentials")
		}
	})
	return c.creds, c.credErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Query executes one page of a VQL query.
func (c *Client) Query(ctx context.Context, vql string) ([]json.RawMessage, error) {
	creds, err := c.resolveCredentials(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := creds.BaseURL + "/query?query=" + url.QueryEscape(vql)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("vtiger: create request: %w", err)
	}
	req.SetBasicAuth(creds.Username, creds.AccessKey)
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.doJSONRequest(req, endpoint)
	if err != nil {
		return nil, err
	}

	var payload queryResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("vtiger: decode response: %w", err)
	}
	if !payload.Success {
		code := payload.Error.Code
		if code == "" {
			code = "VTIGER_UNKNOWN_ERROR"
		}
		return nil, &APIError{Code: code, Message: payload.Error.Message}
	}
	return payload.Result, nil
}

// QueryAll pages through a VQL query without LIMIT/OFFSET clauses and
// returns every matching record, bounded by the 10 000-record safety cap.
func (c *Client) QueryAll(ctx context.Context, baseQuery string) ([]json.RawMessage, error) {
	baseQuery = strings.TrimRight(strings.TrimSpace(baseQuery), ";")

	var all []json.RawMessage
	for offset := 0; offset < maxRecords; offset += pageSize {
		paged := fmt.Sprintf("%s LIMIT %d, %d;", baseQuery, offset, pageSize)
		page, err := c.Query(ctx, paged)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
	return all, nil
}

// RetrieveContactByEmail looks up a single contact by email address.
func (c *Client) RetrieveContactByEmail(ctx context.Context, email string) (Contact, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Contact{}, errors.New("vtiger: email must not be empty")
	}

	vql := fmt.Sprintf("SELECT * FROM Contacts WHERE email = '%s' LIMIT 1;", escapeVQL(email))
	records, err := c.Query(ctx, vql)
	if err != nil {
		return Contact{}, err
	}
	if len(records) == 0 {
		return Contact{}, ErrNotFound
	}
	return parseContact(records[0])
}

// UpdateLeadScore updates a contact's lead score. Score must be 0..100.
func (c *Client) UpdateLeadScore(ctx context.Context, recordID string, score int) error {
	if recordID == "" {
		return errors.New("vtiger: record id must not be empty")
	}
	if score < 0 || score > 100 {
		return fmt.Errorf("vtiger: lead score %d out of range 0..100", score)
	}

	creds, err := c.resolveCredentials(ctx)
	if err != nil {
		return err
	}

	element, err := json.Marshal(map[string]any{
		"id":            recordID,
		"cf_lead_score": score,
	})
	if err != nil {
		return fmt.Errorf("vtiger: marshal element: %w", err)
	}
	body, err := json.Marshal(map[string]string{
		"operation": "update",
		"element":   string(element),
	})
	if err != nil {
		return fmt.Errorf("vtiger: marshal request: %w", err)
	}

	endpoint := creds.BaseURL + "/update"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("vtiger: create request: %w", err)
	}
	req.SetBasicAuth(creds.Username, creds.AccessKey)
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.doJSONRequest(req, endpoint)
	if err != nil {
		return err
	}

	var payload struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("vtiger: decode response: %w", err)
	}
	if !payload.Success {
		code := payload.Error.Code
		if code == "" {
			code = "VTIGER_UNKNOWN_ERROR"
		}
		return &APIError{Code: code, Message: payload.Error.Message}
	}
	return nil
}

func (c *Client) doJSONRequest(req *http.Request, endpoint string) ([]byte, error) {
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("vtiger: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        endpoint,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("vtiger: read response body: %w", err)
	}
	return buf, nil
}

// parseContact maps a raw Vtiger record to the normalized Contact shape.
func parseContact(raw json.RawMessage) (Contact, error) {
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return Contact{}, fmt.Errorf("vtiger: decode contact record: %w", err)
	}

	contact := Contact{
		ID:           strField(record, "id"),
		Email:        strField(record, "email"),
		Phone:        strField(record, "phone"),
		Status:       strField(record, "contact_status"),
		LastActivity: strField(record, "modifiedtime"),
	}
	contact.Name = strings.TrimSpace(strField(record, "firstname") + " " + strField(record, "lastname"))
	if raw, ok := record["cf_lead_score"]; ok {
		contact.LeadScore = toInt(raw)
	}
	return contact, nil
}

func strField(record map[string]any, key string) string {
	if v, ok := record[key].(string); ok {
		return v
	}
	return ""
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err == nil {
			return parsed
		}
	}
	return 0
}

// escapeVQL escapes single quotes inside VQL string literals.
func escapeVQL(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
