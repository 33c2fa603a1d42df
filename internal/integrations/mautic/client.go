package mautic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a lookup matches no contact.
var ErrNotFound = errors.New("mautic: contact not found")

// credentials is the JSON shape stored in SSM for Mautic access.
type credentials struct {
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
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
	return fmt.Sprintf("mautic: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Contact is the normalized contact shape consumed by the coordinator.
type Contact struct {
	ID    int
	Email string
	Name  string
	Tags  []string
}

// Client is a focused client for the Mautic REST API using HTTP Basic auth.
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
		return nil, errors.New("mautic: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("mautic: parameter prefix must not be empty")
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
		raw, err := c.getter.GetParameter(ctx, c.paramPrefix+"/mautic-credentials")
		if err != nil {
			c.credErr = fmt.Errorf("mautic: fetch credentials from paramstore: %w", err)
			return
		}
		if err := json.Unmarshal([]byte(raw), &c.creds); err != nil {
			c.credErr = fmt.Errorf("mautic: unmarshal credentials: %w", err)
			return
		}
		if c.baseURL != "" {
			c.creds.BaseURL = c.baseURL
		}
		c.creds.BaseURL = strings.TrimRight(strings.TrimSpace(c.creds.BaseURL), "/")
		if c.creds.BaseURL == "" || c.creds.Username == "" || c.creds.Password == "" {
			c.credErr = errors.New("mautic: incomplete credentials")
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

// GetContactByEmail finds a contact via the search endpoint. Mautic has no
// direct lookup-by-email, so this uses search=email:<email> with limit 1.
func (c *Client) GetContactByEmail(ctx context.Context, email string) (Contact, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Contact{}, errors.New("mautic: email must not be empty")
	}

	creds, err := c.resolveCredentials(ctx)
	if err != nil {
		return Contact{}, err
	}

	query := url.Values{}
	query.Set("search", "email:"+email)
	query.Set("limit", "1")
	endpoint := creds.BaseURL + "/contacts?" + query.Encode()

	raw, err := c.getJSON(ctx, creds, endpoint)
	if err != nil {
		return Contact{}, err
	}

	var payload struct {
		Contacts map[string]struct {
			ID     int `json:"id"`
			Fields struct {
				All map[string]any `json:"all"`
			} `json:"fields"`
			Tags []struct {
				Tag string `json:"tag"`
			} `json:"tags"`
		} `json:"contacts"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Contact{}, fmt.Errorf("mautic: decode contacts response: %w", err)
	}
	if len(payload.Contacts) == 0 {
		return Contact{}, ErrNotFound
	}

	for _, entry := range payload.Contacts {
		contact := Contact{
			ID:    entry.ID,
			Email: strField(entry.Fields.All, "email"),
		}
		contact.Name = strings.TrimSpace(
			strField(entry.Fields.All, "firstname") + " " + strField(entry.Fields.All, "lastname"))
		for _, tag := range entry.Tags {
			contact.Tags = append(contact.Tags, tag.Tag)
		}
		return contact, nil
	}
	return Contact{}, ErrNotFound
}

// ContactSegments lists the segment names a contact belongs to, sorted for
// deterministic output.
func (c *Client) ContactSegments(ctx context.Context, contactID int) ([]string, error) {
	if contactID <= 0 {
		return nil, errors.New("mautic: contact id must be positive")
	}

	creds, err := c.resolveCredentials(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := creds.BaseURL + "/contacts/" + strconv.Itoa(contactID) + "/segments"
	raw, err := c.getJSON(ctx, creds, endpoint)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Lists map[string]struct {
			Name string `json:"name"`
		} `json:"lists"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("mautic: decode segments response: %w", err)
	}

	names := make([]string, 0, len(payload.Lists))
	for _, l := range payload.Lists {
		if l.Name != "" {
			names = append(names, l.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// AddTag adds a marketing tag to a contact.
func (c *Client) AddTag(ctx context.Context, contactID int, tag string) error {
	if contactID <= 0 {
		return errors.New("mautic: contact id must be positive")
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return errors.New("mautic: tag must not be empty")
	}

	creds, err := c.resolveCredentials(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string][]string{"tags": {tag}})
	if err != nil {
		return fmt.Errorf("mautic: marshal tag request: %w", err)
	}

	endpoint := creds.BaseURL + "/contacts/" + strconv.Itoa(contactID) + "/tags/add"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mautic: create request: %w", err)
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	_, err = c.doJSONRequest(req, endpoint)
	return err
}

func (c *Client) getJSON(ctx context.Context, creds credentials, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("mautic: create request: %w", err)
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	req.Header.Set("Accept", "application/json")
	return c.doJSONRequest(req, endpoint)
}

func (c *Client) doJSONRequest(req *http.Request, endpoint string) ([]byte, error) {
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("mautic: request failed: %w", err)
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
		return nil, fmt.Errorf("mautic: read response body: %w", err)
	}
	return buf, nil
}

func strField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}
