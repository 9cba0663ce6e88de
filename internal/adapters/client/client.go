// Package client talks to a running shiftsync server over its REST API and push stream.
package client

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
	"time"

	"github.com/hylla/shiftsync/internal/app"
	"github.com/hylla/shiftsync/internal/domain"
)

// DefaultAPIPath is the REST prefix the server mounts by default.
const DefaultAPIPath = "/api/v1"

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

// RemoteError is one structured failure returned by the server.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
	Hint       string
}

// Error implements error.
func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps stable error codes back onto local sentinels.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case "not_found":
		return app.ErrNotFound
	case "already_clocked_in":
		return domain.ErrAlreadyClockedIn
	case "no_open_session":
		return domain.ErrNoOpenSession
	case "invalid_transition":
		return domain.ErrInvalidTransition
	case "out_of_range":
		return domain.ErrOutOfRange
	case "invalid_coordinates":
		return domain.ErrInvalidCoordinates
	case "invalid_request":
		return domain.ErrValidation
	default:
		return nil
	}
}

// Client is a REST and stream client for one server.
type Client struct {
	base       *url.URL
	apiPath    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithAPIPath overrides the REST prefix.
func WithAPIPath(path string) Option {
	return func(c *Client) {
		path = strings.Trim(strings.TrimSpace(path), "/")
		if path != "" {
			c.apiPath = "/" + path
		}
	}
}

// New builds a client for the server at baseURL, for example "http://127.0.0.1:8420".
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("server url %q: host is required", baseURL)
	}
	c := &Client{
		base:       base,
		apiPath:    DefaultAPIPath,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// apiURL joins the API prefix and elements onto the base URL.
func (c *Client) apiURL(query url.Values, elem ...string) string {
	u := *c.base
	parts := append([]string{strings.TrimSuffix(u.Path, "/"), c.apiPath}, elem...)
	u.Path = strings.Join(parts, "/")
	u.Path = "/" + strings.TrimLeft(strings.ReplaceAll(u.Path, "//", "/"), "/")
	u.RawQuery = query.Encode()
	return u.String()
}

// Snapshot fetches the full live status table.
func (c *Client) Snapshot(ctx context.Context) ([]domain.LiveStatus, error) {
	var resp liveStatusResponse
	if err := c.getJSON(ctx, c.apiURL(nil, "live_status"), &resp); err != nil {
		return nil, err
	}
	return resp.Statuses, nil
}

// EmployeeSnapshot fetches one employee's live status.
func (c *Client) EmployeeSnapshot(ctx context.Context, employeeID string) (domain.LiveStatus, error) {
	var resp liveStatusResponse
	if err := c.getJSON(ctx, c.apiURL(url.Values{"employee_id": {employeeID}}, "live_status"), &resp); err != nil {
		return domain.LiveStatus{}, err
	}
	if len(resp.Statuses) == 0 {
		return domain.LiveStatus{EmployeeID: employeeID, Status: domain.PresenceOffline}, nil
	}
	return resp.Statuses[0], nil
}

// ListDeadLetters fetches up to limit dead letters, newest first.
func (c *Client) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var resp deadLetterResponse
	if err := c.getJSON(ctx, c.apiURL(query, "dead_letters"), &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

type liveStatusResponse struct {
	AsOf     time.Time           `json:"as_of"`
	Statuses []domain.LiveStatus `json:"statuses"`
}

type deadLetterResponse struct {
	DeadLetters []domain.DeadLetter `json:"dead_letters"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Hint    string `json:"hint"`
	} `json:"error"`
}

func (c *Client) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// decodeResponse decodes a 2xx body into out or turns the error envelope into a RemoteError.
func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
		}
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &RemoteError{StatusCode: resp.StatusCode, Message: "cannot read server message: " + err.Error()}
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code == "" {
		return &RemoteError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return &RemoteError{
		StatusCode: resp.StatusCode,
		Code:       envelope.Error.Code,
		Message:    envelope.Error.Message,
		Hint:       envelope.Error.Hint,
	}
}

// IsRemoteCode reports whether err is a RemoteError carrying code.
func IsRemoteCode(err error, code string) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Code == code
}
