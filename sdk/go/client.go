package fleetsdk

import (
	"bytes"
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
)

// Client is a minimal fleet HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Licence struct {
	ID             int64     `json:"id"`
	IsHealthy      bool      `json:"isHealthy"`
	ExpirationDate time.Time `json:"expiration_date"`
	AffectedRobots []int64   `json:"affected_robots,omitempty"`
}

type Alimentation struct {
	ID               int64   `json:"id"`
	IsHealthy        bool    `json:"isHealthy"`
	AlimentationType string  `json:"alimentationType"`
	Capacity         int     `json:"capacity"`
	AffectedRobots   []int64 `json:"affected_robots,omitempty"`
}

type Guidage struct {
	ID             int64   `json:"id"`
	IsHealthy      bool    `json:"isHealthy"`
	AffectedRobots []int64 `json:"affected_robots,omitempty"`
}

type Robot struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	IsHealthy      bool   `json:"isHealthy"`
	Motor          string `json:"motor"`
	AlimentationID int64  `json:"alimentation_id"`
	GuidageID      int64  `json:"guidage_id"`
	LicenceID      int64  `json:"licence_id"`
	Consumption    int    `json:"consumption"`
}

// ReconcileSummary reports what a reconciliation pass changed.
type ReconcileSummary struct {
	RunID            string    `json:"run_id"`
	LicencesUpdated  int       `json:"licences_updated"`
	RobotsAffected   int       `json:"robots_affected"`
	RobotsDowngraded int       `json:"robots_downgraded"`
	RobotsRecovered  int       `json:"robots_recovered"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Principal struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

// ListOptions pages and filters list calls. A nil Healthy matches all.
type ListOptions struct {
	Skip    int
	Limit   int
	Healthy *bool
}

func (o ListOptions) values() url.Values {
	q := url.Values{}
	if o.Skip > 0 {
		q.Set("skip", strconv.Itoa(o.Skip))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Healthy != nil {
		q.Set("isHealthy", strconv.FormatBool(*o.Healthy))
	}
	return q
}

// RobotListOptions adds dependency filters to ListOptions.
type RobotListOptions struct {
	ListOptions
	AlimentationID int64
	GuidageID      int64
	LicenceID      int64
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsDependencyUnhealthy reports whether err is the 409 returned when a robot
// cannot be marked healthy.
func IsDependencyUnhealthy(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "dependency_unhealthy"
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) CreateLicence(ctx context.Context, expiration time.Time) (Licence, error) {
	var resp Licence
	err := c.do(ctx, http.MethodPost, "licences", map[string]any{"expiration_date": expiration.UTC()}, &resp)
	return resp, err
}

func (c *Client) GetLicence(ctx context.Context, id int64) (Licence, error) {
	var resp Licence
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("licences/%d", id), nil, &resp)
	return resp, err
}

func (c *Client) ListLicences(ctx context.Context, opts ListOptions) ([]Licence, error) {
	var resp []Licence
	err := c.do(ctx, http.MethodGet, withQuery("licences", opts.values()), nil, &resp)
	return resp, err
}

// SetLicenceStatus sets the licence flag. AffectedRobots lists the robots
// the cascade took down.
func (c *Client) SetLicenceStatus(ctx context.Context, id int64, healthy bool) (Licence, error) {
	var resp Licence
	err := c.do(ctx, http.MethodPut, statusPath("licences", id, healthy), nil, &resp)
	return resp, err
}

func (c *Client) CreateAlimentation(ctx context.Context, alimentationType string, capacity int, healthy bool) (Alimentation, error) {
	body := map[string]any{
		"alimentationType": alimentationType,
		"capacity":         capacity,
		"isHealthy":        healthy,
	}
	var resp Alimentation
	err := c.do(ctx, http.MethodPost, "alimentations", body, &resp)
	return resp, err
}

func (c *Client) GetAlimentation(ctx context.Context, id int64) (Alimentation, error) {
	var resp Alimentation
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("alimentations/%d", id), nil, &resp)
	return resp, err
}

func (c *Client) ListAlimentations(ctx context.Context, opts ListOptions) ([]Alimentation, error) {
	var resp []Alimentation
	err := c.do(ctx, http.MethodGet, withQuery("alimentations", opts.values()), nil, &resp)
	return resp, err
}

func (c *Client) SetAlimentationStatus(ctx context.Context, id int64, healthy bool) (Alimentation, error) {
	var resp Alimentation
	err := c.do(ctx, http.MethodPut, statusPath("alimentations", id, healthy), nil, &resp)
	return resp, err
}

func (c *Client) CreateGuidage(ctx context.Context, healthy bool) (Guidage, error) {
	var resp Guidage
	err := c.do(ctx, http.MethodPost, "guidages", map[string]any{"isHealthy": healthy}, &resp)
	return resp, err
}

func (c *Client) GetGuidage(ctx context.Context, id int64) (Guidage, error) {
	var resp Guidage
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("guidages/%d", id), nil, &resp)
	return resp, err
}

func (c *Client) ListGuidages(ctx context.Context, opts ListOptions) ([]Guidage, error) {
	var resp []Guidage
	err := c.do(ctx, http.MethodGet, withQuery("guidages", opts.values()), nil, &resp)
	return resp, err
}

func (c *Client) SetGuidageStatus(ctx context.Context, id int64, healthy bool) (Guidage, error) {
	var resp Guidage
	err := c.do(ctx, http.MethodPut, statusPath("guidages", id, healthy), nil, &resp)
	return resp, err
}

// CreateRobot registers a robot. The returned health is derived from its
// dependencies and may differ from the requested one.
func (c *Client) CreateRobot(ctx context.Context, r Robot) (Robot, error) {
	body := map[string]any{
		"name":            r.Name,
		"isHealthy":       r.IsHealthy,
		"motor":           r.Motor,
		"alimentation_id": r.AlimentationID,
		"guidage_id":      r.GuidageID,
		"licence_id":      r.LicenceID,
	}
	var resp Robot
	err := c.do(ctx, http.MethodPost, "robots", body, &resp)
	return resp, err
}

func (c *Client) GetRobot(ctx context.Context, id int64) (Robot, error) {
	var resp Robot
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("robots/%d", id), nil, &resp)
	return resp, err
}

func (c *Client) ListRobots(ctx context.Context, opts RobotListOptions) ([]Robot, error) {
	q := opts.values()
	if opts.AlimentationID != 0 {
		q.Set("alimentation_id", strconv.FormatInt(opts.AlimentationID, 10))
	}
	if opts.GuidageID != 0 {
		q.Set("guidage_id", strconv.FormatInt(opts.GuidageID, 10))
	}
	if opts.LicenceID != 0 {
		q.Set("licence_id", strconv.FormatInt(opts.LicenceID, 10))
	}
	var resp []Robot
	err := c.do(ctx, http.MethodGet, withQuery("robots", q), nil, &resp)
	return resp, err
}

// SetRobotStatus marks a robot healthy or unhealthy. Raising a robot whose
// dependencies are unhealthy fails; see IsDependencyUnhealthy.
func (c *Client) SetRobotStatus(ctx context.Context, id int64, healthy bool) (Robot, error) {
	var resp Robot
	err := c.do(ctx, http.MethodPut, statusPath("robots", id, healthy), nil, &resp)
	return resp, err
}

// Reconcile runs a full reconciliation pass on the server.
func (c *Client) Reconcile(ctx context.Context) (ReconcileSummary, error) {
	var resp ReconcileSummary
	err := c.do(ctx, http.MethodPut, "robots/update_health_status", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

// Me returns the principal the server resolved for the client's credentials.
func (c *Client) Me(ctx context.Context) (Principal, error) {
	var resp Principal
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// DevLogin mints a token on servers started with dev login enabled and
// stores it as the client's bearer token.
func (c *Client) DevLogin(ctx context.Context, actorID string, permissions ...string) (string, error) {
	body := map[string]any{"actor_id": actorID}
	if len(permissions) > 0 {
		body["permissions"] = permissions
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

func statusPath(collection string, id int64, healthy bool) string {
	return fmt.Sprintf("%s/%d/status?status=%t", collection, id, healthy)
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
