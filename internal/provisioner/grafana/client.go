package grafana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/skyfleet/droneprov/internal/config"
	"github.com/skyfleet/droneprov/pkg/provision"
)

type Datasource struct {
	ID       int64                  `json:"id,omitempty"`
	UID      string                 `json:"uid,omitempty"`
	Name     string                 `json:"name"`
	Type     string                 `json:"type"`
	URL      string                 `json:"url"`
	Access   string                 `json:"access"`
	JSONData map[string]interface{} `json:"jsonData,omitempty"`
}

// HTTPError carries the status code so callers can treat 404 lookups as
// "absent" instead of failures.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

func IsNotFound(err error) bool {
	httpErr := &HTTPError{}

	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// Client is a minimal basic-auth client for the visualization tool API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      config.GrafanaCreds
}

func NewClient(conf config.Grafana, timeout time.Duration) *Client {
	return &Client{
		baseURL:    conf.URL,
		httpClient: &http.Client{Timeout: timeout},
		creds:      conf.Creds,
	}
}

// WaitReady polls the health endpoint with a bounded retry.
func (c *Client) WaitReady(ctx context.Context, wait provision.RetryConfig) error {
	err := retry.Do(
		func() error {
			return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
		},
		retry.Context(ctx),
		retry.Attempts(wait.MaxAttempt),
		retry.Delay(wait.Delay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("visualization tool did not become ready: %w", err)
	}

	return nil
}

func (c *Client) GetDatasourceByName(ctx context.Context, name string) (*Datasource, error) {
	ret := Datasource{}

	err := c.do(ctx, http.MethodGet, "/api/datasources/name/"+url.PathEscape(name), nil, &ret)
	if err != nil {
		return nil, err
	}

	return &ret, nil
}

func (c *Client) CreateDatasource(ctx context.Context, datasource Datasource) error {
	err := c.do(ctx, http.MethodPost, "/api/datasources", datasource, nil)
	if err != nil {
		return fmt.Errorf("failed to create datasource %s: %w", datasource.Name, err)
	}

	return nil
}

func (c *Client) UpdateDatasource(ctx context.Context, datasource Datasource) error {
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/datasources/%d", datasource.ID), datasource, nil)
	if err != nil {
		return fmt.Errorf("failed to update datasource %s: %w", datasource.Name, err)
	}

	return nil
}

// GetDashboardByUID returns the stored dashboard model, or an error
// satisfying IsNotFound.
func (c *Client) GetDashboardByUID(ctx context.Context, uid string) (map[string]interface{}, error) {
	ret := struct {
		Dashboard map[string]interface{} `json:"dashboard"`
	}{}

	err := c.do(ctx, http.MethodGet, "/api/dashboards/uid/"+url.PathEscape(uid), nil, &ret)
	if err != nil {
		return nil, err
	}

	return ret.Dashboard, nil
}

// UpsertDashboard saves the dashboard with overwrite semantics: the tool
// matches on uid/id and updates in place instead of duplicating.
func (c *Client) UpsertDashboard(ctx context.Context, dashboard map[string]interface{}) error {
	payload := map[string]interface{}{
		"dashboard": dashboard,
		"overwrite": true,
	}

	err := c.do(ctx, http.MethodPost, "/api/dashboards/db", payload, nil)
	if err != nil {
		return fmt.Errorf("failed to save dashboard: %w", err)
	}

	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.creds.Username, c.creds.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out == nil || len(data) == 0 {
		return nil
	}

	err = json.Unmarshal(data, out)
	if err != nil {
		return fmt.Errorf("failed to unmarshal response from %s: %w", path, err)
	}

	return nil
}
