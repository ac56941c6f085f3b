package thingsboard

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

const credentialsTypeAccessToken = "ACCESS_TOKEN"

type EntityID struct {
	EntityType string `json:"entityType"`
	ID         string `json:"id"`
}

type Device struct {
	ID   *EntityID `json:"id,omitempty"`
	Name string    `json:"name"`
	Type string    `json:"type,omitempty"`
}

type DeviceCredentials struct {
	ID              *CredentialsID `json:"id,omitempty"`
	DeviceID        EntityID       `json:"deviceId"`
	CredentialsType string         `json:"credentialsType"`
	CredentialsID   string         `json:"credentialsId"`
}

type CredentialsID struct {
	ID string `json:"id"`
}

type RuleChain struct {
	ID   *EntityID `json:"id,omitempty"`
	Name string    `json:"name"`
	Root bool      `json:"root"`
}

// HTTPError carries the platform's status code so callers can classify
// responses (404 on lookups, 401/403 on the unauthenticated health probe).
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Client is a minimal tenant-session client for the telemetry platform REST
// API. Not safe for concurrent use: the workflow is strictly sequential.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      config.ThingsBoardCreds

	jwt string
}

func NewClient(conf config.ThingsBoard, timeout time.Duration) *Client {
	return &Client{
		baseURL:    conf.URL,
		httpClient: &http.Client{Timeout: timeout},
		creds:      conf.Creds,
	}
}

// EnsureSession waits for the platform to answer and logs in once. The
// health endpoint answers 401/403 on versions that authenticate it: that
// still proves the API is up.
func (c *Client) EnsureSession(ctx context.Context, wait provision.RetryConfig) error {
	if c.jwt != "" {
		return nil
	}

	err := retry.Do(
		func() error {
			err := c.do(ctx, http.MethodGet, "/api/health", nil, nil)

			httpErr := &HTTPError{}
			if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden) {
				return nil
			}

			return err
		},
		retry.Context(ctx),
		retry.Attempts(wait.MaxAttempt),
		retry.Delay(wait.Delay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("platform did not become ready: %w", err)
	}

	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) error {
	payload := map[string]string{
		"username": c.creds.Username,
		"password": c.creds.Password,
	}

	out := struct {
		Token string `json:"token"`
	}{}

	err := c.do(ctx, http.MethodPost, "/api/auth/login", payload, &out)
	if err != nil {
		return fmt.Errorf("failed to login: %w", err)
	}

	if out.Token == "" {
		return errors.New("login response contains no token")
	}

	c.jwt = out.Token

	return nil
}

// FindDevice returns the device with exactly the given name, or nil.
func (c *Client) FindDevice(ctx context.Context, name string) (*Device, error) {
	path := fmt.Sprintf("/api/tenant/devices?pageSize=50&page=0&textSearch=%s", url.QueryEscape(name))

	page := struct {
		Data []Device `json:"data"`
	}{}

	err := c.do(ctx, http.MethodGet, path, nil, &page)
	if err != nil {
		return nil, fmt.Errorf("failed to search devices: %w", err)
	}

	// textSearch is a substring match, keep only the exact name
	for _, device := range page.Data {
		if device.Name == name {
			ret := device

			return &ret, nil
		}
	}

	return nil, nil
}

func (c *Client) CreateDevice(ctx context.Context, name, deviceType string) (*Device, error) {
	ret := Device{}

	err := c.do(ctx, http.MethodPost, "/api/device", Device{Name: name, Type: deviceType}, &ret)
	if err != nil {
		return nil, fmt.Errorf("failed to create device %s: %w", name, err)
	}

	return &ret, nil
}

func (c *Client) GetDeviceCredentials(ctx context.Context, deviceID string) (*DeviceCredentials, error) {
	ret := DeviceCredentials{}

	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/device/%s/credentials", deviceID), nil, &ret)
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}

	return &ret, nil
}

func (c *Client) SaveDeviceCredentials(ctx context.Context, creds DeviceCredentials) error {
	err := c.do(ctx, http.MethodPost, "/api/device/credentials", creds, nil)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	return nil
}

// FindRuleChain returns the rule chain with exactly the given name, or nil.
func (c *Client) FindRuleChain(ctx context.Context, name string) (*RuleChain, error) {
	path := fmt.Sprintf("/api/ruleChains?pageSize=50&page=0&textSearch=%s", url.QueryEscape(name))

	page := struct {
		Data []RuleChain `json:"data"`
	}{}

	err := c.do(ctx, http.MethodGet, path, nil, &page)
	if err != nil {
		return nil, fmt.Errorf("failed to search rule chains: %w", err)
	}

	for _, chain := range page.Data {
		if chain.Name == name {
			ret := chain

			return &ret, nil
		}
	}

	return nil, nil
}

// GetRuleChainMetadata keeps the metadata untyped: the payload carries many
// version-dependent fields that must round-trip unchanged.
func (c *Client) GetRuleChainMetadata(ctx context.Context, chainID string) (map[string]interface{}, error) {
	ret := map[string]interface{}{}

	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/ruleChain/%s/metadata", chainID), nil, &ret)
	if err != nil {
		return nil, fmt.Errorf("failed to get rule chain metadata: %w", err)
	}

	return ret, nil
}

func (c *Client) SaveRuleChainMetadata(ctx context.Context, chainID string, metadata map[string]interface{}) error {
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/ruleChain/%s/metadata", chainID), metadata, nil)
	if err == nil {
		return nil
	}

	// Older API versions expose the save endpoint without the chain id.
	httpErr := &HTTPError{}
	if !errors.As(err, &httpErr) {
		return err
	}

	err = c.do(ctx, http.MethodPost, "/api/ruleChain/metadata", metadata, nil)
	if err != nil {
		return fmt.Errorf("failed to save rule chain metadata: %w", err)
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

	if c.jwt != "" {
		req.Header.Set("X-Authorization", "Bearer "+c.jwt)
	}

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
