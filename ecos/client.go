package ecos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

type Config struct {
	Username string
	Password string
	// Host is one of APIHosts; a value carrying a scheme is used as the base URL verbatim
	Host string
	// SourceTypes limits which measurements CurrentMeasurements reports. Empty means all.
	SourceTypes    []SourceType
	RequestTimeout time.Duration
	Logger         *zap.SugaredLogger
	HTTPClient     *http.Client
}

// Client talks to the ECOS cloud on behalf of one account
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	log     *zap.SugaredLogger

	sync.RWMutex
	token   string
	devices map[string]Device
}

func New(cfg Config) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if len(cfg.SourceTypes) == 0 {
		cfg.SourceTypes = SourceTypes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	baseURL := cfg.Host
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		log:     cfg.Logger,
		devices: map[string]Device{},
	}
}

func (c *Client) Authenticate(ctx context.Context) error {
	req := loginRequest{
		Email:         c.cfg.Username,
		Password:      c.cfg.Password,
		ClientType:    clientType,
		ClientVersion: clientVersion,
	}
	var data loginData
	if err := c.do(ctx, http.MethodPost, pathLogin, nil, req, false, &data); err != nil {
		c.setToken("")
		if errors.Is(err, ErrConnection) || errors.Is(err, ErrAuthentication) || !IsEcosError(err) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	if data.AccessToken == "" {
		c.setToken("")
		return fmt.Errorf("%w: empty access token in login response", ErrAuthentication)
	}
	c.setToken(data.AccessToken)
	c.log.Debugf("authenticated as %s", c.cfg.Username)
	return nil
}

func (c *Client) IsAuthenticated() bool {
	c.RLock()
	defer c.RUnlock()
	return c.token != ""
}

func (c *Client) CustomerOverview(ctx context.Context) (Customer, error) {
	var customer Customer
	err := c.do(ctx, http.MethodGet, pathUserInfo, nil, nil, true, &customer)
	return customer, err
}

// DeviceOverview refreshes the device list returned by Devices
func (c *Client) DeviceOverview(ctx context.Context) error {
	var list []Device
	if err := c.do(ctx, http.MethodGet, pathDeviceList, nil, nil, true, &list); err != nil {
		return err
	}
	devices := make(map[string]Device, len(list))
	for _, d := range list {
		d.Online = d.State == deviceStateOnline
		devices[d.ID] = d
	}
	c.Lock()
	c.devices = devices
	c.Unlock()
	return nil
}

// Devices returns the devices from the last DeviceOverview keyed by device id
func (c *Client) Devices() map[string]Device {
	c.RLock()
	defer c.RUnlock()
	out := make(map[string]Device, len(c.devices))
	for k, v := range c.devices {
		out[k] = v
	}
	return out
}

// CurrentMeasurements returns the latest home wide values keyed by source type
// and, for every aliased device, values keyed by DeviceKey.
// Values the API omitted are absent from the map.
func (c *Client) CurrentMeasurements(ctx context.Context) (map[string]float64, error) {
	var home realtime
	if err := c.do(ctx, http.MethodGet, pathHomeRealtime, nil, nil, true, &home); err != nil {
		return nil, err
	}
	out := map[string]float64{}
	c.collect(out, "", &home)

	devices := c.Devices()
	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		dev := devices[id]
		if dev.Alias == "" {
			continue
		}
		var rt realtime
		q := url.Values{"deviceId": {id}}
		if err := c.do(ctx, http.MethodGet, pathDeviceRealtime, q, nil, true, &rt); err != nil {
			return nil, fmt.Errorf("device %s: %w", dev.Alias, err)
		}
		c.collect(out, dev.Alias, &rt)
	}
	return out, nil
}

func (c *Client) collect(out map[string]float64, alias string, rt *realtime) {
	values := rt.values()
	for _, st := range c.cfg.SourceTypes {
		v, ok := values[st]
		if !ok || v == nil {
			continue
		}
		key := st
		if alias != "" {
			key = DeviceKey(alias, st)
		}
		out[key] = *v
	}
}

func (c *Client) setToken(token string) {
	c.Lock()
	c.token = token
	c.Unlock()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, auth bool, target interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request for %s: %w", path, err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		c.RLock()
		token := c.token
		c.RUnlock()
		if token == "" {
			return ErrNotAuthenticated
		}
		req.Header.Set("Authorization", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnection, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.setToken("")
		return fmt.Errorf("%w: status %d from %s", ErrAuthentication, resp.StatusCode, path)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: unexpected status code %d from %s", ErrConnection, resp.StatusCode, path)
	}

	env := envelope[json.RawMessage]{}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &APIError{Path: path, Code: -1, Message: fmt.Sprintf("failed to decode JSON: %s", err)}
	}
	if !env.Success {
		if env.Code == http.StatusUnauthorized && auth {
			c.setToken("")
			return fmt.Errorf("%w: %w", ErrAuthentication, &APIError{Path: path, Code: env.Code, Message: env.Message})
		}
		return &APIError{Path: path, Code: env.Code, Message: env.Message}
	}
	if target == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return &APIError{Path: path, Code: env.Code, Message: fmt.Sprintf("failed to decode data: %s", err)}
	}
	return nil
}
