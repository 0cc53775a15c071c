// Package homgar implements the client side of the HomGar cloud API:
// authentication, the device/status endpoints polled by the engine and
// the MQTT credential grant used by the command channel.
package homgar

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DefaultBaseURL is the regional API endpoint the vendor app uses.
const DefaultBaseURL = "https://region3.homgarus.com"

// Envelope codes the API uses to reject a stale or displaced token.
// 401 mirrors the HTTP status; 1011 is the "token expired" code observed
// when a second login displaces the session.
var unauthorizedCodes = map[int]bool{401: true, 1011: true}

// APIError is a non-zero response code from the cloud API envelope.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("homgar api returned code %d (%q)", e.Code, e.Msg)
	}
	return fmt.Sprintf("homgar api returned code %d", e.Code)
}

// IsUnauthorized reports whether err means the session token was
// rejected and a fresh login is required.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return unauthorizedCodes[apiErr.Code]
}

// Client talks to the HomGar cloud HTTP API. It is stateless with
// respect to authentication: callers pass the token explicitly, and the
// Session type owns token lifecycle.
type Client struct {
	base   string
	httpc  *http.Client
	logger *log.Logger
}

// NewClient creates a cloud API client. An empty baseURL selects the
// default regional endpoint.
func NewClient(baseURL string, logger *log.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		base:   baseURL,
		httpc:  &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// envelope is the wrapper around every API response.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// doJSON performs one API request and unmarshals the envelope data into
// out (which may be nil when the caller only cares about success).
func (c *Client) doJSON(ctx context.Context, method, path, token string, query url.Values, body, out interface{}) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("lang", "en")
	req.Header.Set("appCode", "1")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("auth", token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if c.logger != nil {
		c.logger.Printf("[Cloud] %s %s -> %d", method, path, resp.StatusCode)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return &APIError{Code: 401, Msg: "http unauthorized"}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request to %s failed with status %d", path, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", path, err)
		}
	}
	return nil
}

// Login authenticates the account and returns a fresh token. The vendor
// enforces one live session per account: a successful login displaces
// any other session, including one held by the phone app.
func (c *Client) Login(ctx context.Context, email, password, areaCode string) (token string, expiresAt time.Time, refresh string, err error) {
	// Each login presents a random device identity, like the app does.
	devID := make([]byte, 16)
	if _, err = rand.Read(devID); err != nil {
		return "", time.Time{}, "", fmt.Errorf("failed to generate device id: %w", err)
	}

	sum := md5.Sum([]byte(password))
	body := map[string]string{
		"areaCode":     areaCode,
		"phoneOrEmail": email,
		"password":     hex.EncodeToString(sum[:]),
		"deviceId":     hex.EncodeToString(devID),
	}

	var data loginData
	if err = c.doJSON(ctx, http.MethodPost, "/auth/basic/app/login", "", nil, body, &data); err != nil {
		return "", time.Time{}, "", err
	}
	return data.Token, time.Now().Add(time.Duration(data.TokenExpired) * time.Second), data.RefreshToken, nil
}

// Homes lists the homes registered to the account.
func (c *Client) Homes(ctx context.Context, token string) ([]Home, error) {
	var homes []Home
	if err := c.doJSON(ctx, http.MethodGet, "/app/member/appHome/list", token, nil, nil, &homes); err != nil {
		return nil, err
	}
	return homes, nil
}

// deviceData mirrors the device tree wire format.
type deviceData struct {
	Device
	DeviceName string       `json:"deviceName"`
	ProductKey string       `json:"productKey"`
	SubDevices []deviceData `json:"subDevices"`
}

// DevicesForHome fetches the hub/peripheral tree for one home.
func (c *Client) DevicesForHome(ctx context.Context, token string, hid int64) ([]Hub, error) {
	query := url.Values{"hid": {strconv.FormatInt(hid, 10)}}
	var raw []deviceData
	if err := c.doJSON(ctx, http.MethodGet, "/app/device/getDeviceByHid", token, query, nil, &raw); err != nil {
		return nil, err
	}

	hubs := make([]Hub, 0, len(raw))
	for _, hd := range raw {
		hub := Hub{Device: hd.Device}
		hub.HubDeviceName = hd.DeviceName
		hub.HubProductKey = hd.ProductKey
		if hub.Addr == 0 {
			hub.Addr = 1 // hubs report on slot 1
		}
		for _, sd := range hd.SubDevices {
			dev := sd.Device
			dev.HubDeviceName = hd.DeviceName
			dev.HubProductKey = hd.ProductKey
			hub.SubDevices = append(hub.SubDevices, dev)
		}
		hubs = append(hubs, hub)
	}
	return hubs, nil
}

// statusData mirrors the device status wire format.
type statusData struct {
	SubDeviceStatus []StatusEntry `json:"subDeviceStatus"`
}

// DeviceStatus fetches the raw status records for a hub and its
// peripherals.
func (c *Client) DeviceStatus(ctx context.Context, token string, mid int64) ([]StatusEntry, error) {
	query := url.Values{"mid": {strconv.FormatInt(mid, 10)}}
	var data statusData
	if err := c.doJSON(ctx, http.MethodGet, "/app/device/getDeviceStatus", token, query, nil, &data); err != nil {
		return nil, err
	}
	return data.SubDeviceStatus, nil
}

// SubscribeStatus requests broker credentials for the command channel.
// The grant covers the listed hubs and expires; callers renew before
// MQTTCredentials.ExpiresAt.
func (c *Client) SubscribeStatus(ctx context.Context, token string, hids []int64, devices []SubscribeDevice) (*MQTTCredentials, error) {
	if len(hids) == 0 || len(devices) == 0 {
		return nil, fmt.Errorf("subscription requires at least one home and one hub")
	}

	// The subscription presents its own ephemeral device identity.
	devID := make([]byte, 10)
	if _, err := rand.Read(devID); err != nil {
		return nil, fmt.Errorf("failed to generate subscriber id: %w", err)
	}
	pushID := uuid.NewString()

	hidStrs := make([]string, len(hids))
	for i, h := range hids {
		hidStrs[i] = strconv.FormatInt(h, 10)
	}

	body := map[string]interface{}{
		"hid":         hidStrs[0],
		"hidList":     hidStrs,
		"subscribe":   devices,
		"unsubscribe": []SubscribeDevice{},
		"userInfo": map[string]interface{}{
			"deviceName": hex.EncodeToString(devID),
			"deviceType": 1,
			"notice":     0,
			"productKey": "",
			"pushId":     sanitizeUUID(pushID),
		},
	}

	var creds MQTTCredentials
	if err := c.doJSON(ctx, http.MethodPost, "/app/device/subscribeStatus", token, nil, body, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// sanitizeUUID strips the dashes; the API expects a bare 32-char id.
func sanitizeUUID(s string) string {
	out := make([]byte, 0, 32)
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
