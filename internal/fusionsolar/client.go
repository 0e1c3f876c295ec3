package fusionsolar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	sessionTTL     = 25 * time.Minute
	requestTimeout = 10 * time.Second

	xsrfCookie = "XSRF-TOKEN"

	failCodeRateLimit    = 407
	failCodeMustRelogin  = 20010
	messageRateLimit     = "ACCESS_FREQUENCY_IS_TOO_HIGH"
	messageMustRelogin   = "USER_MUST_RELOGIN"
	inverterDeviceTypeID = "1"
	realtimeKPIEndpoint  = "getDevRealKpi"
	loginEndpoint        = "login"
)

var ErrLoginFailed = errors.New("fusionsolar login failed")

// RateLimitError is returned when the northbound API rejects a call for
// exceeding its access frequency quota.
type RateLimitError struct {
	FailCode int
	Message  string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("fusionsolar rate limit exceeded (failCode %d)", e.FailCode)
}

// Adapter is what the production poller needs from the vendor API.
type Adapter interface {
	GetProduction(ctx context.Context, serial string) ([]ProductionItem, error)
}

type ProductionItem struct {
	DevID       json.RawMessage `json:"devId,omitempty"`
	DataItemMap struct {
		ActivePower *float64 `json:"active_power"`
	} `json:"dataItemMap"`
}

type apiResponse struct {
	Success  bool            `json:"success"`
	FailCode int             `json:"failCode"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
}

// Client talks to the FusionSolar northbound API with one user's
// credentials. The session is kept in a cookie jar plus the XSRF header and
// renewed before it expires.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	log        zerolog.Logger
	now        func() time.Time

	mu        sync.Mutex
	xsrfToken string
	expiresAt time.Time
}

func NewClient(baseURL, username, password string, logger zerolog.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Jar:     jar,
		},
		log: logger.With().Str("component", "fusionsolar").Str("user", username).Logger(),
		now: time.Now,
	}, nil
}

// GetProduction returns the realtime KPI items for one inverter serial.
func (c *Client) GetProduction(ctx context.Context, serial string) ([]ProductionItem, error) {
	res, err := c.post(ctx, realtimeKPIEndpoint, map[string]string{
		"devTypeId": inverterDeviceTypeID,
		"devIds":    serial,
	})
	if err != nil {
		return nil, err
	}

	var items []ProductionItem
	if len(res.Data) == 0 || string(res.Data) == "null" {
		return items, nil
	}
	if err := json.Unmarshal(res.Data, &items); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", realtimeKPIEndpoint, err)
	}

	return items, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) (*apiResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", endpoint, err)
	}

	status, res, raw, err := c.do(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		c.log.Warn().Str("endpoint", endpoint).Msg("unauthorized, logging in again")
		if err := c.login(ctx); err != nil {
			return nil, err
		}
		if status, res, raw, err = c.do(ctx, endpoint, body); err != nil {
			return nil, err
		}
	}

	if status < 200 || status > 299 {
		return nil, fmt.Errorf("fusionsolar %s: http %d: %s", endpoint, status, raw)
	}
	if res == nil {
		return nil, fmt.Errorf("fusionsolar %s: invalid JSON response: %s", endpoint, raw)
	}

	if res.Message == messageMustRelogin || res.FailCode == failCodeMustRelogin {
		c.log.Warn().Str("endpoint", endpoint).Int("fail_code", res.FailCode).Msg("session invalidated, logging in again")
		if err := c.login(ctx); err != nil {
			return nil, err
		}
		if _, res, raw, err = c.do(ctx, endpoint, body); err != nil {
			return nil, err
		}
		if res == nil {
			return nil, fmt.Errorf("fusionsolar %s: invalid JSON response: %s", endpoint, raw)
		}
	}

	if !res.Success {
		if res.FailCode == failCodeRateLimit || res.Message == messageRateLimit {
			return nil, &RateLimitError{FailCode: res.FailCode, Message: res.Message}
		}
		msg := res.Message
		if msg == "" {
			msg = fmt.Sprintf("error %d", res.FailCode)
		}
		return nil, fmt.Errorf("fusionsolar %s failed: %s", endpoint, msg)
	}

	c.expiresAt = c.now().Add(sessionTTL)

	return res, nil
}

// do sends one request. res is nil when the body is not JSON.
func (c *Client) do(ctx context.Context, endpoint string, body []byte) (status int, res *apiResponse, raw []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.xsrfToken != "" {
		req.Header.Set(xsrfCookie, c.xsrfToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("fusionsolar %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err = io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}

	var decoded apiResponse
	if json.Unmarshal(raw, &decoded) == nil {
		res = &decoded
	}

	return resp.StatusCode, res, raw, nil
}

func (c *Client) ensureLogin(ctx context.Context) error {
	if c.xsrfToken != "" && c.now().Before(c.expiresAt) {
		return nil
	}
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) error {
	c.xsrfToken = ""

	body, err := json.Marshal(map[string]string{
		"userName":   c.username,
		"systemCode": c.password,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+loginEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: http %d", ErrLoginFailed, resp.StatusCode)
	}

	var res apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("%w: invalid response: %v", ErrLoginFailed, err)
	}

	if !res.Success {
		if res.FailCode == failCodeRateLimit || res.Message == messageRateLimit {
			return &RateLimitError{FailCode: res.FailCode, Message: res.Message}
		}
		return fmt.Errorf("%w: %s (failCode %d)", ErrLoginFailed, res.Message, res.FailCode)
	}

	for _, ck := range resp.Cookies() {
		if ck.Name == xsrfCookie {
			c.xsrfToken = ck.Value
		}
	}
	if c.xsrfToken == "" {
		return fmt.Errorf("%w: no %s cookie", ErrLoginFailed, xsrfCookie)
	}

	c.expiresAt = c.now().Add(sessionTTL)
	c.log.Info().Time("expires_at", c.expiresAt).Msg("logged in")

	return nil
}
