// Package lamp is a client for the sdLamp external API which reports
// telemetry for solar powered street lamps.
package lamp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lampwatch/lampwatch/pkg/common"
	"github.com/lampwatch/lampwatch/pkg/log"
	"github.com/lampwatch/lampwatch/pkg/types"
)

const (
	accessTokenPath  = "accessToken"
	deviceListPath   = "deviceList"
	deviceStatusPath = "deviceStatus"
	updateStatusPath = "updateStatus"

	// DefaultPageSize is the page size the device list is requested with.
	DefaultPageSize = 100

	// maxPages bounds pagination in case the API never returns a short page.
	maxPages = 1000
)

// Session holds an access token. It is an immutable value: a new Session is
// obtained by authenticating again.
type Session struct {
	token    string
	issuedAt time.Time
}

// NewSession returns a session for an already known token.
func NewSession(token string) Session {
	return Session{token: token, issuedAt: time.Now()}
}

// Token returns the access token.
func (s Session) Token() string {
	return s.token
}

// IssuedAt returns when the token was obtained.
func (s Session) IssuedAt() time.Time {
	return s.issuedAt
}

// Valid reports whether the session carries a token.
func (s Session) Valid() bool {
	return s.token != ""
}

// Client talks to the lamp API. It holds no token itself; every call takes
// the Session to use.
type Client struct {
	client   *http.Client
	baseURL  string
	username string
	password string
	pageSize int
	paginate bool
}

// NewClient returns a client for baseURL using the given http client.
func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = common.HTTPClient(30 * time.Second)
	}
	return &Client{
		client:   client,
		baseURL:  baseURL,
		pageSize: DefaultPageSize,
	}
}

// SetCredentials sets the credentials used by Login.
func (c *Client) SetCredentials(username, password string) {
	c.username = username
	c.password = password
}

// SetPaging sets the device list page size and whether pages after the first
// are requested.
func (c *Client) SetPaging(pageSize int, paginate bool) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	c.pageSize = pageSize
	c.paginate = paginate
}

type envelope struct {
	Success *bool           `json:"success"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) newPostFormRequest(ctx context.Context, endpoint string, data url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	body := strings.NewReader(data.Encode())
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// post sends a form request to endpoint and decodes the data field into
// dest. An explicit success:false is returned as an *APIError.
func (c *Client) post(ctx context.Context, endpoint string, data url.Values, dest any) error {
	req, err := c.newPostFormRequest(ctx, endpoint, data)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Ctx(ctx).DebugContext(ctx, "lamp api http error", slog.String("endpoint", endpoint), slog.Int("status", resp.StatusCode))
		return fmt.Errorf("%s: status %d", endpoint, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode lamp response", slog.String("endpoint", endpoint), slog.Any("error", err), slog.String("body", string(body)))
		return fmt.Errorf("%s: decoding response: %w", endpoint, err)
	}

	if env.Success != nil && !*env.Success {
		return &APIError{Endpoint: endpoint, Msg: env.Msg}
	}

	if dest != nil {
		if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
			return fmt.Errorf("%s: response has no data", endpoint)
		}
		if err := json.Unmarshal(env.Data, dest); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decode lamp data", slog.String("endpoint", endpoint), slog.Any("error", err))
			return fmt.Errorf("%s: decoding data: %w", endpoint, err)
		}
	}
	return nil
}

// Authenticate exchanges username and password for an access token.
func (c *Client) Authenticate(ctx context.Context, username, password string) (Session, error) {
	if username == "" {
		return Session{}, &AuthError{Err: errors.New("missing username")}
	}
	if password == "" {
		return Session{}, &AuthError{Err: errors.New("missing password")}
	}

	data := url.Values{}
	data.Set("username", username)
	data.Set("password", password)

	var token string
	if err := c.post(ctx, accessTokenPath, data, &token); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "lamp login failed", slog.String("username", username), slog.Any("error", err))
		return Session{}, &AuthError{Err: err}
	}
	if token == "" {
		return Session{}, &AuthError{Err: errors.New("empty access token")}
	}
	log.Ctx(ctx).DebugContext(ctx, "lamp login success", slog.String("username", username))

	// the token expiry is not reported, callers re-authenticate every cycle
	return Session{token: token, issuedAt: time.Now()}, nil
}

// Login authenticates with the credentials set by SetCredentials.
func (c *Client) Login(ctx context.Context) (Session, error) {
	return c.Authenticate(ctx, c.username, c.password)
}

type deviceListResult struct {
	List  []types.Device `json:"list"`
	Total int            `json:"total"`
}

// ListDevices returns the serials of every device visible to the session.
// Without paging enabled only the first page is requested.
func (c *Client) ListDevices(ctx context.Context, s Session) ([]types.Device, error) {
	var devices []types.Device
	for page := 1; page <= maxPages; page++ {
		res, err := c.listPage(ctx, s, page)
		if err != nil {
			return nil, err
		}
		for _, d := range res.List {
			if d.Serial == "" {
				log.Ctx(ctx).WarnContext(ctx, "device without serial in list", slog.Int("page", page))
				continue
			}
			devices = append(devices, d)
		}
		if !c.paginate || len(res.List) < c.pageSize {
			break
		}
		if res.Total > 0 && page*c.pageSize >= res.Total {
			break
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "lamp devices listed", slog.Int("count", len(devices)))
	return devices, nil
}

func (c *Client) listPage(ctx context.Context, s Session, page int) (deviceListResult, error) {
	data := url.Values{}
	data.Set("accessToken", s.token)
	data.Set("pageNumber", strconv.Itoa(page))
	data.Set("pageSize", strconv.Itoa(c.pageSize))

	var res deviceListResult
	if err := c.post(ctx, deviceListPath, data, &res); err != nil {
		return deviceListResult{}, &DirectoryError{Page: page, Err: err}
	}
	return res, nil
}

type deviceStatusResult struct {
	SolarPanelPower types.Float       `json:"solar_panel_power"`
	LEDPower        types.Float       `json:"led_power"`
	Timestamp       types.EpochMillis `json:"timestamp"`
	BatteryPercent  types.Float       `json:"battery_percent"`
}

// DeviceStatus fetches the latest telemetry for serial.
func (c *Client) DeviceStatus(ctx context.Context, s Session, serial string) (types.Record, error) {
	data := url.Values{}
	data.Set("accessToken", s.token)
	data.Set("serial", serial)

	var res deviceStatusResult
	if err := c.post(ctx, deviceStatusPath, data, &res); err != nil {
		return types.Record{}, &FetchError{Serial: serial, Err: err}
	}

	rec := types.Record{
		DeviceSerial:    serial,
		SolarPanelPower: float64(res.SolarPanelPower),
		LEDPower:        float64(res.LEDPower),
		BatteryPercent:  float64(res.BatteryPercent),
		Timestamp:       res.Timestamp.Time(),
	}
	log.Ctx(ctx).DebugContext(ctx, "lamp device status",
		slog.String("serial", serial),
		slog.Float64("solarPanelPower", rec.SolarPanelPower),
		slog.Float64("ledPower", rec.LEDPower),
		slog.Float64("batteryPercent", rec.BatteryPercent),
		slog.Time("timestamp", rec.Timestamp),
	)
	return rec, nil
}

// UpdateStatus tells the API that serial was polled. The returned error wraps
// ErrHeartbeat.
func (c *Client) UpdateStatus(ctx context.Context, s Session, serial string) error {
	data := url.Values{}
	data.Set("accessToken", s.token)
	data.Set("serial", serial)

	var env envelope
	req, err := c.newPostFormRequest(ctx, updateStatusPath, data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHeartbeat, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHeartbeat, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: %s: status %d: %w", ErrHeartbeat, serial, resp.StatusCode, err)
	}
	// unlike the other endpoints, anything but an explicit true is a failure
	if env.Success == nil || !*env.Success {
		return fmt.Errorf("%w: %w", ErrHeartbeat, &APIError{Endpoint: updateStatusPath, Msg: env.Msg})
	}
	return nil
}
