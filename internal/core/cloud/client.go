// Package cloud implements the Multitek DiafonBox cloud session: credential
// exchange, transparent bearer-token refresh, call record listing, snapshot
// retrieval and the door unlock endpoints. All other components depend on it
// but never touch credentials directly.
package cloud

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // vendor protocol hashes the password with MD5
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kzdgn/diafonbox/internal/core/call"
)

// Vendor endpoints, relative to the service base URL.
const (
	endpointLogin              = "userAccountControl"
	endpointGetAccount         = "getAccount"
	endpointGetLocations       = "getUserLocations"
	endpointGetCalls           = "getCallAllRecords"
	endpointAskCurrentCall     = "askCurrentCall"
	endpointAddCall            = "addCall"
	endpointSetCallDuration    = "setCallDuration"
	endpointControlCurrentCall = "controlCurrentCall"
	endpointResumeApp          = "resumeApp"
)

// unlockCallDuration is the call duration that triggers the door relay,
// matching what the vendor app sends.
const unlockCallDuration = "6"

// Config holds cloud session configuration.
type Config struct {
	BaseURL     string
	Email       string
	Password    string
	PhoneID     string
	Language    string
	ServiceUser string
	ServicePass string
	Timeout     time.Duration
}

// Client is the cloud API client.
type Client struct {
	cfg          Config
	http         *http.Client
	tokens       *TokenManager
	passwordHash string
	userSIP      string
	log          *slog.Logger
}

// NewClient creates a cloud client. The password is MD5-hexed once up front;
// the plaintext is never kept.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.Language == "" {
		cfg.Language = "tr-TR"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	sum := md5.Sum([]byte(cfg.Password)) //nolint:gosec
	cfg.Password = ""

	c := &Client{
		cfg:          cfg,
		http:         &http.Client{Timeout: cfg.Timeout},
		passwordHash: hex.EncodeToString(sum[:]),
		log:          log,
	}
	c.tokens = NewTokenManager(c.login, log)
	return c
}

// Authenticate primes the session token. Invalid credentials surface ErrAuth;
// network failures surface ErrTransient and the caller retries with backoff.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.tokens.Token(ctx)
	return err
}

func (c *Client) login(ctx context.Context) (Token, error) {
	body, err := c.post(ctx, endpointLogin, map[string]any{
		"password": c.passwordHash,
	}, Token{})
	if err != nil {
		return Token{}, fmt.Errorf("login: %w", err)
	}

	var resp struct {
		Token string `json:"token"`
	}
	if jsonErr := json.Unmarshal(body, &resp); jsonErr != nil || resp.Token == "" {
		// Plain "0" means the account control check rejected the credentials.
		return Token{}, fmt.Errorf("login rejected for %s: %w", c.cfg.Email, ErrAuth)
	}
	return Token{AuthToken: resp.Token, FetchedAt: time.Now()}, nil
}

// Account is the account info subset the bridge uses.
type Account struct {
	Email     string `json:"email"`
	SIP       string `json:"sip"`
	PhoneList []struct {
		Token string `json:"token"`
	} `json:"phone_list"`
}

// GetAccount fetches the user account record.
func (c *Client) GetAccount(ctx context.Context) (Account, error) {
	var acc Account
	if err := c.requestJSON(ctx, endpointGetAccount, nil, &acc); err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

// pushAuthKey authenticates the device against the push relay. The vendor app
// ships one fixed key for all accounts; only the token is per-device.
const pushAuthKey = "401c2fe6e2730dd87b2c12c8afe36c11499f7141e9296f3c2cd03bb33a1b3992"

// PushCredentials identify this device to the push relay.
type PushCredentials struct {
	Token   string
	AuthKey string
}

// PushCredentials returns the relay credentials for this account: the device
// token registered in the cloud plus the relay auth key.
func (c *Client) PushCredentials(ctx context.Context) (PushCredentials, error) {
	acc, err := c.GetAccount(ctx)
	if err != nil {
		return PushCredentials{}, err
	}
	if len(acc.PhoneList) == 0 || acc.PhoneList[0].Token == "" {
		return PushCredentials{}, fmt.Errorf("push credentials: no device token registered: %w", ErrNotFound)
	}
	return PushCredentials{Token: acc.PhoneList[0].Token, AuthKey: pushAuthKey}, nil
}

// Device is an intercom device attached to a location.
type Device struct {
	SIP     string `json:"sip"`
	MAC     string `json:"mac"`
	Version string `json:"version"`
}

// Location is a physical location with its devices.
type Location struct {
	LocationID   string   `json:"location_id"`
	LocationName string   `json:"location_name"`
	Devices      []Device `json:"location_devices"`
}

// GetLocations fetches the account's locations and devices.
func (c *Client) GetLocations(ctx context.Context) ([]Location, error) {
	var locs []Location
	if err := c.requestJSON(ctx, endpointGetLocations, nil, &locs); err != nil {
		return nil, fmt.Errorf("get locations: %w", err)
	}
	return locs, nil
}

// callRecordWire is the vendor call model. The timestamp arrives as a string
// of epoch milliseconds.
type callRecordWire struct {
	CallID     string `json:"call_id"`
	CallFrom   string `json:"call_from"`
	CallTo     string `json:"call_to"`
	Date       string `json:"date"`
	CallState  string `json:"call_state"`
	Path       string `json:"path"`
	LocationID string `json:"location_id"`
	Duration   string `json:"duration"`
}

func (w callRecordWire) toRecord() call.Record {
	ts, _ := strconv.ParseInt(w.Date, 10, 64)
	return call.Record{
		ID:           w.CallID,
		From:         w.CallFrom,
		To:           w.CallTo,
		LocationID:   w.LocationID,
		Date:         ts,
		State:        call.State(w.CallState),
		SnapshotPath: w.Path,
		Duration:     w.Duration,
	}
}

// ListCalls returns call records for a location newer than the watermark,
// ordered oldest to newest. The vendor endpoint returns the full history, so
// filtering happens client-side.
func (c *Client) ListCalls(ctx context.Context, locationID string, since int64) ([]call.Record, error) {
	var wire []callRecordWire
	if err := c.requestJSON(ctx, endpointGetCalls, nil, &wire); err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}

	recs := make([]call.Record, 0, len(wire))
	for _, w := range wire {
		rec := w.toRecord()
		if rec.LocationID != locationID || rec.Date <= since {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Date < recs[j].Date })
	return recs, nil
}

// FetchSnapshot downloads a snapshot image by its server-side path. A missing
// asset returns ErrNotFound; the upload may lag the call record, so callers
// retry briefly instead of failing.
func (c *Client) FetchSnapshot(ctx context.Context, path string) ([]byte, error) {
	origin, err := c.origin()
	if err != nil {
		return nil, err
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	req.SetBasicAuth(c.cfg.ServiceUser, c.cfg.ServicePass)
	req.Header.Set("Authorization", "Bearer "+tok.AuthToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot %s: %w: %v", path, ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("fetch snapshot %s: %w", path, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("fetch snapshot %s: %w", path, ErrAuth)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch snapshot %s: HTTP %d: %w", path, resp.StatusCode, ErrTransient)
	}
	return io.ReadAll(resp.Body)
}

// ActiveCall identifies an in-progress call.
type ActiveCall struct {
	CallID string `json:"call_id"`
}

// AskCurrentCall returns the active call, or nil when there is none
// (the vendor reports call_id "-1" for no call).
func (c *Client) AskCurrentCall(ctx context.Context) (*ActiveCall, error) {
	var ac ActiveCall
	if err := c.requestJSON(ctx, endpointAskCurrentCall, nil, &ac); err != nil {
		return nil, fmt.Errorf("ask current call: %w", err)
	}
	if ac.CallID == "" || ac.CallID == "-1" {
		return nil, nil
	}
	return &ac, nil
}

// OpenDoorWithCall unlocks the door through an active call.
func (c *Client) OpenDoorWithCall(ctx context.Context, callID string) error {
	result, err := c.requestText(ctx, endpointControlCurrentCall, map[string]any{
		"call_id": callID,
	})
	if err != nil {
		return fmt.Errorf("control current call %s: %w", callID, err)
	}
	if result != "1" {
		return fmt.Errorf("control current call %s: result %q: %w", callID, result, ErrCommandRejected)
	}
	return nil
}

// OpenDoor unlocks the door without an active call using the vendor's
// two-step flow: register an outgoing call to the door device, then set its
// duration, which fires the relay. Returns the generated call id.
func (c *Client) OpenDoor(ctx context.Context, deviceSIP, locationID string) (string, error) {
	userSIP, err := c.ensureUserSIP(ctx)
	if err != nil {
		return "", fmt.Errorf("open door: %w", err)
	}

	callID := strings.ReplaceAll(uuid.NewString(), "-", "")
	model := map[string]any{
		"call_id":         callID,
		"call_from":       userSIP,
		"call_to":         deviceSIP,
		"date":            strconv.FormatInt(time.Now().UnixMilli(), 10),
		"call_state":      string(call.StateOutgoing),
		"data":            "New call",
		"path":            "",
		"location_id":     locationID,
		"duration":        "0",
		"notification_id": 0,
		"extra_data":      "",
		"call_type":       "DEVICE_TYPE_GATEWAY_DOOR",
		"selected":        false,
		"isRead":          false,
	}

	result, err := c.requestText(ctx, endpointAddCall, map[string]any{"call_model": model})
	if err != nil {
		return "", fmt.Errorf("add call: %w", err)
	}
	if result != "1" {
		return "", fmt.Errorf("add call: result %q: %w", result, ErrCommandRejected)
	}

	result, err = c.requestText(ctx, endpointSetCallDuration, map[string]any{
		"call_id":       callID,
		"call_duration": unlockCallDuration,
	})
	if err != nil {
		return "", fmt.Errorf("set call duration %s: %w", callID, err)
	}
	if result != "1" {
		return "", fmt.Errorf("set call duration %s: result %q: %w", callID, result, ErrCommandRejected)
	}

	c.log.Info("door relay triggered", "call_id", callID, "device_sip", deviceSIP, "location_id", locationID)
	return callID, nil
}

// ResumeApp refreshes the app session server-side. Best effort, called on
// startup so the cloud treats this bridge as an active device.
func (c *Client) ResumeApp(ctx context.Context) error {
	_, err := c.request(ctx, endpointResumeApp, map[string]any{
		"phoneInfo":  "diafonbox bridge",
		"phoneOS":    "Linux",
		"appVersion": "diafonbox/1.0",
	})
	if err != nil {
		return fmt.Errorf("resume app: %w", err)
	}
	return nil
}

func (c *Client) ensureUserSIP(ctx context.Context) (string, error) {
	if c.userSIP != "" {
		return c.userSIP, nil
	}
	acc, err := c.GetAccount(ctx)
	if err != nil {
		return "", err
	}
	if acc.SIP == "" {
		return "", fmt.Errorf("account has no SIP identity: %w", ErrNotFound)
	}
	c.userSIP = acc.SIP
	return c.userSIP, nil
}

// origin strips the service path from the base URL; snapshot paths are
// absolute on the host.
func (c *Client) origin() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	return u.Scheme + "://" + u.Host, nil
}

// request performs an authenticated call, transparently re-authenticating
// once when the token has expired.
func (c *Client) request(ctx context.Context, endpoint string, fields map[string]any) ([]byte, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body, err := c.post(ctx, endpoint, fields, tok)
	if err == nil {
		return body, nil
	}
	if !errors.Is(err, ErrAuth) {
		return nil, err
	}

	c.log.Warn("token expired, refreshing", "endpoint", endpoint)
	tok, err = c.tokens.ForceRefresh(ctx, tok)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, endpoint, fields, tok)
}

func (c *Client) requestJSON(ctx context.Context, endpoint string, fields map[string]any, out any) error {
	body, err := c.request(ctx, endpoint, fields)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", endpoint, err)
	}
	return nil
}

func (c *Client) requestText(ctx context.Context, endpoint string, fields map[string]any) (string, error) {
	body, err := c.request(ctx, endpoint, fields)
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(string(body)), `"`), nil
}

// post issues one POST with the common body fields and classifies failures
// into the package error taxonomy.
func (c *Client) post(ctx context.Context, endpoint string, fields map[string]any, tok Token) ([]byte, error) {
	payload := map[string]any{
		"email":    c.cfg.Email,
		"phone_id": c.cfg.PhoneID,
		"language": c.cfg.Language,
	}
	for k, v := range fields {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/"+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.ServiceUser, c.cfg.ServicePass)
	if tok.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+tok.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", endpoint, ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%s: HTTP 401: %w", endpoint, ErrAuth)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: HTTP 404: %w", endpoint, ErrNotFound)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s: HTTP %d: %w", endpoint, resp.StatusCode, ErrTransient)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: unexpected HTTP %d", endpoint, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
