package cloud

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = "https://cloud.example.test:8096/multitek_service/root"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(Config{
		BaseURL:     testBase,
		Email:       "user@example.com",
		Password:    "hunter2",
		PhoneID:     "bridge-1",
		ServiceUser: "svc",
		ServicePass: "svcpass",
	}, slog.Default())
	httpmock.ActivateNonDefault(c.http)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func registerLogin(token string) {
	httpmock.RegisterResponder(http.MethodPost, testBase+"/userAccountControl",
		httpmock.NewJsonResponderOrPanic(200, map[string]string{"token": token}))
}

func TestAuthenticate(t *testing.T) {
	c := newTestClient(t)
	registerLogin("tok-1")

	require.NoError(t, c.Authenticate(context.Background()))
	// A second call reuses the held token without logging in again.
	require.NoError(t, c.Authenticate(context.Background()))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestRequestsCarryServiceBasicAuth(t *testing.T) {
	c := newTestClient(t)

	var loginUser, loginPass string
	var loginHasAuth bool
	httpmock.RegisterResponder(http.MethodPost, testBase+"/userAccountControl",
		func(req *http.Request) (*http.Response, error) {
			loginUser, loginPass, loginHasAuth = req.BasicAuth()
			return httpmock.NewJsonResponse(200, map[string]string{"token": "tok"})
		})

	var callUser, callPass string
	httpmock.RegisterResponder(http.MethodPost, testBase+"/getCallAllRecords",
		func(req *http.Request) (*http.Response, error) {
			callUser, callPass, _ = req.BasicAuth()
			return httpmock.NewJsonResponse(200, []map[string]any{})
		})

	_, err := c.ListCalls(context.Background(), "loc-1", 0)
	require.NoError(t, err)

	require.True(t, loginHasAuth, "login must carry the service Basic credentials")
	assert.Equal(t, "svc", loginUser)
	assert.Equal(t, "svcpass", loginPass)
	assert.Equal(t, "svc", callUser)
	assert.Equal(t, "svcpass", callPass)
}

func TestPushCredentials(t *testing.T) {
	c := newTestClient(t)
	registerLogin("tok-1")
	httpmock.RegisterResponder(http.MethodPost, testBase+"/getAccount",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{
			"email":      "user@example.com",
			"phone_list": []map[string]any{{"token": "device-tok"}},
		}))

	creds, err := c.PushCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "device-tok", creds.Token)
	assert.NotEmpty(t, creds.AuthKey, "relay auth accompanies the device token")
}

func TestPushCredentialsWithoutDeviceToken(t *testing.T) {
	c := newTestClient(t)
	registerLogin("tok-1")
	httpmock.RegisterResponder(http.MethodPost, testBase+"/getAccount",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{"email": "user@example.com"}))

	_, err := c.PushCredentials(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAuthenticateInvalidCredentials(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodPost, testBase+"/userAccountControl",
		httpmock.NewStringResponder(401, "unauthorized"))

	err := c.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrAuth)
}

func TestListCallsFiltersAndOrders(t *testing.T) {
	c := newTestClient(t)
	registerLogin("tok-1")

	records := []map[string]any{
		{"call_id": "c3", "call_to": "01001", "date": "3000", "call_state": "Missed", "location_id": "loc-1"},
		{"call_id": "c1", "call_to": "2014", "date": "1000", "call_state": "Missed", "location_id": "loc-1"},
		{"call_id": "c2", "call_to": "2014", "date": "2000", "call_state": "Missed", "location_id": "loc-2"},
		{"call_id": "c0", "call_to": "2014", "date": "500", "call_state": "Missed", "location_id": "loc-1"},
	}
	httpmock.RegisterResponder(http.MethodPost, testBase+"/getCallAllRecords",
		httpmock.NewJsonResponderOrPanic(200, records))

	recs, err := c.ListCalls(context.Background(), "loc-1", 500)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c1", recs[0].ID)
	assert.Equal(t, "c3", recs[1].ID)
	assert.Equal(t, int64(1000), recs[0].Date)
}

func TestListCallsTransientOn5xx(t *testing.T) {
	c := newTestClient(t)
	registerLogin("tok-1")
	httpmock.RegisterResponder(http.MethodPost, testBase+"/getCallAllRecords",
		httpmock.NewStringResponder(502, "bad gateway"))

	_, err := c.ListCalls(context.Background(), "loc-1", 0)
	require.ErrorIs(t, err, ErrTransient)
}

func TestExpiredTokenIsRefreshedOnce(t *testing.T) {
	c := newTestClient(t)

	logins := 0
	httpmock.RegisterResponder(http.MethodPost, testBase+"/userAccountControl",
		func(*http.Request) (*http.Response, error) {
			logins++
			return httpmock.NewJsonResponse(200, map[string]string{"token": "tok"})
		})

	calls := 0
	httpmock.RegisterResponder(http.MethodPost, testBase+"/getCallAllRecords",
		func(*http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return httpmock.NewStringResponse(401, "expired"), nil
			}
			return httpmock.NewJsonResponse(200, []map[string]any{})
		})

	_, err := c.ListCalls(context.Background(), "loc-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, logins, "initial login plus one refresh")
	assert.Equal(t, 2, calls, "failed call plus one replay")
}

func TestFetchSnapshotNotFound(t *testing.T) {
	c := newTestClient(t)
	registerLogin("tok-1")
	httpmock.RegisterResponder(http.MethodGet,
		"https://cloud.example.test:8096/tmp/MULTITEK_CALL_IMAGES/loc-1/x.jpeg",
		httpmock.NewStringResponder(404, "missing"))

	_, err := c.FetchSnapshot(context.Background(), "/tmp/MULTITEK_CALL_IMAGES/loc-1/x.jpeg")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFetchSnapshotBytes(t *testing.T) {
	c := newTestClient(t)
	registerLogin("tok-1")
	img := []byte{0xff, 0xd8, 0xff, 0xe0, 0x01}
	httpmock.RegisterResponder(http.MethodGet,
		"https://cloud.example.test:8096/tmp/img.jpeg",
		httpmock.NewBytesResponder(200, img))

	got, err := c.FetchSnapshot(context.Background(), "/tmp/img.jpeg")
	require.NoError(t, err)
	assert.Equal(t, img, got)
}

func TestOpenDoor(t *testing.T) {
	c := newTestClient(t)
	registerLogin("tok-1")
	httpmock.RegisterResponder(http.MethodPost, testBase+"/getAccount",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{"email": "user@example.com", "sip": "7001"}))

	var addCallBody map[string]any
	httpmock.RegisterResponder(http.MethodPost, testBase+"/addCall",
		func(req *http.Request) (*http.Response, error) {
			_ = json.NewDecoder(req.Body).Decode(&addCallBody)
			return httpmock.NewStringResponse(200, "1"), nil
		})
	httpmock.RegisterResponder(http.MethodPost, testBase+"/setCallDuration",
		httpmock.NewStringResponder(200, "1"))

	callID, err := c.OpenDoor(context.Background(), "9001", "loc-1")
	require.NoError(t, err)
	assert.Len(t, callID, 32)

	model := addCallBody["call_model"].(map[string]any)
	assert.Equal(t, "7001", model["call_from"])
	assert.Equal(t, "9001", model["call_to"])
	assert.Equal(t, "Outgoing", model["call_state"])
}

func TestOpenDoorRejected(t *testing.T) {
	c := newTestClient(t)
	registerLogin("tok-1")
	httpmock.RegisterResponder(http.MethodPost, testBase+"/getAccount",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{"sip": "7001"}))
	httpmock.RegisterResponder(http.MethodPost, testBase+"/addCall",
		httpmock.NewStringResponder(200, "0"))

	_, err := c.OpenDoor(context.Background(), "9001", "loc-1")
	require.ErrorIs(t, err, ErrCommandRejected)
}

func TestAskCurrentCall(t *testing.T) {
	c := newTestClient(t)
	registerLogin("tok-1")
	httpmock.RegisterResponder(http.MethodPost, testBase+"/askCurrentCall",
		httpmock.NewJsonResponderOrPanic(200, map[string]string{"call_id": "-1"}))

	active, err := c.AskCurrentCall(context.Background())
	require.NoError(t, err)
	assert.Nil(t, active)
}
