package ecos

import (
	"context"
	"errors"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type fakeAPI struct {
	token     string
	logins    atomic.Int32
	expired   atomic.Bool
	devices   []map[string]interface{}
	home      map[string]interface{}
	perDevice map[string]map[string]interface{}
}

func reply(w http.ResponseWriter, data interface{}) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code": 0, "message": "success", "success": true, "data": data,
	})
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(pathLogin, func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.logins.Add(1)
		if req.Email != "user@example.com" || req.Password != "secret" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"code": 20414, "message": "account or password error", "success": false,
			})
			return
		}
		f.expired.Store(false)
		reply(w, map[string]string{"accessToken": f.token})
	})
	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != f.token || f.expired.Load() {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc(pathUserInfo, authed(func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]string{"userId": "1234", "username": "user@example.com", "nickname": "user"})
	}))
	mux.HandleFunc(pathDeviceList, authed(func(w http.ResponseWriter, r *http.Request) {
		reply(w, f.devices)
	}))
	mux.HandleFunc(pathHomeRealtime, authed(func(w http.ResponseWriter, r *http.Request) {
		reply(w, f.home)
	}))
	mux.HandleFunc(pathDeviceRealtime, authed(func(w http.ResponseWriter, r *http.Request) {
		reply(w, f.perDevice[r.URL.Query().Get("deviceId")])
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		token: "token-1",
		devices: []map[string]interface{}{
			{"deviceId": "100", "deviceAliasName": "Garage", "wifiSn": "SN100", "state": 1},
			{"deviceId": "200", "deviceAliasName": "", "wifiSn": "SN200"},
		},
		home: map[string]interface{}{
			"batterySoc": 81, "batteryPower": -250.5, "gridPower": 12, "homePower": 600, "solarPower": 850,
		},
		perDevice: map[string]map[string]interface{}{
			"100": {"batterySoc": 80, "solarPower": 425},
			"200": {"batterySoc": 1},
		},
	}
}

func TestDeviceKey(t *testing.T) {
	tests := []struct {
		alias, sourceType, want string
	}{
		{"Garage", "batterySoc", "garageBatterySoc"},
		{"INVERTER", "solarPower", "inverterSolarPower"},
		{"", "gridPower", "GridPower"},
		{"garage", "", "garage"},
		{"", "", ""},
		{"Łódź", "epsPower", "łódźEpsPower"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeviceKey(tt.alias, tt.sourceType), "%q %q", tt.alias, tt.sourceType)
	}
}

func TestClient_Authenticate(t *testing.T) {
	api := newFakeAPI()
	srv := api.server(t)

	c := New(Config{Username: "user@example.com", Password: "secret", Host: srv.URL})
	assert.False(t, c.IsAuthenticated())
	require.NoError(t, c.Authenticate(context.Background()))
	assert.True(t, c.IsAuthenticated())

	customer, err := c.CustomerOverview(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1234", customer.UserID)
}

func TestClient_AuthenticateInvalidCredentials(t *testing.T) {
	srv := newFakeAPI().server(t)
	c := New(Config{Username: "user@example.com", Password: "wrong", Host: srv.URL})

	err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))
	assert.False(t, errors.Is(err, ErrConnection))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 20414, apiErr.Code)
	assert.True(t, IsEcosError(err))
	assert.False(t, c.IsAuthenticated())
}

func TestClient_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{Username: "user@example.com", Password: "secret", Host: url})
	err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))
	assert.True(t, IsEcosError(err))
}

func TestClient_RequiresToken(t *testing.T) {
	srv := newFakeAPI().server(t)
	c := New(Config{Host: srv.URL})
	_, err := c.CurrentMeasurements(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestClient_CurrentMeasurements(t *testing.T) {
	api := newFakeAPI()
	srv := api.server(t)
	c := New(Config{Username: "user@example.com", Password: "secret", Host: srv.URL})
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx))
	require.NoError(t, c.DeviceOverview(ctx))

	devices := c.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "Garage", devices["100"].Alias)
	assert.Equal(t, "SN100", devices["100"].SerialNumber)
	assert.True(t, devices["100"].Online)
	assert.False(t, devices["200"].Online)
	assert.Equal(t, "", devices["200"].Alias)

	m, err := c.CurrentMeasurements(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"batterySoc":       81,
		"batteryPower":     -250.5,
		"gridPower":        12,
		"homePower":        600,
		"solarPower":       850,
		"garageBatterySoc": 80,
		"garageSolarPower": 425,
	}, m)
}

func TestClient_SourceTypeFilter(t *testing.T) {
	api := newFakeAPI()
	srv := api.server(t)
	c := New(Config{
		Username:    "user@example.com",
		Password:    "secret",
		Host:        srv.URL,
		SourceTypes: []SourceType{SourceTypeBatterySoc},
	})
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx))
	m, err := c.CurrentMeasurements(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"batterySoc": 81}, m)
}

func TestClient_ExpiredTokenDropsAuthentication(t *testing.T) {
	api := newFakeAPI()
	srv := api.server(t)
	c := New(Config{Username: "user@example.com", Password: "secret", Host: srv.URL})
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx))

	api.expired.Store(true)
	err := c.DeviceOverview(ctx)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.False(t, c.IsAuthenticated())

	require.NoError(t, c.Authenticate(ctx))
	assert.NoError(t, c.DeviceOverview(ctx))
	assert.Equal(t, int32(2), api.logins.Load())
}

func TestClient_APIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == pathLogin {
			reply(w, map[string]string{"accessToken": "t"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": 500, "message": "boom", "success": false})
	}))
	defer srv.Close()

	c := New(Config{Host: srv.URL})
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx))
	err := c.DeviceOverview(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "boom", apiErr.Message)
	assert.True(t, c.IsAuthenticated())
}

func TestNew_HostWithoutScheme(t *testing.T) {
	c := New(Config{Host: APIHosts[0]})
	assert.Equal(t, "https://"+APIHosts[0], c.baseURL)
}
