package web

import (
	"context"
	"fmt"
	"github.com/XANi/ecos2mqtt/configflow"
	"github.com/XANi/ecos2mqtt/coordinator"
	"github.com/XANi/ecos2mqtt/ecos"
	"github.com/XANi/ecos2mqtt/integration"
	"github.com/XANi/ecos2mqtt/sensor"
	"github.com/XANi/ecos2mqtt/store"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
)

type fakeStore struct {
	sync.Mutex
	entries []integration.ConfigEntry
}

func (s *fakeStore) Add(e integration.ConfigEntry) error {
	s.Lock()
	defer s.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *fakeStore) Remove(id string) error {
	s.Lock()
	defer s.Unlock()
	for i, e := range s.entries {
		if e.EntryID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", store.ErrNotFound, id)
}

func (s *fakeStore) List() ([]integration.ConfigEntry, error) {
	s.Lock()
	defer s.Unlock()
	return append([]integration.ConfigEntry(nil), s.entries...), nil
}

func (s *fakeStore) HasUniqueID(id string) (bool, error) {
	s.Lock()
	defer s.Unlock()
	for _, e := range s.entries {
		if e.UniqueID == id {
			return true, nil
		}
	}
	return false, nil
}

type fakeManager struct {
	runtimes map[string]*integration.Runtime
	setup    []string
	unloaded []string
	setupErr error
}

func (m *fakeManager) Setup(ctx context.Context, entry integration.ConfigEntry) error {
	m.setup = append(m.setup, entry.EntryID)
	return m.setupErr
}

func (m *fakeManager) UnloadEntry(ctx context.Context, id string) (bool, error) {
	if _, ok := m.runtimes[id]; !ok {
		return false, fmt.Errorf("%w: %s", integration.ErrNotLoaded, id)
	}
	delete(m.runtimes, id)
	m.unloaded = append(m.unloaded, id)
	return true, nil
}

func (m *fakeManager) Runtime(id string) (*integration.Runtime, bool) {
	rt, ok := m.runtimes[id]
	return rt, ok
}

type fakeSensors map[string][]*sensor.Entity

func (f fakeSensors) Entities(id string) []*sensor.Entity { return f[id] }

type fakeValidator struct{ userID string }

func (v *fakeValidator) Authenticate(ctx context.Context) error { return nil }
func (v *fakeValidator) CustomerOverview(ctx context.Context) (ecos.Customer, error) {
	return ecos.Customer{UserID: v.userID}, nil
}

func ptr(v float64) *float64 { return &v }

type testEnv struct {
	handler http.Handler
	store   *fakeStore
	manager *fakeManager
}

func setup(t *testing.T) testEnv {
	gin.SetMode(gin.TestMode)
	entry := integration.ConfigEntry{
		EntryID:  "e1",
		UniqueID: "1234",
		Title:    "user@example.com",
		Data:     integration.Data{ID: "1234", Host: ecos.APIHosts[0]},
	}
	coord := coordinator.New(coordinator.Config[integration.Snapshot]{
		Name: "sensor",
		Update: func(ctx context.Context) (integration.Snapshot, error) {
			return integration.Snapshot{"batterySoc": {"rate": ptr(55)}}, nil
		},
	})
	require.NoError(t, coord.FirstRefresh(context.Background()))
	descs := sensor.StaticDescriptions()

	st := &fakeStore{entries: []integration.ConfigEntry{entry}}
	mgr := &fakeManager{runtimes: map[string]*integration.Runtime{
		"e1": {Entry: entry, Coordinator: coord},
	}}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{Name: "ecactusecos_test"}))
	w, err := New(Config{
		Logger:  zap.NewNop().Sugar(),
		Store:   st,
		Manager: mgr,
		Flow: configflow.New(configflow.Config{
			NewValidator: func(username, password, host string) configflow.Validator {
				return &fakeValidator{userID: "5678"}
			},
			Entries: st,
		}),
		Sensors: fakeSensors{"e1": {
			sensor.NewEntity(coord, "1234", descs[0]),
			sensor.NewEntity(coord, "1234", descs[3]),
		}},
		Gatherer: reg,
	}, os.DirFS(".."))
	require.NoError(t, err)
	return testEnv{handler: w.Handler(), store: st, manager: mgr}
}

func (e testEnv) do(method, path string, body *strings.Reader) *httptest.ResponseRecorder {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, body)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestIndex(t *testing.T) {
	env := setup(t)
	rec := env.do(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "user@example.com")
	assert.Contains(t, rec.Body.String(), ecos.APIHosts[0])
}

func TestHealthAndMetrics(t *testing.T) {
	env := setup(t)
	rec := env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ecactusecos_test 0")
}

func TestNotFound(t *testing.T) {
	env := setup(t)
	rec := env.do(http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "/nope")
}

func TestListEntries(t *testing.T) {
	env := setup(t)
	rec := env.do(http.MethodGet, "/api/v1/entries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []entryStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "e1", entries[0].EntryID)
	assert.True(t, entries[0].Loaded)
	assert.True(t, entries[0].LastUpdateSuccess)
	assert.Empty(t, entries[0].LastError)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestListSensors(t *testing.T) {
	env := setup(t)
	rec := env.do(http.MethodGet, "/api/v1/entries/e1/sensors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sensors []sensorStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sensors))
	require.Len(t, sensors, 2)
	assert.Equal(t, "batterySoc", sensors[0].Key)
	assert.True(t, sensors[0].Available)
	require.NotNil(t, sensors[0].Value)
	assert.Equal(t, 55.0, *sensors[0].Value)
	assert.False(t, sensors[1].Available)
	assert.Nil(t, sensors[1].Value)

	rec = env.do(http.MethodGet, "/api/v1/entries/missing/sensors", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteEntry(t *testing.T) {
	env := setup(t)
	rec := env.do(http.MethodDelete, "/api/v1/entries/e1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"e1"}, env.manager.unloaded)
	entries, _ := env.store.List()
	assert.Empty(t, entries)

	rec = env.do(http.MethodDelete, "/api/v1/entries/e1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetupForm(t *testing.T) {
	env := setup(t)
	rec := env.do(http.MethodGet, "/setup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `name="username"`)
	assert.Contains(t, body, `type="password"`)
	for _, h := range ecos.APIHosts {
		assert.Contains(t, body, h)
	}
}

func TestSetupSubmit(t *testing.T) {
	env := setup(t)
	form := url.Values{
		"username": {"new@example.com"},
		"password": {"secret"},
		"host":     {ecos.APIHosts[2]},
	}
	rec := env.do(http.MethodPost, "/setup", strings.NewReader(form.Encode()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Added account new@example.com")
	entries, _ := env.store.List()
	require.Len(t, entries, 2)
	assert.Equal(t, "5678", entries[1].UniqueID)
	assert.Equal(t, []string{entries[1].EntryID}, env.manager.setup)

	rec = env.do(http.MethodPost, "/setup", strings.NewReader(form.Encode()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "already configured")
}

func TestSetupSubmitInvalid(t *testing.T) {
	env := setup(t)
	form := url.Values{"username": {"new@example.com"}, "host": {"evil.example.com"}}
	rec := env.do(http.MethodPost, "/setup", strings.NewReader(form.Encode()))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "required")
	assert.Contains(t, body, "invalid_host")
	assert.Contains(t, body, `value="new@example.com"`)
	assert.Empty(t, env.manager.setup)
}

func TestSetupSubmitNotReady(t *testing.T) {
	env := setup(t)
	env.manager.setupErr = fmt.Errorf("%w: timeout", coordinator.ErrNotReady)
	form := url.Values{
		"username": {"new@example.com"},
		"password": {"secret"},
		"host":     {ecos.APIHosts[0]},
	}
	rec := env.do(http.MethodPost, "/setup", strings.NewReader(form.Encode()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Added account new@example.com")
	entries, _ := env.store.List()
	require.Len(t, entries, 2)
	assert.Equal(t, []string{entries[1].EntryID}, env.manager.setup)
}
