package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"gasmeter/internal/calculator"
	"gasmeter/internal/host"
	"gasmeter/internal/integration"
	"gasmeter/internal/metrics"
	"gasmeter/internal/models"
	"gasmeter/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registry = func() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	return reg
}()

type nopPublisher struct{}

func (nopPublisher) PublishReading(calculator.Sensor, models.Reading) error { return nil }

func (nopPublisher) Announce(string, string, ...calculator.Sensor) error { return nil }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type fixture struct {
	host    *host.Memory
	records *store.MemoryStore
	manager *integration.Manager
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	h := host.NewMemory()
	for _, id := range []string{"input_number.gas_meter_reading", "input_number.gas_pcs", "input_number.price_per_kwh"} {
		h.SetState(id, "0")
	}
	f := &fixture{host: h, records: store.NewMemoryStore()}
	f.manager = integration.NewManager(integration.Deps{
		Host:      h,
		Records:   f.records,
		Publisher: nopPublisher{},
		Currency:  "RON",
		Logger:    testLogger(),
	})
	t.Cleanup(f.manager.Unload)

	s := NewServer(":0", "meter", f.manager, registry, testLogger())
	f.server = httptest.NewServer(s.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) postJSON(t *testing.T, path string, body map[string]interface{}) (*http.Response, map[string]interface{}) {
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestSetupFlow(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "waiting_for_setup", body["status"])

	resp, body = f.get(t, "/setup")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "user", body["step_id"])
	assert.Len(t, body["fields"], 3)

	resp, body = f.postJSON(t, "/setup", map[string]interface{}{
		"meter_reading":    120.5,
		"calorific_factor": "9.4",
		"unit_price":       "0.2910",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "meter", body["id"])
	assert.Equal(t, "Gas meter", body["title"])

	state, _ := f.host.Get("input_number.gas_pcs")
	assert.Equal(t, "9.4", state.State)

	resp, _ = f.get(t, "/setup")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.get(t, "/healthz")
	assert.Equal(t, "ok", body["status"])
}

func TestSetupRejectsNegative(t *testing.T) {
	f := newFixture(t)

	resp, body := f.postJSON(t, "/setup", map[string]interface{}{
		"meter_reading":    "-1",
		"calorific_factor": "9.4",
		"unit_price":       "0.2910",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, map[string]interface{}{"base": "invalid_number"}, body["errors"])

	_, err := f.records.GetRecord("meter")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.host.Calls())
}

func TestOptionsFlow(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.get(t, "/options")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	form := url.Values{
		"meter_reading":    {"120.5"},
		"calorific_factor": {"9.4"},
		"unit_price":       {"0.2910"},
	}
	resp, err := http.PostForm(f.server.URL+"/setup", form)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	f.host.SetState("input_number.gas_meter_reading", "125")
	resp, body := f.get(t, "/options")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	fields := body["fields"].([]interface{})
	assert.Equal(t, 125.0, fields[0].(map[string]interface{})["default"])

	resp, body = f.postJSON(t, "/options", map[string]interface{}{
		"meter_reading":    "130",
		"calorific_factor": "9.4",
		"unit_price":       "0.3",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	state, _ := f.host.Get("input_number.price_per_kwh")
	assert.Equal(t, "0.3", state.State)

	stored, err := f.records.GetRecord("meter")
	require.NoError(t, err)
	assert.Equal(t, 130.0, stored.Value(models.MeterReading))

	resp, body = f.postJSON(t, "/options", map[string]interface{}{
		"meter_reading":     "130",
		"calorific_factor":  "9.4",
		"unit_price":        "0.3",
		"unit_price_entity": "not an entity",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, map[string]interface{}{"base": "invalid_entity"}, body["errors"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	_, _ = f.postJSON(t, "/setup", map[string]interface{}{
		"meter_reading":    "120.5",
		"calorific_factor": "9.4",
		"unit_price":       "0.2910",
	})

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), "gasmeter_push_total"))
}

func TestMalformedBody(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.server.URL+"/setup", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, map[string]interface{}{"base": "invalid_request"}, body["errors"])
}

func TestWrongValueTypeIsFormError(t *testing.T) {
	f := newFixture(t)
	for _, given := range []interface{}{true, map[string]interface{}{"v": 1}, []interface{}{1}} {
		resp, body := f.postJSON(t, "/setup", map[string]interface{}{
			"meter_reading":    given,
			"calorific_factor": "9.4",
			"unit_price":       "0.2910",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, map[string]interface{}{"base": "invalid_number"}, body["errors"])
		assert.Equal(t, "user", body["step_id"])
	}
	assert.Nil(t, f.manager.Record())
}
