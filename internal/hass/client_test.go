package hass

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gasmeter/internal/config"
	"gasmeter/internal/host"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// fakeHomeAssistant serves a small subset of the websocket API.
type fakeHomeAssistant struct {
	token string

	mutex  sync.Mutex
	states map[string]host.EntityState
	calls  []map[string]interface{}
	conns  []*websocket.Conn
}

func newFakeHomeAssistant(t *testing.T) (*fakeHomeAssistant, string) {
	f := &fakeHomeAssistant{
		token: "secret",
		states: map[string]host.EntityState{
			"input_number.gas_meter_reading": {EntityID: "input_number.gas_meter_reading", State: "100"},
			"input_number.gas_pcs": {
				EntityID:   "input_number.gas_pcs",
				State:      "9.4",
				Attributes: map[string]interface{}{"friendly_name": "Gas PCS"},
			},
			"input_number.price_per_kwh": {EntityID: "input_number.price_per_kwh", State: "0.291"},
		},
	}
	server := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(server.Close)
	return f, "ws" + strings.TrimPrefix(server.URL, "http") + "/api/websocket"
}

func (f *fakeHomeAssistant) serve(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mutex.Lock()
	f.conns = append(f.conns, conn)
	f.mutex.Unlock()

	_ = conn.WriteJSON(map[string]interface{}{"type": "auth_required", "ha_version": "2024.6.0"})
	var auth map[string]interface{}
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth["access_token"] != f.token {
		_ = conn.WriteJSON(map[string]interface{}{"type": "auth_invalid", "message": "Invalid access token"})
		return
	}
	_ = conn.WriteJSON(map[string]interface{}{"type": "auth_ok", "ha_version": "2024.6.0"})

	subscription := 0
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		id := int(msg["id"].(float64))
		switch msg["type"] {
		case "subscribe_events":
			subscription = id
			_ = conn.WriteJSON(map[string]interface{}{"id": id, "type": "result", "success": true, "result": nil})
		case "get_states":
			f.mutex.Lock()
			states := make([]host.EntityState, 0, len(f.states))
			for _, s := range f.states {
				states = append(states, s)
			}
			f.mutex.Unlock()
			_ = conn.WriteJSON(map[string]interface{}{"id": id, "type": "result", "success": true, "result": states})
		case "ping":
			_ = conn.WriteJSON(map[string]interface{}{"id": id, "type": "pong"})
		case "call_service":
			f.mutex.Lock()
			f.calls = append(f.calls, msg)
			f.mutex.Unlock()
			if msg["domain"] != "input_number" || msg["service"] != "set_value" {
				_ = conn.WriteJSON(map[string]interface{}{
					"id": id, "type": "result", "success": false,
					"error": map[string]interface{}{"code": "not_found", "message": "Service not found."},
				})
				continue
			}
			target := msg["target"].(map[string]interface{})["entity_id"].(string)
			value := msg["service_data"].(map[string]interface{})["value"]

			f.mutex.Lock()
			old := f.states[target]
			next := old
			next.State = fmt.Sprint(value)
			f.states[target] = next
			f.mutex.Unlock()

			_ = conn.WriteJSON(map[string]interface{}{
				"id":   subscription,
				"type": "event",
				"event": map[string]interface{}{
					"event_type": "state_changed",
					"data": map[string]interface{}{
						"entity_id": target,
						"old_state": old,
						"new_state": next,
					},
				},
			})
			_ = conn.WriteJSON(map[string]interface{}{"id": id, "type": "result", "success": true, "result": nil})
		}
	}
}

// drop closes every open connection without a close handshake.
func (f *fakeHomeAssistant) drop() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for _, conn := range f.conns {
		conn.Close()
	}
	f.conns = nil
}

func (f *fakeHomeAssistant) setState(entityID, state string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	s := f.states[entityID]
	s.EntityID = entityID
	s.State = state
	f.states[entityID] = s
}

func (f *fakeHomeAssistant) remove(entityID string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	delete(f.states, entityID)
}

func (f *fakeHomeAssistant) callCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.calls)
}

func connect(t *testing.T, url, token string) *Client {
	c := NewClient(config.HomeAssistantConfig{URL: url, Token: token}, testLogger())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func TestConnectPrimesStates(t *testing.T) {
	_, url := newFakeHomeAssistant(t)
	c := connect(t, url, "secret")

	assert.True(t, c.Connected())
	s, ok := c.Get("input_number.gas_pcs")
	require.True(t, ok)
	assert.Equal(t, "9.4", s.State)
	assert.Equal(t, "Gas PCS", s.Attributes["friendly_name"])

	_, ok = c.Get("input_number.missing")
	assert.False(t, ok)
}

func TestConnectRejectsBadToken(t *testing.T) {
	_, url := newFakeHomeAssistant(t)
	c := NewClient(config.HomeAssistantConfig{URL: url, Token: "wrong"}, testLogger())
	defer c.Close()

	err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrAuth))
	assert.False(t, c.Connected())
}

func TestCallDeliversStateChange(t *testing.T) {
	f, url := newFakeHomeAssistant(t)
	c := connect(t, url, "secret")

	changes := make(chan host.StateChange, 4)
	unsubscribe, err := c.Subscribe([]string{"input_number.gas_meter_reading"}, func(change host.StateChange) {
		changes <- change
	})
	require.NoError(t, err)
	defer unsubscribe()

	err = c.Call(context.Background(), host.DomainInputNumber, host.ServiceSetValue, map[string]interface{}{
		host.DataEntityID: "input_number.gas_meter_reading",
		host.DataValue:    120.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.callCount())

	select {
	case change := <-changes:
		assert.Equal(t, "input_number.gas_meter_reading", change.EntityID)
		assert.Equal(t, "120.5", change.Value())
		assert.Equal(t, "100", change.OldState.State)
	case <-time.After(5 * time.Second):
		t.Fatal("no state change delivered")
	}

	s, _ := c.Get("input_number.gas_meter_reading")
	assert.Equal(t, "120.5", s.State)
}

func TestHandlerMayCallBack(t *testing.T) {
	_, url := newFakeHomeAssistant(t)
	c := connect(t, url, "secret")

	errs := make(chan error, 1)
	_, err := c.Subscribe([]string{"input_number.gas_pcs"}, func(change host.StateChange) {
		errs <- c.Call(context.Background(), host.DomainInputNumber, host.ServiceSetValue, map[string]interface{}{
			host.DataEntityID: "input_number.price_per_kwh",
			host.DataValue:    0.5,
		})
	})
	require.NoError(t, err)

	require.NoError(t, c.Call(context.Background(), host.DomainInputNumber, host.ServiceSetValue, map[string]interface{}{
		host.DataEntityID: "input_number.gas_pcs",
		host.DataValue:    10.2,
	}))

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not run")
	}
	assert.Eventually(t, func() bool {
		s, _ := c.Get("input_number.price_per_kwh")
		return s.State == "0.5"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnsubscribedHandlerDoesNotFire(t *testing.T) {
	_, url := newFakeHomeAssistant(t)
	c := connect(t, url, "secret")

	var mutex sync.Mutex
	fired := 0
	unsubscribe, err := c.Subscribe([]string{"input_number.gas_pcs"}, func(host.StateChange) {
		mutex.Lock()
		fired++
		mutex.Unlock()
	})
	require.NoError(t, err)
	unsubscribe()

	delivered := make(chan struct{}, 1)
	_, err = c.Subscribe([]string{"input_number.gas_pcs"}, func(host.StateChange) {
		delivered <- struct{}{}
	})
	require.NoError(t, err)

	require.NoError(t, c.Call(context.Background(), host.DomainInputNumber, host.ServiceSetValue, map[string]interface{}{
		host.DataEntityID: "input_number.gas_pcs",
		host.DataValue:    11,
	}))
	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("no state change delivered")
	}

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 0, fired)
}

func TestCallReturnsServiceError(t *testing.T) {
	_, url := newFakeHomeAssistant(t)
	c := connect(t, url, "secret")

	err := c.Call(context.Background(), "input_number", "reload_everything", nil)
	require.Error(t, err)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestCallAfterCloseFails(t *testing.T) {
	_, url := newFakeHomeAssistant(t)
	c := connect(t, url, "secret")
	c.Close()

	err := c.Call(context.Background(), host.DomainInputNumber, host.ServiceSetValue, map[string]interface{}{
		host.DataEntityID: "input_number.gas_pcs",
		host.DataValue:    1.0,
	})
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestReconnectDeliversMissedChanges(t *testing.T) {
	f, url := newFakeHomeAssistant(t)
	c := NewClient(config.HomeAssistantConfig{URL: url, Token: "secret"}, testLogger())
	c.retryWait = 10 * time.Millisecond
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	changes := make(chan host.StateChange, 8)
	_, err := c.Subscribe([]string{
		"input_number.gas_meter_reading",
		"input_number.gas_pcs",
		"input_number.price_per_kwh",
	}, func(change host.StateChange) {
		changes <- change
	})
	require.NoError(t, err)

	f.setState("input_number.gas_pcs", "11")
	f.remove("input_number.price_per_kwh")
	f.drop()

	got := map[string]host.StateChange{}
	for len(got) < 2 {
		select {
		case change := <-changes:
			got[change.EntityID] = change
		case <-time.After(5 * time.Second):
			t.Fatalf("missed changes not delivered, got %v", got)
		}
	}

	pcs := got["input_number.gas_pcs"]
	assert.Equal(t, "11", pcs.Value())
	require.NotNil(t, pcs.OldState)
	assert.Equal(t, "9.4", pcs.OldState.State)

	price := got["input_number.price_per_kwh"]
	assert.Nil(t, price.NewState)
	_, ok := c.Get("input_number.price_per_kwh")
	assert.False(t, ok)

	s, _ := c.Get("input_number.gas_pcs")
	assert.Equal(t, "11", s.State)
	assert.True(t, c.Connected())

	// the unchanged entity produced nothing
	select {
	case change := <-changes:
		t.Fatalf("unexpected change for %s", change.EntityID)
	case <-time.After(50 * time.Millisecond):
	}
}
