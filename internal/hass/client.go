package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"gasmeter/internal/config"
	"gasmeter/internal/host"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	ErrAuth         = errors.New("home assistant authentication failed")
	ErrNotConnected = errors.New("not connected to home assistant")
)

const (
	typeAuthRequired = "auth_required"
	typeAuth         = "auth"
	typeAuthOK       = "auth_ok"
	typeAuthInvalid  = "auth_invalid"
	typeResult       = "result"
	typeEvent        = "event"
	typePing         = "ping"
	typePong         = "pong"

	eventStateChanged = "state_changed"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type message struct {
	ID        int             `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   bool            `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *apiError       `json:"error,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Message   string          `json:"message,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
}

type event struct {
	EventType string `json:"event_type"`
	Data      struct {
		EntityID string            `json:"entity_id"`
		OldState *host.EntityState `json:"old_state"`
		NewState *host.EntityState `json:"new_state"`
	} `json:"data"`
}

type subscription struct {
	ids     map[string]struct{}
	handler host.ChangeHandler
}

// Client talks to the Home Assistant websocket API. It keeps a cache of all
// entity states and delivers state changes to subscribers one at a time on
// its own goroutine, so handlers may call back into the client.
type Client struct {
	url       string
	token     string
	logger    *logrus.Logger
	timeout   time.Duration
	retryWait time.Duration
	pingEvery time.Duration

	writeMutex sync.Mutex

	mutex   sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	nextID  int
	pending map[int]chan message
	states  map[string]host.EntityState
	subs    map[uint64]subscription
	nextSub uint64
	queue   []host.StateChange

	wake      chan struct{}
	closed    chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func NewClient(cfg config.HomeAssistantConfig, logger *logrus.Logger) *Client {
	return &Client{
		url:       cfg.URL,
		token:     cfg.Token,
		logger:    logger,
		timeout:   10 * time.Second,
		retryWait: 5 * time.Second,
		pingEvery: 30 * time.Second,
		pending:   make(map[int]chan message),
		states:    make(map[string]host.EntityState),
		subs:      make(map[uint64]subscription),
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// Connect dials, authenticates, subscribes to state changes and primes the
// state cache.
func (c *Client) Connect(ctx context.Context) error {
	c.startOnce.Do(func() { go c.dispatch() })

	c.logger.Infof("Connecting to Home Assistant at %s...", c.url)

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}
	version, err := c.authenticate(conn)
	if err != nil {
		conn.Close()
		return err
	}

	done := make(chan struct{})
	c.mutex.Lock()
	c.conn = conn
	c.done = done
	c.mutex.Unlock()
	go c.readLoop(conn, done)

	if _, err := c.request(ctx, map[string]interface{}{"type": "subscribe_events", "event_type": eventStateChanged}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to state changes: %w", err)
	}
	if err := c.prime(ctx); err != nil {
		conn.Close()
		return err
	}
	go c.keepAlive(conn, done)

	c.logger.Infof("Connected to Home Assistant %s", version)
	return nil
}

func (c *Client) authenticate(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(c.timeout))
	defer conn.SetReadDeadline(time.Time{})

	var msg message
	if err := conn.ReadJSON(&msg); err != nil {
		return "", fmt.Errorf("failed to read greeting: %w", err)
	}
	if msg.Type != typeAuthRequired {
		return "", fmt.Errorf("unexpected greeting %q", msg.Type)
	}
	version := msg.HAVersion

	if err := conn.WriteJSON(map[string]interface{}{"type": typeAuth, "access_token": c.token}); err != nil {
		return "", err
	}
	if err := conn.ReadJSON(&msg); err != nil {
		return "", fmt.Errorf("failed to read auth reply: %w", err)
	}
	switch msg.Type {
	case typeAuthOK:
		return version, nil
	case typeAuthInvalid:
		return "", fmt.Errorf("%w: %s", ErrAuth, msg.Message)
	}
	return "", fmt.Errorf("unexpected auth reply %q", msg.Type)
}

func (c *Client) prime(ctx context.Context) error {
	result, err := c.request(ctx, map[string]interface{}{"type": "get_states"})
	if err != nil {
		return fmt.Errorf("failed to fetch states: %w", err)
	}
	var states []host.EntityState
	if err := json.Unmarshal(result, &states); err != nil {
		return fmt.Errorf("failed to decode states: %w", err)
	}

	c.mutex.Lock()
	// After a reconnect, whatever changed while the connection was down is
	// delivered like a state_changed event.
	reconnect := len(c.states) > 0
	fresh := make(map[string]host.EntityState, len(states))
	var missed []host.StateChange
	for _, s := range states {
		s := s
		fresh[s.EntityID] = s
		old, known := c.states[s.EntityID]
		switch {
		case known && old.State != s.State:
			missed = append(missed, host.StateChange{EntityID: s.EntityID, OldState: &old, NewState: &s})
		case !known && reconnect:
			missed = append(missed, host.StateChange{EntityID: s.EntityID, NewState: &s})
		}
	}
	for id, old := range c.states {
		if _, ok := fresh[id]; !ok {
			old := old
			missed = append(missed, host.StateChange{EntityID: id, OldState: &old})
		}
	}
	c.states = fresh
	c.queue = append(c.queue, missed...)
	c.mutex.Unlock()

	if len(missed) > 0 {
		c.logger.Infof("Delivering %d state changes missed while disconnected", len(missed))
		c.notify()
	}
	c.logger.Debugf("Loaded %d entity states", len(states))
	return nil
}

// Run keeps the connection alive, reconnecting after every loss, until ctx
// is done. Connect must have succeeded once before.
func (c *Client) Run(ctx context.Context) {
	for {
		c.mutex.Lock()
		done := c.done
		c.mutex.Unlock()

		if done != nil {
			select {
			case <-ctx.Done():
				c.Close()
				return
			case <-done:
			}
			c.logger.Warn("Connection to Home Assistant lost")
		}

		for {
			select {
			case <-ctx.Done():
				c.Close()
				return
			case <-time.After(c.retryWait):
			}
			if err := c.Connect(ctx); err != nil {
				c.logger.Errorf("%v, retrying in %s", err, c.retryWait)
				continue
			}
			break
		}
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mutex.Lock()
		conn := c.conn
		c.conn = nil
		c.mutex.Unlock()

		if conn != nil {
			c.writeMutex.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMutex.Unlock()
			conn.Close()
			c.logger.Info("Disconnected from Home Assistant")
		}
	})
}

func (c *Client) Connected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.conn != nil
}

func (c *Client) Get(entityID string) (host.EntityState, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	s, ok := c.states[entityID]
	return s, ok
}

// Call invokes a service and waits for Home Assistant to acknowledge it.
// The entity_id entry of data becomes the service target.
func (c *Client) Call(ctx context.Context, domain, service string, data map[string]interface{}) error {
	serviceData := make(map[string]interface{}, len(data))
	var target map[string]interface{}
	for k, v := range data {
		if k == host.DataEntityID {
			target = map[string]interface{}{host.DataEntityID: v}
			continue
		}
		serviceData[k] = v
	}
	payload := map[string]interface{}{
		"type":         "call_service",
		"domain":       domain,
		"service":      service,
		"service_data": serviceData,
	}
	if target != nil {
		payload["target"] = target
	}
	if _, err := c.request(ctx, payload); err != nil {
		return fmt.Errorf("%s.%s: %w", domain, service, err)
	}
	return nil
}

func (c *Client) Subscribe(entityIDs []string, handler host.ChangeHandler) (func(), error) {
	ids := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		ids[id] = struct{}{}
	}

	c.mutex.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = subscription{ids: ids, handler: handler}
	c.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mutex.Lock()
			delete(c.subs, id)
			c.mutex.Unlock()
		})
	}, nil
}

func (c *Client) request(ctx context.Context, payload map[string]interface{}) (json.RawMessage, error) {
	c.mutex.Lock()
	if c.conn == nil {
		c.mutex.Unlock()
		return nil, ErrNotConnected
	}
	conn, done := c.conn, c.done
	c.nextID++
	id := c.nextID
	reply := make(chan message, 1)
	c.pending[id] = reply
	c.mutex.Unlock()

	defer func() {
		c.mutex.Lock()
		delete(c.pending, id)
		c.mutex.Unlock()
	}()

	payload["id"] = id
	c.writeMutex.Lock()
	err := conn.WriteJSON(payload)
	c.writeMutex.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send %v: %w", payload["type"], err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case msg := <-reply:
		if msg.Type == typeResult && !msg.Success {
			if msg.Error != nil {
				return nil, msg.Error
			}
			return nil, fmt.Errorf("request %d failed", id)
		}
		return msg.Result, nil
	case <-done:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for reply to %v", payload["type"])
	}
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		c.mutex.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mutex.Unlock()
		close(done)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Errorf("Home Assistant read failed: %v", err)
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warnf("Ignoring malformed message: %v", err)
			continue
		}

		switch msg.Type {
		case typeResult, typePong:
			c.mutex.Lock()
			reply, ok := c.pending[msg.ID]
			c.mutex.Unlock()
			if ok {
				reply <- msg
			}
		case typeEvent:
			c.handleEvent(msg.Event)
		default:
			c.logger.Debugf("Unhandled message type %q", msg.Type)
		}
	}
}

func (c *Client) handleEvent(raw json.RawMessage) {
	var e event
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warnf("Ignoring malformed event: %v", err)
		return
	}
	if e.EventType != eventStateChanged {
		return
	}

	change := host.StateChange{
		EntityID: e.Data.EntityID,
		OldState: e.Data.OldState,
		NewState: e.Data.NewState,
	}

	c.mutex.Lock()
	if change.NewState == nil {
		delete(c.states, change.EntityID)
	} else {
		c.states[change.EntityID] = *change.NewState
	}
	c.queue = append(c.queue, change)
	c.mutex.Unlock()

	c.notify()
}

func (c *Client) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) dispatch() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
		}

		for {
			c.mutex.Lock()
			if len(c.queue) == 0 {
				c.mutex.Unlock()
				break
			}
			change := c.queue[0]
			c.queue = c.queue[1:]
			var targets []uint64
			for id, sub := range c.subs {
				if _, ok := sub.ids[change.EntityID]; ok {
					targets = append(targets, id)
				}
			}
			c.mutex.Unlock()

			slices.Sort(targets)
			for _, id := range targets {
				c.mutex.Lock()
				sub, ok := c.subs[id]
				c.mutex.Unlock()
				if !ok {
					continue
				}
				sub.handler(change)
			}
		}
	}
}

func (c *Client) keepAlive(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, err := c.request(context.Background(), map[string]interface{}{"type": typePing}); err != nil {
				c.logger.Warnf("Ping failed: %v", err)
				conn.Close()
				return
			}
		}
	}
}
