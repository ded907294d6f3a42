package host

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process host. Change events are delivered serially and
// never re-entrantly: an event raised from inside a handler is queued and
// delivered after the running handler returns.
type Memory struct {
	mutex    sync.Mutex
	states   map[string]EntityState
	subs     map[uint64]subscription
	nextID   uint64
	calls    []Call
	failures map[string]error

	pending     []StateChange
	dispatching bool
}

type subscription struct {
	ids     map[string]struct{}
	handler ChangeHandler
}

// Call records a service call received by Memory.
type Call struct {
	Domain  string
	Service string
	Data    map[string]interface{}
}

func NewMemory() *Memory {
	return &Memory{
		states:   make(map[string]EntityState),
		subs:     make(map[uint64]subscription),
		failures: make(map[string]error),
	}
}

func (m *Memory) Get(entityID string) (EntityState, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.states[entityID]
	return s, ok
}

// SetState creates or updates an entity and notifies subscribers.
func (m *Memory) SetState(entityID, state string) {
	m.mutex.Lock()
	old, existed := m.states[entityID]
	next := EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  old.Attributes,
		LastChanged: time.Now(),
	}
	m.states[entityID] = next
	change := StateChange{EntityID: entityID, NewState: &next}
	if existed {
		change.OldState = &old
	}
	m.pending = append(m.pending, change)
	m.mutex.Unlock()

	m.drain()
}

// Remove deletes an entity and notifies subscribers with a nil NewState.
func (m *Memory) Remove(entityID string) {
	m.mutex.Lock()
	old, existed := m.states[entityID]
	if !existed {
		m.mutex.Unlock()
		return
	}
	delete(m.states, entityID)
	m.pending = append(m.pending, StateChange{EntityID: entityID, OldState: &old})
	m.mutex.Unlock()

	m.drain()
}

// FailCalls makes every call targeting entityID return err. A nil err clears it.
func (m *Memory) FailCalls(entityID string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err == nil {
		delete(m.failures, entityID)
		return
	}
	m.failures[entityID] = err
}

func (m *Memory) Call(ctx context.Context, domain, service string, data map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entityID, _ := data[DataEntityID].(string)

	m.mutex.Lock()
	m.calls = append(m.calls, Call{Domain: domain, Service: service, Data: data})
	failure := m.failures[entityID]
	_, exists := m.states[entityID]
	m.mutex.Unlock()

	if failure != nil {
		return failure
	}
	if domain != DomainInputNumber || service != ServiceSetValue {
		return fmt.Errorf("service %s.%s not found", domain, service)
	}
	if !exists {
		return fmt.Errorf("entity %s not found", entityID)
	}

	var value string
	switch v := data[DataValue].(type) {
	case float64:
		value = strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		value = v
	default:
		return fmt.Errorf("invalid value %v for %s", data[DataValue], entityID)
	}

	m.mutex.Lock()
	current := m.states[entityID]
	m.mutex.Unlock()
	if current.State == value {
		return nil
	}
	m.SetState(entityID, value)
	return nil
}

// Calls returns the service calls received so far.
func (m *Memory) Calls() []Call {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *Memory) Subscribe(entityIDs []string, handler ChangeHandler) (func(), error) {
	ids := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		ids[id] = struct{}{}
	}

	m.mutex.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = subscription{ids: ids, handler: handler}
	m.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mutex.Lock()
			delete(m.subs, id)
			m.mutex.Unlock()
		})
	}, nil
}

// Subscriptions returns the number of live subscriptions.
func (m *Memory) Subscriptions() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.subs)
}

func (m *Memory) drain() {
	m.mutex.Lock()
	if m.dispatching {
		m.mutex.Unlock()
		return
	}
	m.dispatching = true
	for len(m.pending) > 0 {
		change := m.pending[0]
		m.pending = m.pending[1:]

		var targets []uint64
		for id, sub := range m.subs {
			if _, ok := sub.ids[change.EntityID]; ok {
				targets = append(targets, id)
			}
		}
		slices.Sort(targets)
		for _, id := range targets {
			// a handler may unsubscribe others; those must not fire
			sub, ok := m.subs[id]
			if !ok {
				continue
			}
			m.mutex.Unlock()
			sub.handler(change)
			m.mutex.Lock()
		}
	}
	m.dispatching = false
	m.mutex.Unlock()
}
