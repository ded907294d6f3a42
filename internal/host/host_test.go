package host

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetValue(t *testing.T) {
	m := NewMemory()
	m.SetState("input_number.gas_pcs", "0")

	var got []StateChange
	unsub, err := m.Subscribe([]string{"input_number.gas_pcs"}, func(c StateChange) {
		got = append(got, c)
	})
	require.NoError(t, err)

	err = m.Call(context.Background(), DomainInputNumber, ServiceSetValue, map[string]interface{}{
		DataEntityID: "input_number.gas_pcs",
		DataValue:    9.4,
	})
	require.NoError(t, err)

	s, ok := m.Get("input_number.gas_pcs")
	assert.True(t, ok)
	assert.Equal(t, "9.4", s.State)
	require.Len(t, got, 1)
	assert.Equal(t, "9.4", got[0].Value())
	assert.Equal(t, "0", got[0].OldState.State)

	// same value does not fire a change
	err = m.Call(context.Background(), DomainInputNumber, ServiceSetValue, map[string]interface{}{
		DataEntityID: "input_number.gas_pcs",
		DataValue:    9.4,
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	unsub()
	m.SetState("input_number.gas_pcs", "1")
	assert.Len(t, got, 1)
	assert.Equal(t, 0, m.Subscriptions())
}

func TestMemoryCallErrors(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.Call(ctx, DomainInputNumber, ServiceSetValue, map[string]interface{}{DataEntityID: "input_number.nope", DataValue: 1.0})
	assert.Error(t, err)

	m.SetState("input_number.x", "1")
	err = m.Call(ctx, "light", "turn_on", map[string]interface{}{DataEntityID: "input_number.x"})
	assert.Error(t, err)

	boom := errors.New("boom")
	m.FailCalls("input_number.x", boom)
	err = m.Call(ctx, DomainInputNumber, ServiceSetValue, map[string]interface{}{DataEntityID: "input_number.x", DataValue: 2.0})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, m.Calls(), 3)
}

func TestMemoryNoReentrantDelivery(t *testing.T) {
	m := NewMemory()
	m.SetState("a", "0")
	m.SetState("b", "0")

	var order []string
	depth := 0
	_, err := m.Subscribe([]string{"a", "b"}, func(c StateChange) {
		depth++
		assert.Equal(t, 1, depth)
		order = append(order, c.EntityID+"="+c.Value())
		if c.EntityID == "a" {
			m.SetState("b", c.Value())
		}
		depth--
	})
	require.NoError(t, err)

	m.SetState("a", "5")
	assert.Equal(t, []string{"a=5", "b=5"}, order)
}

func TestTrackerRebind(t *testing.T) {
	m := NewMemory()
	tr := NewTracker(m)

	var seen []string
	handler := func(c StateChange) { seen = append(seen, c.EntityID) }

	require.NoError(t, tr.Track([]string{"b", "a"}, handler))
	assert.Equal(t, []string{"a", "b"}, tr.Watching())
	assert.Equal(t, 1, m.Subscriptions())

	// same set keeps the subscription
	require.NoError(t, tr.Track([]string{"a", "b", "a"}, handler))
	assert.Equal(t, 1, m.Subscriptions())

	require.NoError(t, tr.Track([]string{"a", "c"}, handler))
	assert.Equal(t, 1, m.Subscriptions())
	assert.Equal(t, []string{"a", "c"}, tr.Watching())

	m.SetState("b", "1")
	m.SetState("c", "1")
	assert.Equal(t, []string{"c"}, seen)

	tr.Stop()
	assert.Equal(t, 0, m.Subscriptions())
	assert.Empty(t, tr.Watching())
}
