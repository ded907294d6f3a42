package host

import (
	"slices"
	"sync"
)

// Tracker owns a single subscription and keeps it pointed at the current set
// of entity ids. Replacing the set tears the old subscription down first.
type Tracker struct {
	subscriber Subscriber

	mutex       sync.Mutex
	ids         []string
	unsubscribe func()
}

func NewTracker(subscriber Subscriber) *Tracker {
	return &Tracker{subscriber: subscriber}
}

// Track subscribes handler to ids. It is a no-op when ids did not change.
func (t *Tracker) Track(ids []string, handler ChangeHandler) error {
	want := slices.Clone(ids)
	slices.Sort(want)
	want = slices.Compact(want)

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.unsubscribe != nil && slices.Equal(t.ids, want) {
		return nil
	}
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
		t.ids = nil
	}
	if len(want) == 0 {
		return nil
	}

	unsub, err := t.subscriber.Subscribe(want, handler)
	if err != nil {
		return err
	}
	t.ids = want
	t.unsubscribe = unsub
	return nil
}

// Watching returns the currently subscribed ids, sorted.
func (t *Tracker) Watching() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return slices.Clone(t.ids)
}

func (t *Tracker) Stop() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	t.unsubscribe = nil
	t.ids = nil
}
