package host

import (
	"context"
	"time"

	"gasmeter/internal/models"
)

// EntityState is the current state of an entity owned by the host.
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	LastChanged time.Time              `json:"last_changed"`
}

// StateChange is delivered to subscribers when a watched entity changes.
// NewState is nil when the entity was removed.
type StateChange struct {
	EntityID string
	OldState *EntityState
	NewState *EntityState
}

// Value returns the new state string, empty when the entity was removed.
func (c StateChange) Value() string {
	if c.NewState == nil {
		return ""
	}
	return c.NewState.State
}

type ChangeHandler func(StateChange)

type StateStore interface {
	Get(entityID string) (EntityState, bool)
}

type Dispatcher interface {
	// Call blocks until the host acknowledged the service call.
	Call(ctx context.Context, domain, service string, data map[string]interface{}) error
}

type Subscriber interface {
	Subscribe(entityIDs []string, handler ChangeHandler) (func(), error)
}

// Host bundles the capabilities consumed from the home automation platform.
type Host interface {
	StateStore
	Dispatcher
	Subscriber
}

type RecordStore interface {
	GetRecord(id string) (*models.Record, error)
	UpdateRecord(id string, values map[models.Field]float64) error
	SaveRecord(rec *models.Record) error
}

const (
	DomainInputNumber = "input_number"
	ServiceSetValue   = "set_value"
	AttrFriendlyName  = "friendly_name"
	DataEntityID      = "entity_id"
	DataValue         = "value"
	StateUnavailable  = "unavailable"
)
