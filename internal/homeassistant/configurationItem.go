package homeassistant

import "strings"

const (
	PayloadAvailable    = "online"
	PayloadNotAvailable = "offline"

	ComponentSensor = "sensor"

	// ValueTemplate extracts the value from a State payload.
	ValueTemplate = "{{ value_json.value }}"
)

type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// ConfigurationItem is the MQTT discovery payload of one entity.
type ConfigurationItem struct {
	DeviceClass         DeviceClass `json:"device_class,omitempty"`
	UnitOfMeasurement   string      `json:"unit_of_measurement,omitempty"`
	Device              Device      `json:"device"`
	StateClass          StateClass  `json:"state_class,omitempty"`
	UniqueId            string      `json:"unique_id"`
	ObjectId            string      `json:"object_id,omitempty"`
	Name                string      `json:"name"`
	Icon                string      `json:"icon,omitempty"`
	StateTopic          string      `json:"state_topic"`
	ValueTemplate       string      `json:"value_template,omitempty"`
	AvailabilityTopic   string      `json:"availability_topic,omitempty"`
	PayloadAvailable    string      `json:"payload_available,omitempty"`
	PayloadNotAvailable string      `json:"payload_not_available,omitempty"`
	SuggestedPrecision  *int        `json:"suggested_display_precision,omitempty"`
}

// State is the JSON state payload. A nil Value renders the entity unknown.
type State struct {
	Value *float64 `json:"value"`
}

// Topics builds the discovery topic layout
// <prefix>/<component>/<node>/<object>/<suffix>.
type Topics struct {
	Prefix string
	NodeID string
}

func (t Topics) Config(component, objectID string) string {
	return t.join(component, objectID, "config")
}

func (t Topics) State(component, objectID string) string {
	return t.join(component, objectID, "state")
}

func (t Topics) Availability() string {
	return strings.Join([]string{t.Prefix, t.NodeID, "availability"}, "/")
}

func (t Topics) join(component, objectID, suffix string) string {
	return strings.Join([]string{t.Prefix, component, t.NodeID, ObjectID(objectID), suffix}, "/")
}

// ObjectID lowercases name and replaces anything outside [a-z0-9_] by '_'.
func ObjectID(name string) string {
	b := []byte(strings.ToLower(name))
	for i, c := range b {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			b[i] = '_'
		}
	}
	return string(b)
}
