package calculator

import (
	"fmt"
	"math"
	"sync"

	"gasmeter/internal/homeassistant"
	"gasmeter/internal/host"
	"gasmeter/internal/metrics"
	"gasmeter/internal/models"

	"github.com/sirupsen/logrus"
)

type State int

const (
	Uninitialized State = iota
	Unknown
	Valid
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Unknown:
		return "unknown"
	case Valid:
		return "valid"
	}
	return "invalid"
}

// Sensor describes the computed entity a Calculator produces.
type Sensor struct {
	Key         string
	Name        string
	Unit        string
	Icon        string
	DeviceClass homeassistant.DeviceClass
	StateClass  homeassistant.StateClass
	Precision   int
}

// Publisher receives every reading a Calculator computes.
type Publisher interface {
	PublishReading(sensor Sensor, reading models.Reading) error
}

// Calculator multiplies a fixed pair of mirrored inputs and rounds the product.
type Calculator struct {
	sensor    Sensor
	inputs    [2]models.Field
	publisher Publisher
	tracker   *host.Tracker
	logger    *logrus.Logger

	mutex    sync.Mutex
	bindings models.Bindings
	values   map[models.Field]models.Reading
	state    State
	reading  models.Reading
}

func New(sensor Sensor, inputs [2]models.Field, subscriber host.Subscriber, publisher Publisher, logger *logrus.Logger) *Calculator {
	return &Calculator{
		sensor:    sensor,
		inputs:    inputs,
		publisher: publisher,
		tracker:   host.NewTracker(subscriber),
		logger:    logger,
		values:    make(map[models.Field]models.Reading, len(inputs)),
	}
}

func (c *Calculator) Sensor() Sensor {
	return c.sensor
}

func (c *Calculator) Inputs() []models.Field {
	return c.inputs[:]
}

// Compute returns the rounded product of the inputs, or an error wrapping
// ErrArithmetic when the product is not finite.
func Compute(a, b float64, precision int) (float64, error) {
	product := a * b
	if math.IsNaN(product) || math.IsInf(product, 0) {
		return 0, fmt.Errorf("%w: %v * %v", models.ErrArithmetic, a, b)
	}
	scale := math.Pow(10, float64(precision))
	scaled := product * scale
	if math.IsInf(scaled, 0) {
		// too large to carry any fractional digits
		return product, nil
	}
	return math.Round(scaled) / scale, nil
}

// Recompute derives the reading from inputs. Any absent input yields Unknown.
func (c *Calculator) Recompute(inputs map[models.Field]models.Reading) models.Reading {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, f := range c.inputs {
		c.values[f] = inputs[f]
	}
	return c.recompute()
}

func (c *Calculator) recompute() models.Reading {
	reading := models.Unknown()
	a, b := c.values[c.inputs[0]], c.values[c.inputs[1]]
	if a.Valid && b.Valid {
		v, err := Compute(a.Value, b.Value, c.sensor.Precision)
		if err != nil {
			c.logger.Errorf("%s: %v", c.sensor.Key, err)
		} else {
			reading = models.Known(v)
		}
	}

	prev := c.state
	c.reading = reading
	if reading.Valid {
		c.state = Valid
	} else {
		c.state = Unknown
	}
	if prev != c.state {
		c.logger.Debugf("%s: %s -> %s", c.sensor.Key, prev, c.state)
	}
	c.logger.Debugf("%s: calculated %s", c.sensor.Key, reading)
	metrics.ObserveRecompute(c.sensor.Key, reading.Valid, reading.Value)
	return reading
}

// Init seeds the inputs from the live entities, falling back to the record
// values, computes the first reading and publishes it. It runs once.
func (c *Calculator) Init(states host.StateStore, rec *models.Record) models.Reading {
	c.mutex.Lock()
	if c.state != Uninitialized {
		defer c.mutex.Unlock()
		return c.reading
	}

	c.bindings = rec.Bindings().Subset(c.inputs[:]...)
	for _, f := range c.inputs {
		if v, ok := liveValue(states, c.bindings[f]); ok {
			c.values[f] = models.Known(v)
			continue
		}
		c.values[f] = models.Known(rec.Value(f))
	}
	c.logger.Debugf("%s: initial inputs %v", c.sensor.Key, c.values)

	reading := c.recompute()
	c.mutex.Unlock()

	c.publish(reading)
	return reading
}

// Start subscribes to the entities bound to the calculator inputs.
func (c *Calculator) Start() error {
	c.mutex.Lock()
	ids := c.bindings.EntityIDs()
	c.mutex.Unlock()
	return c.tracker.Track(ids, c.HandleChange)
}

func (c *Calculator) Stop() {
	c.tracker.Stop()
}

// Rebind follows a reconfiguration. Inputs whose entity changed are re-read
// from the new entity when it holds a number; the subscription is replaced
// before Rebind returns.
func (c *Calculator) Rebind(states host.StateStore, bindings models.Bindings) error {
	c.mutex.Lock()
	next := bindings.Subset(c.inputs[:]...)
	changed := false
	for _, f := range c.inputs {
		if c.bindings[f] == next[f] {
			continue
		}
		changed = true
		if v, ok := liveValue(states, next[f]); ok {
			c.values[f] = models.Known(v)
		}
	}
	c.bindings = next
	var reading models.Reading
	if changed {
		c.logger.Infof("%s: rebound to %v", c.sensor.Key, next.EntityIDs())
		reading = c.recompute()
	}
	ids := next.EntityIDs()
	c.mutex.Unlock()

	if changed {
		c.publish(reading)
	}
	return c.tracker.Track(ids, c.HandleChange)
}

// HandleChange applies a mirror entity change and publishes the new reading.
func (c *Calculator) HandleChange(change host.StateChange) {
	c.mutex.Lock()
	f, ok := c.bindings.Lookup(change.EntityID)
	if !ok {
		c.mutex.Unlock()
		return
	}

	raw := change.Value()
	if models.IsUnavailable(raw) {
		c.values[f] = models.Unknown()
		c.logger.Debugf("%s: %s is %q", c.sensor.Key, change.EntityID, raw)
	} else if v, err := models.ParseValue(raw); err != nil {
		c.values[f] = models.Unknown()
		c.logger.Warnf("%s: %s: %v", c.sensor.Key, change.EntityID, err)
	} else {
		c.values[f] = models.Known(v)
		c.logger.Debugf("%s: updated %s to %v", c.sensor.Key, f, v)
	}
	reading := c.recompute()
	c.mutex.Unlock()

	c.publish(reading)
}

func (c *Calculator) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

func (c *Calculator) Reading() models.Reading {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.reading
}

// publish is called without c.mutex held.
func (c *Calculator) publish(reading models.Reading) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishReading(c.sensor, reading); err != nil {
		c.logger.Errorf("%s: failed to publish reading: %v", c.sensor.Key, err)
	}
}

func liveValue(states host.StateStore, entityID string) (float64, bool) {
	if states == nil || entityID == "" {
		return 0, false
	}
	s, ok := states.Get(entityID)
	if !ok || models.IsUnavailable(s.State) {
		return 0, false
	}
	v, err := models.ParseValue(s.State)
	if err != nil {
		return 0, false
	}
	return v, true
}
