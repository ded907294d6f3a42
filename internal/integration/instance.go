package integration

import (
	"context"
	"fmt"
	"sync"

	"gasmeter/internal/calculator"
	"gasmeter/internal/host"
	"gasmeter/internal/models"
	"gasmeter/internal/synchronizer"

	"github.com/sirupsen/logrus"
)

// Publisher is where the computed sensors are announced and published.
type Publisher interface {
	calculator.Publisher
	Announce(recordID, title string, sensors ...calculator.Sensor) error
}

type Deps struct {
	Host      host.Host
	Records   host.RecordStore
	Publisher Publisher
	Currency  string
	Logger    *logrus.Logger
}

// Instance is one configured gas meter: its synchronizer and both
// calculators, sharing the same host and record.
type Instance struct {
	deps Deps

	sync        *synchronizer.Synchronizer
	price       *calculator.Calculator
	consumption *calculator.Calculator

	mutex  sync.Mutex
	loaded bool
}

func New(rec *models.Record, deps Deps) *Instance {
	return &Instance{
		deps:        deps,
		sync:        synchronizer.New(deps.Host, deps.Records, rec, deps.Logger),
		price:       calculator.NewPrice(deps.Currency, deps.Host, deps.Publisher, deps.Logger),
		consumption: calculator.NewConsumption(deps.Host, deps.Publisher, deps.Logger),
	}
}

func (i *Instance) Record() *models.Record {
	return i.sync.Record()
}

func (i *Instance) Calculators() []*calculator.Calculator {
	return []*calculator.Calculator{i.price, i.consumption}
}

// Setup pushes the record to the mirror entities, starts listening for
// external changes and brings the computed sensors up.
func (i *Instance) Setup(ctx context.Context) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	if i.loaded {
		return nil
	}

	rec := i.sync.Record()
	if err := i.sync.PushAll(ctx); err != nil {
		i.deps.Logger.Warnf("Initial sync incomplete: %v", err)
	}
	if err := i.sync.Start(); err != nil {
		return err
	}

	if i.deps.Publisher != nil {
		if err := i.deps.Publisher.Announce(rec.ID, rec.Title, i.price.Sensor(), i.consumption.Sensor()); err != nil {
			i.deps.Logger.Errorf("Failed to announce sensors: %v", err)
		}
	}

	for _, c := range i.Calculators() {
		c.Init(i.deps.Host, rec)
		if err := c.Start(); err != nil {
			i.sync.Stop()
			return fmt.Errorf("failed to start %s: %w", c.Sensor().Key, err)
		}
	}

	i.loaded = true
	i.deps.Logger.Infof("%s set up: price=%s consumption=%s",
		rec.Title, i.price.Reading(), i.consumption.Reading())
	return nil
}

// Reconfigure persists rec, moves every subscription to its bindings and
// pushes its values to the mirror entities.
func (i *Instance) Reconfigure(ctx context.Context, rec *models.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := i.deps.Records.SaveRecord(rec); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return i.apply(ctx, rec)
}

func (i *Instance) apply(ctx context.Context, rec *models.Record) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if err := i.sync.Replace(rec); err != nil {
		return err
	}
	bindings := rec.Bindings()
	for _, c := range i.Calculators() {
		if err := c.Rebind(i.deps.Host, bindings); err != nil {
			return fmt.Errorf("failed to rebind %s: %w", c.Sensor().Key, err)
		}
	}
	if err := i.sync.PushAll(ctx); err != nil {
		i.deps.Logger.Warnf("Sync after reconfiguration incomplete: %v", err)
	}
	i.deps.Logger.Infof("Reconfigured %s", rec.ID)
	return nil
}

// Run applies every record received on updates until ctx is done or
// updates is closed. Records are already persisted by whoever sent them.
func (i *Instance) Run(ctx context.Context, updates <-chan *models.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-updates:
			if !ok {
				return
			}
			if err := i.apply(ctx, rec); err != nil {
				i.deps.Logger.Errorf("Failed to apply reloaded record: %v", err)
			}
		}
	}
}

// Unload stops every subscription. The mirror entities keep their values.
func (i *Instance) Unload() {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	if !i.loaded {
		return
	}
	for _, c := range i.Calculators() {
		c.Stop()
	}
	i.sync.Stop()
	i.loaded = false
	i.deps.Logger.Info("Gas meter unloaded")
}
