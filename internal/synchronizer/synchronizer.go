package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gasmeter/internal/host"
	"gasmeter/internal/metrics"
	"gasmeter/internal/models"

	"github.com/sirupsen/logrus"
)

// Synchronizer mirrors a configuration record onto its bound input_number
// entities and feeds entity changes back into the record.
type Synchronizer struct {
	host    host.Host
	records host.RecordStore
	tracker *host.Tracker
	logger  *logrus.Logger

	mutex    sync.Mutex
	record   *models.Record
	bindings models.Bindings
}

func New(h host.Host, records host.RecordStore, rec *models.Record, logger *logrus.Logger) *Synchronizer {
	rec = rec.Clone()
	return &Synchronizer{
		host:     h,
		records:  records,
		tracker:  host.NewTracker(h),
		logger:   logger,
		record:   rec,
		bindings: rec.Bindings(),
	}
}

// Record returns a copy of the in-memory record.
func (s *Synchronizer) Record() *models.Record {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.record.Clone()
}

func (s *Synchronizer) Bindings() models.Bindings {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.bindings
}

// PushAll sets every bound entity to the record value, one field at a time
// in models.Fields order. Entities that do not exist yet are skipped.
func (s *Synchronizer) PushAll(ctx context.Context) error {
	s.mutex.Lock()
	bindings := s.bindings
	values := make(map[models.Field]float64, len(models.Fields))
	for _, f := range models.Fields {
		values[f] = s.record.Value(f)
	}
	s.mutex.Unlock()

	s.logger.Debug("Starting sync of configuration to mirror entities")

	var errs []error
	for _, f := range models.Fields {
		entityID := bindings[f]
		if err := s.push(ctx, entityID, values[f]); err != nil {
			if errors.Is(err, models.ErrMissingEntity) {
				s.logger.Debugf("Skipping %s: %v", f, err)
				metrics.ObservePush(string(f), metrics.ResultSkipped)
				continue
			}
			s.logger.Errorf("Failed to push %s to %s: %v", f, entityID, err)
			metrics.ObservePush(string(f), metrics.ResultError)
			errs = append(errs, fmt.Errorf("push %s: %w", f, err))
			continue
		}
		s.logger.Debugf("Synced %s to %v", entityID, values[f])
		metrics.ObservePush(string(f), metrics.ResultOK)
	}

	s.logger.Infof("Sync completed: %s=%v, %s=%v, %s=%v",
		models.MeterReading, values[models.MeterReading],
		models.CalorificFactor, values[models.CalorificFactor],
		models.UnitPrice, values[models.UnitPrice])

	return errors.Join(errs...)
}

func (s *Synchronizer) push(ctx context.Context, entityID string, value float64) error {
	if _, ok := s.host.Get(entityID); !ok {
		return fmt.Errorf("%w: %s", models.ErrMissingEntity, entityID)
	}
	return s.host.Call(ctx, host.DomainInputNumber, host.ServiceSetValue, map[string]interface{}{
		host.DataEntityID: entityID,
		host.DataValue:    value,
	})
}

// OnExternalChange writes a mirror entity value back into the record and
// persists it. Unbound entities are ignored; malformed values are dropped
// and leave the record untouched.
func (s *Synchronizer) OnExternalChange(entityID, newValue string) error {
	s.mutex.Lock()
	f, ok := s.bindings.Lookup(entityID)
	if !ok {
		s.mutex.Unlock()
		return nil
	}

	v, err := models.ParseValue(newValue)
	if err != nil {
		s.mutex.Unlock()
		s.logger.Warnf("Ignoring change of %s: %v", entityID, err)
		metrics.ObserveChange(string(f), metrics.ResultDropped)
		return err
	}

	if current, stored := s.record.Values[f]; stored && current == v {
		s.mutex.Unlock()
		metrics.ObserveChange(string(f), metrics.ResultIgnored)
		return nil
	}
	if err := s.record.SetValue(f, v); err != nil {
		s.mutex.Unlock()
		return err
	}
	id := s.record.ID
	s.mutex.Unlock()

	s.logger.Debugf("%s changed to %v", entityID, v)
	metrics.ObserveChange(string(f), metrics.ResultOK)
	metrics.ObserveInput(string(f), v)

	if err := s.records.UpdateRecord(id, map[models.Field]float64{f: v}); err != nil {
		s.logger.Errorf("Failed to persist %s=%v: %v", f, v, err)
		return err
	}
	s.logger.Debugf("Updated configuration record: %s = %v", f, v)
	return nil
}

func (s *Synchronizer) handleChange(change host.StateChange) {
	_ = s.OnExternalChange(change.EntityID, change.Value())
}

// Start subscribes to the currently bound entities.
func (s *Synchronizer) Start() error {
	s.mutex.Lock()
	ids := s.bindings.EntityIDs()
	s.mutex.Unlock()
	if err := s.tracker.Track(ids, s.handleChange); err != nil {
		return fmt.Errorf("failed to watch %v: %w", ids, err)
	}
	s.logger.Debugf("Listeners for %v set up", ids)
	return nil
}

func (s *Synchronizer) Stop() {
	s.tracker.Stop()
}

// Rebind replaces the watched entity set. The old subscription is gone
// before Rebind returns.
func (s *Synchronizer) Rebind(bindings models.Bindings) error {
	s.mutex.Lock()
	s.bindings = bindings
	ids := bindings.EntityIDs()
	s.mutex.Unlock()

	if err := s.tracker.Track(ids, s.handleChange); err != nil {
		return fmt.Errorf("failed to watch %v: %w", ids, err)
	}
	s.logger.Infof("Watching %v", ids)
	return nil
}

// Replace swaps in a reconfigured record and rebinds to its entities.
func (s *Synchronizer) Replace(rec *models.Record) error {
	rec = rec.Clone()
	s.mutex.Lock()
	s.record = rec
	s.mutex.Unlock()
	for _, f := range models.Fields {
		metrics.ObserveInput(string(f), rec.Value(f))
	}
	return s.Rebind(rec.Bindings())
}
