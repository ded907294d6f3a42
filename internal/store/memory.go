package store

import (
	"fmt"
	"sync"

	"gasmeter/internal/models"
)

// MemoryStore keeps records in memory.
type MemoryStore struct {
	mutex   sync.RWMutex
	records map[string]*models.Record
	updates int
}

func NewMemoryStore(recs ...*models.Record) *MemoryStore {
	s := &MemoryStore{records: make(map[string]*models.Record)}
	for _, r := range recs {
		s.records[r.ID] = r.Clone()
	}
	return s
}

func (s *MemoryStore) GetRecord(id string) (*models.Record, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) UpdateRecord(id string, values map[models.Field]float64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next, err := merge(r, values)
	if err != nil {
		return err
	}
	s.records[id] = next
	s.updates++
	return nil
}

func (s *MemoryStore) SaveRecord(rec *models.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.records[rec.ID] = rec.Clone()
	return nil
}

// Updates returns how many times UpdateRecord succeeded.
func (s *MemoryStore) Updates() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.updates
}

func merge(r *models.Record, values map[models.Field]float64) (*models.Record, error) {
	next := r.Clone()
	for f, v := range values {
		if err := next.SetValue(f, v); err != nil {
			return nil, err
		}
	}
	return next, nil
}
