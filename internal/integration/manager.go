package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gasmeter/internal/host"
	"gasmeter/internal/models"
)

var (
	ErrNotConfigured     = errors.New("gas meter is not configured")
	ErrAlreadyConfigured = errors.New("gas meter is already configured")
)

// Manager owns the single Instance of the daemon. It starts empty until a
// record is loaded or created through the setup form.
type Manager struct {
	deps Deps

	mutex    sync.Mutex
	instance *Instance
	ready    chan struct{}
}

func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, ready: make(chan struct{})}
}

// Load sets up an instance from an already persisted record.
func (m *Manager) Load(ctx context.Context, rec *models.Record) error {
	return m.start(ctx, rec)
}

// Configure persists a record created by the setup form and sets it up.
func (m *Manager) Configure(ctx context.Context, rec *models.Record) error {
	m.mutex.Lock()
	configured := m.instance != nil
	m.mutex.Unlock()
	if configured {
		return ErrAlreadyConfigured
	}
	if err := m.deps.Records.SaveRecord(rec); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	m.deps.Logger.Infof("Created configuration record %s", rec.ID)
	return m.start(ctx, rec)
}

func (m *Manager) start(ctx context.Context, rec *models.Record) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.instance != nil {
		return ErrAlreadyConfigured
	}
	instance := New(rec, m.deps)
	if err := instance.Setup(ctx); err != nil {
		return err
	}
	m.instance = instance
	close(m.ready)
	return nil
}

func (m *Manager) Reconfigure(ctx context.Context, rec *models.Record) error {
	instance := m.Instance()
	if instance == nil {
		return ErrNotConfigured
	}
	return instance.Reconfigure(ctx, rec)
}

// Record returns the current record, or nil before setup.
func (m *Manager) Record() *models.Record {
	instance := m.Instance()
	if instance == nil {
		return nil
	}
	return instance.Record()
}

func (m *Manager) States() host.StateStore {
	return m.deps.Host
}

func (m *Manager) Instance() *Instance {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.instance
}

// Ready is closed once an instance is set up.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

func (m *Manager) Unload() {
	if instance := m.Instance(); instance != nil {
		instance.Unload()
	}
}
