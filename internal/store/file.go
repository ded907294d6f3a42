package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gasmeter/internal/models"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("record not found")

// FileStore persists a single record as YAML.
type FileStore struct {
	path   string
	logger *logrus.Logger

	mutex   sync.Mutex
	written []byte
}

type document struct {
	Record *models.Record `yaml:"record"`
}

func NewFileStore(path string, logger *logrus.Logger) *FileStore {
	return &FileStore{path: path, logger: logger}
}

func (s *FileStore) Path() string {
	return s.path
}

// Exists reports whether a record has been saved yet.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads the record from disk, whatever its id.
func (s *FileStore) Load() (*models.Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.load()
}

func (s *FileStore) load() (*models.Record, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
	}
	if err != nil {
		return nil, err
	}
	rec, err := decode(b)
	if err != nil {
		return nil, err
	}
	s.written = b
	return rec, nil
}

func decode(b []byte) (*models.Record, error) {
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("error decoding record: %w", err)
	}
	if doc.Record == nil {
		return nil, fmt.Errorf("error decoding record: missing record")
	}
	if err := doc.Record.Validate(); err != nil {
		return nil, err
	}
	return doc.Record, nil
}

func (s *FileStore) GetRecord(id string) (*models.Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	r, err := s.load()
	if err != nil {
		return nil, err
	}
	if r.ID != id {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

func (s *FileStore) UpdateRecord(id string, values map[models.Field]float64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	r, err := s.load()
	if err != nil {
		return err
	}
	if r.ID != id {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next, err := merge(r, values)
	if err != nil {
		return err
	}
	return s.write(next)
}

func (s *FileStore) SaveRecord(rec *models.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.write(rec)
}

// write replaces the file atomically through a temp file in the same dir.
func (s *FileStore) write(rec *models.Record) error {
	b, err := yaml.Marshal(document{Record: rec})
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}
	s.written = b
	return nil
}

// Watch emits the record every time the file is changed by someone other
// than this store. The channel is closed when ctx is done.
func (s *FileStore) Watch(ctx context.Context) (<-chan *models.Record, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// watch the directory; atomic renames replace the file inode
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", s.path, err)
	}

	out := make(chan *models.Record)
	go func() {
		defer close(out)
		defer watcher.Close()

		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				rec, changed := s.reload()
				if !changed {
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warnf("Record watcher error: %v", err)
			}
		}
	}()
	return out, nil
}

func (s *FileStore) reload() (*models.Record, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false
	}
	if bytes.Equal(b, s.written) {
		return nil, false
	}
	rec, err := decode(b)
	if err != nil {
		s.logger.Warnf("Ignoring edit of %s: %v", s.path, err)
		return nil, false
	}
	s.written = b
	s.logger.Infof("Record %s reloaded from %s", rec.ID, s.path)
	return rec, true
}
