package models

import (
	"fmt"
	"math"
	"strings"
)

// Record is the persisted configuration of one gas meter integration.
type Record struct {
	ID       string            `yaml:"id" json:"id"`
	Title    string            `yaml:"title" json:"title"`
	Values   map[Field]float64 `yaml:"values" json:"values"`
	Entities map[Field]string  `yaml:"entities,omitempty" json:"entities,omitempty"`
}

func NewRecord(id, title string) *Record {
	values := make(map[Field]float64, len(Fields))
	for _, f := range Fields {
		values[f] = f.Default()
	}
	return &Record{
		ID:     id,
		Title:  title,
		Values: values,
	}
}

// Value returns the stored value for f, or the field default.
func (r *Record) Value(f Field) float64 {
	if v, ok := r.Values[f]; ok {
		return v
	}
	return f.Default()
}

// SetValue stores v for f. Invalid values leave the record untouched.
func (r *Record) SetValue(f Field, v float64) error {
	if !f.Valid() {
		return fmt.Errorf("unknown field %q", f)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fmt.Errorf("%w: %s=%v", ErrInvalidNumber, f, v)
	}
	if r.Values == nil {
		r.Values = make(map[Field]float64, len(Fields))
	}
	r.Values[f] = v
	return nil
}

// SetEntity overrides the mirror entity for f. An empty id restores the default.
func (r *Record) SetEntity(f Field, entityID string) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" || entityID == f.DefaultEntity() {
		delete(r.Entities, f)
		return
	}
	if r.Entities == nil {
		r.Entities = make(map[Field]string)
	}
	r.Entities[f] = entityID
}

// Bindings resolves the mirror entity of every field.
func (r *Record) Bindings() Bindings {
	b := make(Bindings, len(Fields))
	for _, f := range Fields {
		id := f.DefaultEntity()
		if override, ok := r.Entities[f]; ok && override != "" {
			id = override
		}
		b[f] = id
	}
	return b
}

// Validate checks the record invariant: every value is finite and >= 0 and
// every field has its own mirror entity.
func (r *Record) Validate() error {
	for _, f := range Fields {
		v := r.Value(f)
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidNumber, f, v)
		}
	}
	return r.Bindings().Unique()
}

func (r *Record) Clone() *Record {
	c := &Record{
		ID:     r.ID,
		Title:  r.Title,
		Values: make(map[Field]float64, len(r.Values)),
	}
	for k, v := range r.Values {
		c.Values[k] = v
	}
	if len(r.Entities) > 0 {
		c.Entities = make(map[Field]string, len(r.Entities))
		for k, v := range r.Entities {
			c.Entities[k] = v
		}
	}
	return c
}

// Bindings maps each field to the entity id mirroring it.
type Bindings map[Field]string

// Lookup returns the field bound to entityID.
func (b Bindings) Lookup(entityID string) (Field, bool) {
	for _, f := range Fields {
		if id, ok := b[f]; ok && id == entityID {
			return f, true
		}
	}
	return "", false
}

// Unique fails when two fields resolve to the same entity id.
func (b Bindings) Unique() error {
	seen := make(map[string]Field, len(b))
	for _, f := range Fields {
		id, ok := b[f]
		if !ok {
			continue
		}
		if other, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s is bound to %s and %s", ErrDuplicateEntity, id, other, f)
		}
		seen[id] = f
	}
	return nil
}

// EntityIDs returns the bound ids in Fields order.
func (b Bindings) EntityIDs() []string {
	ids := make([]string, 0, len(b))
	for _, f := range Fields {
		if id, ok := b[f]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Subset returns the bindings restricted to fields.
func (b Bindings) Subset(fields ...Field) Bindings {
	s := make(Bindings, len(fields))
	for _, f := range fields {
		if id, ok := b[f]; ok {
			s[f] = id
		}
	}
	return s
}

func (b Bindings) Equal(o Bindings) bool {
	if len(b) != len(o) {
		return false
	}
	for f, id := range b {
		if o[f] != id {
			return false
		}
	}
	return true
}
