package setup

import (
	"fmt"
	"strings"

	"gasmeter/internal/host"
	"gasmeter/internal/models"
)

const (
	DefaultTitle = "Gas meter"

	ErrorInvalidNumber = "invalid_number"
	ErrorInvalidEntity = "invalid_entity"

	entitySuffix = "_entity"
)

// FormError is the single validation error shown on a form.
type FormError struct {
	Base string
	err  error
}

func NewFormError(base string, err error) *FormError {
	return &FormError{Base: base, err: err}
}

func (e *FormError) Error() string {
	return fmt.Sprintf("%s: %v", e.Base, e.err)
}

func (e *FormError) Unwrap() error {
	return e.err
}

// FormField is one input of a form.
type FormField struct {
	Name     string  `json:"name"`
	Label    string  `json:"label"`
	Type     string  `json:"type"`
	Required bool    `json:"required"`
	Min      float64 `json:"min"`
	Default  any     `json:"default"`
}

// Form is a form schema with its current errors.
type Form struct {
	StepID string            `json:"step_id"`
	Fields []FormField       `json:"fields"`
	Errors map[string]string `json:"errors,omitempty"`
}

// UserForm returns the initial setup step.
func UserForm() Form {
	form := Form{StepID: "user"}
	for _, f := range models.Fields {
		form.Fields = append(form.Fields, numberField(f, f.Default()))
	}
	return form
}

// Submit validates the setup step and builds a new record with default
// bindings. The first invalid field aborts the whole submission.
func Submit(id string, raw map[string]string) (*models.Record, error) {
	values, err := parseValues(raw)
	if err != nil {
		return nil, err
	}
	rec := models.NewRecord(id, DefaultTitle)
	for _, f := range models.Fields {
		if err := rec.SetValue(f, values[f]); err != nil {
			return nil, &FormError{Base: ErrorInvalidNumber, err: err}
		}
	}
	return rec, nil
}

// OptionsForm returns the options step pre-populated with the live entity
// values, falling back to the record.
func OptionsForm(rec *models.Record, states host.StateStore) Form {
	form := Form{StepID: "init"}
	bindings := rec.Bindings()
	for _, f := range models.Fields {
		current := rec.Value(f)
		label := f.Label()
		if s, ok := lookup(states, bindings[f]); ok {
			if v, err := models.ParseValue(s.State); err == nil {
				current = v
			}
			if name, ok := s.Attributes[host.AttrFriendlyName].(string); ok && name != "" {
				label = name
			}
		}
		field := numberField(f, current)
		field.Label = label
		form.Fields = append(form.Fields, field)
	}
	for _, f := range models.Fields {
		form.Fields = append(form.Fields, FormField{
			Name:    string(f) + entitySuffix,
			Label:   f.Label() + " entity",
			Type:    "entity",
			Default: bindings[f],
		})
	}
	return form
}

// SubmitOptions validates the options step and returns an updated copy of rec.
func SubmitOptions(rec *models.Record, raw map[string]string) (*models.Record, error) {
	values, err := parseValues(raw)
	if err != nil {
		return nil, err
	}
	next := rec.Clone()
	for _, f := range models.Fields {
		if err := next.SetValue(f, values[f]); err != nil {
			return nil, &FormError{Base: ErrorInvalidNumber, err: err}
		}
	}
	for _, f := range models.Fields {
		entityID, ok := raw[string(f)+entitySuffix]
		if !ok {
			continue
		}
		entityID = strings.TrimSpace(entityID)
		if entityID != "" && !validEntityID(entityID) {
			return nil, &FormError{Base: ErrorInvalidEntity, err: fmt.Errorf("%s: %q", f, entityID)}
		}
		next.SetEntity(f, entityID)
	}
	if err := next.Bindings().Unique(); err != nil {
		return nil, &FormError{Base: ErrorInvalidEntity, err: err}
	}
	return next, nil
}

func parseValues(raw map[string]string) (map[models.Field]float64, error) {
	values := make(map[models.Field]float64, len(models.Fields))
	for _, f := range models.Fields {
		s, ok := raw[string(f)]
		if !ok {
			return nil, &FormError{Base: ErrorInvalidNumber, err: fmt.Errorf("%w: %s is required", models.ErrInvalidNumber, f)}
		}
		v, err := models.ParseValue(s)
		if err != nil {
			return nil, &FormError{Base: ErrorInvalidNumber, err: fmt.Errorf("%s: %w", f, err)}
		}
		values[f] = v
	}
	return values, nil
}

func numberField(f models.Field, def float64) FormField {
	return FormField{
		Name:     string(f),
		Label:    f.Label(),
		Type:     "number",
		Required: true,
		Min:      0,
		Default:  def,
	}
}

func lookup(states host.StateStore, entityID string) (host.EntityState, bool) {
	if states == nil {
		return host.EntityState{}, false
	}
	s, ok := states.Get(entityID)
	if !ok || models.IsUnavailable(s.State) {
		return host.EntityState{}, false
	}
	return s, true
}

// validEntityID accepts "<domain>.<object_id>" with lowercase ascii, digits
// and underscores on both sides.
func validEntityID(id string) bool {
	domain, object, ok := strings.Cut(id, ".")
	if !ok || domain == "" || object == "" {
		return false
	}
	for _, part := range []string{domain, object} {
		for _, r := range part {
			if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
				return false
			}
		}
	}
	return true
}
