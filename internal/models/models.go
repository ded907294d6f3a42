package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Field string

const (
	MeterReading    Field = "meter_reading"
	CalorificFactor Field = "calorific_factor"
	UnitPrice       Field = "unit_price"
)

// Fields is the fixed order in which values are pushed and rendered.
var Fields = []Field{MeterReading, CalorificFactor, UnitPrice}

var defaultValues = map[Field]float64{
	MeterReading:    0.0,
	CalorificFactor: 0.0,
	UnitPrice:       0.2910,
}

var defaultEntities = map[Field]string{
	MeterReading:    "input_number.gas_meter_reading",
	CalorificFactor: "input_number.gas_pcs",
	UnitPrice:       "input_number.price_per_kwh",
}

var labels = map[Field]string{
	MeterReading:    "Gas meter reading (m³)",
	CalorificFactor: "Calorific factor (kWh/m³)",
	UnitPrice:       "Price per kWh",
}

func (f Field) Valid() bool {
	_, ok := defaultValues[f]
	return ok
}

func (f Field) Default() float64 {
	return defaultValues[f]
}

func (f Field) DefaultEntity() string {
	return defaultEntities[f]
}

func (f Field) Label() string {
	if l, ok := labels[f]; ok {
		return l
	}
	return string(f)
}

// ParseValue parses a user or entity supplied number. Only finite,
// non-negative values are accepted.
func ParseValue(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return v, nil
}

// IsUnavailable reports whether an entity state carries no value.
func IsUnavailable(state string) bool {
	switch state {
	case "", "unknown", "unavailable", "None":
		return true
	}
	return false
}

// Reading is an optional number. The zero value is unknown.
type Reading struct {
	Value float64
	Valid bool
}

func Known(v float64) Reading {
	return Reading{Value: v, Valid: true}
}

func Unknown() Reading {
	return Reading{}
}

func (r Reading) String() string {
	if !r.Valid {
		return "unknown"
	}
	return strconv.FormatFloat(r.Value, 'f', -1, 64)
}
