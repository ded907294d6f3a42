package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "gasmeter_"

	ResultOK      = "ok"
	ResultSkipped = "skipped"
	ResultError   = "error"
	ResultDropped = "dropped"
	ResultIgnored = "ignored"
)

var (
	registerOnce sync.Once

	pushTotal      *prometheus.CounterVec
	changeTotal    *prometheus.CounterVec
	recomputeTotal *prometheus.CounterVec
	computedValue  *prometheus.GaugeVec
	inputValue     *prometheus.GaugeVec
)

func init() {
	pushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "push_total",
			Help: "Values pushed to mirror entities by field and result",
		},
		[]string{"field", "result"},
	)
	changeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "external_changes_total",
			Help: "Mirror entity changes received by field and result",
		},
		[]string{"field", "result"},
	)
	recomputeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "recompute_total",
			Help: "Computed sensor recomputations by sensor and state",
		},
		[]string{"sensor", "state"},
	)
	computedValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: metricPrefix + "computed_value",
			Help: "Last known value of a computed sensor",
		},
		[]string{"sensor"},
	)
	inputValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: metricPrefix + "input_value",
			Help: "Current configuration value by field",
		},
		[]string{"field"},
	)
}

// Register adds the collectors to reg. Safe to call more than once.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(pushTotal, changeTotal, recomputeTotal, computedValue, inputValue)
	})
}

func ObservePush(field, result string) {
	pushTotal.WithLabelValues(field, result).Inc()
}

func ObserveChange(field, result string) {
	changeTotal.WithLabelValues(field, result).Inc()
}

func ObserveInput(field string, value float64) {
	inputValue.WithLabelValues(field).Set(value)
}

// ObserveRecompute counts a recomputation. The gauge keeps the last known
// value when the sensor becomes unknown.
func ObserveRecompute(sensor string, valid bool, value float64) {
	state := "unknown"
	if valid {
		state = "valid"
		computedValue.WithLabelValues(sensor).Set(value)
	}
	recomputeTotal.WithLabelValues(sensor, state).Inc()
}
