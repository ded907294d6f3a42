package homeassistant

const (
	KWh         = "kWh"
	CubicMeters = "m³"
)

// PerCubicMeter returns a price unit such as "RON/m³".
func PerCubicMeter(currency string) string {
	return currency + "/" + CubicMeters
}
