package homeassistant

import "encoding/json"

type DeviceClass int64

const (
	NoDeviceClass DeviceClass = iota
	Energy
	Gas
	Monetary
)

func (s DeviceClass) String() string {
	switch s {
	case NoDeviceClass:
		return ""
	case Energy:
		return "energy"
	case Gas:
		return "gas"
	case Monetary:
		return "monetary"
	}
	return "unknown"
}

func (s DeviceClass) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

type StateClass int64

const (
	NoStateClass StateClass = iota
	Measurement
	Total
	TotalIncreasing
)

func (s StateClass) String() string {
	switch s {
	case NoStateClass:
		return ""
	case Measurement:
		return "measurement"
	case Total:
		return "total"
	case TotalIncreasing:
		return "total_increasing"
	}
	return "unknown"
}

func (s StateClass) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
