package calculator

import (
	"gasmeter/internal/homeassistant"
	"gasmeter/internal/host"
	"gasmeter/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	PriceKey       = "price_per_m3"
	ConsumptionKey = "consumption_kwh"
)

func PriceSensor(currency string) Sensor {
	return Sensor{
		Key:        PriceKey,
		Name:       "Price per m³",
		Unit:       homeassistant.PerCubicMeter(currency),
		Icon:       "mdi:gas-cylinder",
		StateClass: homeassistant.Measurement,
		Precision:  2,
	}
}

func ConsumptionSensor() Sensor {
	return Sensor{
		Key:         ConsumptionKey,
		Name:        "Consumption in kWh",
		Unit:        homeassistant.KWh,
		Icon:        "mdi:gas-burner",
		DeviceClass: homeassistant.Energy,
		StateClass:  homeassistant.Total,
		Precision:   3,
	}
}

// NewPrice returns the calculator for calorific_factor × unit_price.
func NewPrice(currency string, subscriber host.Subscriber, publisher Publisher, logger *logrus.Logger) *Calculator {
	return New(PriceSensor(currency), [2]models.Field{models.CalorificFactor, models.UnitPrice}, subscriber, publisher, logger)
}

// NewConsumption returns the calculator for meter_reading × calorific_factor.
func NewConsumption(subscriber host.Subscriber, publisher Publisher, logger *logrus.Logger) *Calculator {
	return New(ConsumptionSensor(), [2]models.Field{models.MeterReading, models.CalorificFactor}, subscriber, publisher, logger)
}
