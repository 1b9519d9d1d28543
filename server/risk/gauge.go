package risk

import (
	"github.com/san-kum/crash-telemetry/server/models"
)

type gaugeConfig struct {
	sensor string
	label  string
	unit   string
	max    float64
	warn   float64
	danger float64
	value  func(r models.SensorReading) float64
}

var gaugeConfigs = []gaugeConfig{
	{"velocity", "Velocity", "km/h", 150, 110, 130, func(r models.SensorReading) float64 { return r.Velocity }},
	{"gForce", "G-Force", "g", 2, 1.0, 1.2, func(r models.SensorReading) float64 { return r.GForce }},
	{"vibration", "Vibration", "Hz", 60, 40, 50, func(r models.SensorReading) float64 { return r.Vibration }},
	{"soundAmplitude", "Sound Amp.", "dB", 120, 95, 105, func(r models.SensorReading) float64 { return r.SoundAmplitude }},
	{"temperature", "Temperature", "°C", 50, 35, 40, func(r models.SensorReading) float64 { return r.Temperature }},
	{"gasLevel", "Gas Level", "ppm", 500, 350, 400, func(r models.SensorReading) float64 { return r.GasLevel }},
}

// Gauges classifies each displayed sensor against its warn/danger marks.
// A value at or above danger is danger, at or above warn is warn.
func Gauges(r models.SensorReading) []models.Gauge {
	gauges := make([]models.Gauge, 0, len(gaugeConfigs))
	for _, cfg := range gaugeConfigs {
		v := cfg.value(r)
		status := models.GaugeNormal
		if v >= cfg.danger {
			status = models.GaugeDanger
		} else if v >= cfg.warn {
			status = models.GaugeWarn
		}
		gauges = append(gauges, models.Gauge{
			Sensor: cfg.sensor,
			Label:  cfg.label,
			Unit:   cfg.unit,
			Value:  v,
			Max:    cfg.max,
			Status: status,
		})
	}
	return gauges
}
