// Package risk scores sensor readings against fixed threshold rules.
package risk

import (
	"github.com/san-kum/crash-telemetry/server/models"
)

// Rule adds Points when Applies holds. Rules are independent and
// cumulative; both bands of the same signal can fire together.
type Rule struct {
	Name    string
	Points  int
	Applies func(r models.SensorReading) bool
}

var DefaultRules = []Rule{
	{
		Name:    "g_force_elevated",
		Points:  40,
		Applies: func(r models.SensorReading) bool { return r.GForce > 1.2 },
	},
	{
		Name:    "g_force_impact",
		Points:  50,
		Applies: func(r models.SensorReading) bool { return r.GForce > 3 },
	},
	{
		Name:    "vibration_elevated",
		Points:  15,
		Applies: func(r models.SensorReading) bool { return r.Vibration > 40 },
	},
	{
		Name:    "vibration_extreme",
		Points:  25,
		Applies: func(r models.SensorReading) bool { return r.Vibration > 80 },
	},
	{
		Name:    "gas_level",
		Points:  10,
		Applies: func(r models.SensorReading) bool { return r.GasLevel > 380 },
	},
	{
		Name:    "driver_drowsy",
		Points:  20,
		Applies: func(r models.SensorReading) bool { return r.DriverHealth.FatigueLevel == models.FatigueDrowsy },
	},
	{
		Name:    "driver_fatigue_high",
		Points:  40,
		Applies: func(r models.SensorReading) bool { return r.DriverHealth.FatigueLevel == models.FatigueHigh },
	},
}

const (
	MaxValue = 100

	highThreshold   = 75
	mediumThreshold = 40
)

// Assess scores a reading. It never returns CRITICAL; that level is an
// override raised by the accident path, see Critical.
func Assess(r models.SensorReading) models.RiskAssessment {
	value := 0
	for _, rule := range DefaultRules {
		if rule.Applies(r) {
			value += rule.Points
		}
	}
	if value > MaxValue {
		value = MaxValue
	}
	if value < 0 {
		value = 0
	}

	return models.RiskAssessment{Level: LevelFor(value), Value: value}
}

// LevelFor buckets a risk value: >75 High, (40, 75] Medium, else Low.
func LevelFor(value int) models.RiskLevel {
	switch {
	case value > highThreshold:
		return models.RiskHigh
	case value > mediumThreshold:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// Critical is the out-of-band alarm set the instant an accident triggers.
func Critical() models.RiskAssessment {
	return models.RiskAssessment{Level: models.RiskCritical, Value: MaxValue}
}

// Fired lists the names of the rules a reading trips, in rule order.
func Fired(r models.SensorReading) []string {
	var names []string
	for _, rule := range DefaultRules {
		if rule.Applies(r) {
			names = append(names, rule.Name)
		}
	}
	return names
}
