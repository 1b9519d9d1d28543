package models

import (
	"strconv"
)

type FatigueLevel string

const (
	FatigueNormal FatigueLevel = "Normal"
	FatigueDrowsy FatigueLevel = "Drowsy"
	FatigueHigh   FatigueLevel = "High"
)

func (f FatigueLevel) Valid() bool {
	switch f {
	case FatigueNormal, FatigueDrowsy, FatigueHigh:
		return true
	}
	return false
}

type GPS struct {
	Lat string `json:"lat"`
	Lng string `json:"lng"`
}

type DriverHealth struct {
	HeartRate    int          `json:"heartRate"`
	FatigueLevel FatigueLevel `json:"fatigueLevel"`
}

// SensorReading is one snapshot of every vehicle sensor. Readings are
// values: each tick produces a new one and nothing mutates an old one.
type SensorReading struct {
	GForce         float64      `json:"gForce"`
	Vibration      float64      `json:"vibration"`
	GPS            GPS          `json:"gps"`
	Temperature    float64      `json:"temperature"`
	GasLevel       float64      `json:"gasLevel"`
	SoundAmplitude float64      `json:"soundAmplitude"`
	Velocity       float64      `json:"velocity"`
	DriverHealth   DriverHealth `json:"driverHealth"`
}

// Band is a closed numeric interval [Min, Max].
type Band struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (b Band) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// Bands kept by a normal simulation tick.
var (
	GForceBand      = Band{Min: 0.05, Max: 1.5}
	VibrationBand   = Band{Min: 10, Max: 60}
	TemperatureBand = Band{Min: 20, Max: 40}
	GasLevelBand    = Band{Min: 280, Max: 400}
	SoundBand       = Band{Min: 40, Max: 110}
	VelocityBand    = Band{Min: 0, Max: 130}
	HeartRateBand   = Band{Min: 60, Max: 110}
)

// Bands produced by the crash transition.
var (
	CrashGForceBand    = Band{Min: 8, Max: 15}
	CrashVibrationBand = Band{Min: 250, Max: 300}
	CrashSoundBand     = Band{Min: 130, Max: 140}
	CrashHeartRateBand = Band{Min: 60, Max: 180}
)

func envelope(a, b Band) Band {
	out := a
	if b.Min < out.Min {
		out.Min = b.Min
	}
	if b.Max > out.Max {
		out.Max = b.Max
	}
	return out
}

// Valid reports whether every numeric field sits inside the envelope of
// its normal and crash bands, the coordinates parse, and the fatigue level
// is one of the enumerated values.
func (r SensorReading) Valid() bool {
	checks := []struct {
		value float64
		band  Band
	}{
		{r.GForce, envelope(GForceBand, CrashGForceBand)},
		{r.Vibration, envelope(VibrationBand, CrashVibrationBand)},
		{r.Temperature, TemperatureBand},
		{r.GasLevel, GasLevelBand},
		{r.SoundAmplitude, envelope(SoundBand, CrashSoundBand)},
		{r.Velocity, VelocityBand},
		{float64(r.DriverHealth.HeartRate), envelope(HeartRateBand, CrashHeartRateBand)},
	}
	for _, c := range checks {
		if !c.band.Contains(c.value) {
			return false
		}
	}

	lat, err := strconv.ParseFloat(r.GPS.Lat, 64)
	if err != nil || lat < -90 || lat > 90 {
		return false
	}
	lng, err := strconv.ParseFloat(r.GPS.Lng, 64)
	if err != nil || lng < -180 || lng > 180 {
		return false
	}

	return r.DriverHealth.FatigueLevel.Valid()
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "CRITICAL"
)

type RiskAssessment struct {
	Level RiskLevel `json:"level"`
	Value int       `json:"value"`
}

type Mode string

const (
	ModeSimulation Mode = "simulation"
	ModeLive       Mode = "live"
)

func (m Mode) Valid() bool {
	return m == ModeSimulation || m == ModeLive
}

type RescueStatus string

const (
	RescueIdle        RescueStatus = "idle"
	RescueCalculating RescueStatus = "calculating"
	RescueComplete    RescueStatus = "complete"
)

// RescuePlan is the placeholder dispatch summary shown once a rescue
// calculation completes. No routing is performed.
type RescuePlan struct {
	Facility   string  `json:"facility"`
	DistanceKm float64 `json:"distance_km"`
	ETAMinutes int     `json:"eta_minutes"`
}

var DefaultRescuePlan = RescuePlan{
	Facility:   "Nearest Hospital",
	DistanceKm: 3.2,
	ETAMinutes: 4,
}

type GaugeStatus string

const (
	GaugeNormal GaugeStatus = "normal"
	GaugeWarn   GaugeStatus = "warn"
	GaugeDanger GaugeStatus = "danger"
)

type Gauge struct {
	Sensor string      `json:"sensor"`
	Label  string      `json:"label"`
	Unit   string      `json:"unit"`
	Value  float64     `json:"value"`
	Max    float64     `json:"max"`
	Status GaugeStatus `json:"status"`
}

// Settings are the two user-editable addresses of the dashboard.
type Settings struct {
	CameraURL string `json:"cameraUrl"`
	SensorURL string `json:"sensorUrl"`
}
