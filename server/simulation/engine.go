// Package simulation evolves synthetic sensor readings tick by tick.
package simulation

import (
	"math"
	"strconv"

	"github.com/san-kum/crash-telemetry/server/models"
)

// Rand is the randomness a step consumes. *math/rand/v2.Rand satisfies it;
// tests pass a seeded source for reproducible runs.
type Rand interface {
	Float64() float64
}

const (
	// VelocityCeiling is the top speed the random walk accelerates toward.
	VelocityCeiling = 130.0

	velocityJitter      = 5.0
	accelerationGain    = 2.0
	gForceBaseline      = 0.1
	gForcePerSpeed      = 0.3
	gForceJitter        = 0.2
	vibrationBaseline   = 10.0
	vibrationJitter     = 5.0
	gpsJitter           = 0.0001
	temperatureJitter   = 0.5
	gasJitter           = 10.0
	soundBaseline       = 40.0
	soundJitter         = 10.0
	heartRateJitter     = 4.0
	crashHeartRateSpike = 40

	// DrowsyProbability is the per-tick chance of Normal -> Drowsy.
	DrowsyProbability = 0.005
	// RecoveryProbability is the per-tick chance of Drowsy -> Normal.
	RecoveryProbability = 0.01
)

// InitialReading is the baseline every session starts from and returns to
// after a reset.
func InitialReading() models.SensorReading {
	return models.SensorReading{
		GForce:         0.1,
		Vibration:      15,
		GPS:            models.GPS{Lat: "37.7749", Lng: "-122.4194"},
		Temperature:    25,
		GasLevel:       300,
		SoundAmplitude: 50,
		Velocity:       0,
		DriverHealth: models.DriverHealth{
			HeartRate:    75,
			FatigueLevel: models.FatigueNormal,
		},
	}
}

// Step produces the reading that follows prev. With forceCrash set it
// applies the crash override instead of the random walk.
func Step(prev models.SensorReading, forceCrash bool, rng Rand) models.SensorReading {
	if forceCrash {
		return crash(prev, rng)
	}
	return tick(prev, rng)
}

// jitter returns a value uniformly drawn from [-span/2, span/2).
func jitter(rng Rand, span float64) float64 {
	return (rng.Float64() - 0.5) * span
}

func draw(rng Rand, b models.Band) float64 {
	return b.Min + rng.Float64()*(b.Max-b.Min)
}

func tick(prev models.SensorReading, rng Rand) models.SensorReading {
	// Headroom to the ceiling biases slow vehicles toward accelerating.
	accel := (VelocityCeiling - Clamp(prev.Velocity, 0, VelocityCeiling)) / VelocityCeiling
	velocity := Clamp(prev.Velocity+jitter(rng, velocityJitter)+accel*accelerationGain,
		models.VelocityBand.Min, models.VelocityBand.Max)
	speedFactor := velocity / 100

	next := models.SensorReading{
		Velocity: velocity,
		GForce: Clamp(gForceBaseline+gForcePerSpeed*speedFactor+jitter(rng, gForceJitter),
			models.GForceBand.Min, models.GForceBand.Max),
		Vibration: Clamp(vibrationBaseline+velocity/5+jitter(rng, vibrationJitter),
			models.VibrationBand.Min, models.VibrationBand.Max),
		GPS: models.GPS{
			Lat: perturbCoordinate(prev.GPS.Lat, jitter(rng, gpsJitter)*speedFactor),
			Lng: perturbCoordinate(prev.GPS.Lng, jitter(rng, gpsJitter)*speedFactor),
		},
		Temperature: Clamp(prev.Temperature+jitter(rng, temperatureJitter),
			models.TemperatureBand.Min, models.TemperatureBand.Max),
		GasLevel: Clamp(prev.GasLevel+jitter(rng, gasJitter),
			models.GasLevelBand.Min, models.GasLevelBand.Max),
		SoundAmplitude: Clamp(soundBaseline+velocity/2+jitter(rng, soundJitter),
			models.SoundBand.Min, models.SoundBand.Max),
		DriverHealth: models.DriverHealth{
			HeartRate: ClampInt(
				int(math.Round(float64(prev.DriverHealth.HeartRate)+jitter(rng, heartRateJitter))),
				int(models.HeartRateBand.Min), int(models.HeartRateBand.Max)),
			FatigueLevel: nextFatigue(prev.DriverHealth.FatigueLevel, rng),
		},
	}

	return next
}

// nextFatigue is a two-edge Markov chain. High is absorbing; only a crash
// enters it and only a reset leaves it.
func nextFatigue(current models.FatigueLevel, rng Rand) models.FatigueLevel {
	switch current {
	case models.FatigueNormal:
		if rng.Float64() < DrowsyProbability {
			return models.FatigueDrowsy
		}
	case models.FatigueDrowsy:
		if rng.Float64() < RecoveryProbability {
			return models.FatigueNormal
		}
	}
	return current
}

// perturbCoordinate keeps the previous text when it does not parse.
func perturbCoordinate(coord string, delta float64) string {
	v, err := strconv.ParseFloat(coord, 64)
	if err != nil {
		return coord
	}
	return strconv.FormatFloat(v+delta, 'f', 4, 64)
}

func crash(prev models.SensorReading, rng Rand) models.SensorReading {
	next := prev
	next.GForce = draw(rng, models.CrashGForceBand)
	next.Vibration = draw(rng, models.CrashVibrationBand)
	next.SoundAmplitude = draw(rng, models.CrashSoundBand)
	next.Velocity = 0
	next.DriverHealth = models.DriverHealth{
		HeartRate: ClampInt(prev.DriverHealth.HeartRate+crashHeartRateSpike,
			int(models.CrashHeartRateBand.Min), int(models.CrashHeartRateBand.Max)),
		FatigueLevel: models.FatigueHigh,
	}
	return next
}
