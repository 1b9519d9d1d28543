package session

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/san-kum/crash-telemetry/server/models"
	"github.com/san-kum/crash-telemetry/server/risk"
)

type SignalSummary struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Latest float64 `json:"latest"`
}

// Analytics summarises the charted signals over the reading history.
type Analytics struct {
	Samples int                      `json:"samples"`
	Signals map[string]SignalSummary `json:"signals"`
}

var charted = []struct {
	name  string
	value func(r models.SensorReading) float64
}{
	{"velocity", func(r models.SensorReading) float64 { return r.Velocity }},
	{"gForce", func(r models.SensorReading) float64 { return r.GForce }},
	{"vibration", func(r models.SensorReading) float64 { return r.Vibration }},
	{"soundAmplitude", func(r models.SensorReading) float64 { return r.SoundAmplitude }},
	{"heartRate", func(r models.SensorReading) float64 { return float64(r.DriverHealth.HeartRate) }},
	{"risk", func(r models.SensorReading) float64 { return float64(risk.Assess(r).Value) }},
}

func Summarize(history []models.SensorReading) Analytics {
	out := Analytics{Samples: len(history), Signals: make(map[string]SignalSummary, len(charted))}
	if len(history) == 0 {
		return out
	}

	series := make([]float64, len(history))
	for _, c := range charted {
		for i, r := range history {
			series[i] = c.value(r)
		}

		summary := SignalSummary{
			Min:    floats.Min(series),
			Max:    floats.Max(series),
			Latest: series[len(series)-1],
		}
		if len(series) > 1 {
			summary.Mean, summary.StdDev = stat.MeanStdDev(series, nil)
		} else {
			summary.Mean = series[0]
		}
		out.Signals[c.name] = summary
	}
	return out
}
