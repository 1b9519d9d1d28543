package livefeed

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/san-kum/crash-telemetry/server/models"
)

var ErrMalformed = errors.New("malformed sensor reading")

type requiredFields struct {
	GForce   *float64 `json:"gForce"`
	Velocity *float64 `json:"velocity"`
}

// Decode parses one JSON-encoded reading. gForce and velocity must be
// present and numeric; every other field is taken as provided, and a field
// of the wrong JSON type is left at its zero value.
func Decode(payload []byte) (models.SensorReading, error) {
	var present requiredFields
	if err := json.Unmarshal(payload, &present); err != nil {
		return models.SensorReading{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if present.GForce == nil {
		return models.SensorReading{}, fmt.Errorf("%w: gForce is missing or not numeric", ErrMalformed)
	}
	if present.Velocity == nil {
		return models.SensorReading{}, fmt.Errorf("%w: velocity is missing or not numeric", ErrMalformed)
	}

	var reading models.SensorReading
	if err := json.Unmarshal(payload, &reading); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return models.SensorReading{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return reading, nil
}
