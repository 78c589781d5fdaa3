// Package pipeline implements the ingestion path: validation and scoring of
// raw readings, tumbling-window aggregation per region, and the consumer
// loop that drives both.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lucsky/cuid"

	"github.com/citypulse/trafficflow/internal/clock"
	"github.com/citypulse/trafficflow/internal/models"
)

// ValidationError describes why a reading was rejected. Rejections are
// permanent: the message is logged, acknowledged and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid reading: %s %s", e.Field, e.Reason)
}

// Validator turns raw payloads into processed readings.
type Validator struct {
	clock clock.Clock
}

func NewValidator(clk clock.Clock) *Validator {
	return &Validator{clock: clk}
}

// rawEnvelope mirrors the wire format with pointer fields so missing keys
// are distinguishable from zero values.
type rawEnvelope struct {
	SensorID  *string `json:"sensor_id"`
	Timestamp *string `json:"timestamp"`
	Location  *struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	} `json:"location"`
	VehicleCount    *int     `json:"vehicle_count"`
	AverageSpeed    *float64 `json:"average_speed"`
	CongestionLevel *float64 `json:"congestion_level"`
}

// Process validates and scores one payload. Every malformed or implausible
// input comes back as a *ValidationError; processing never mutates shared
// state, so a failure here is safe to acknowledge and move past.
func (v *Validator) Process(payload []byte) (*models.ProcessedReading, error) {
	raw, err := parseRawReading(payload)
	if err != nil {
		return nil, err
	}

	return &models.ProcessedReading{
		ID:              cuid.New(),
		SensorID:        raw.SensorID,
		Timestamp:       raw.Timestamp,
		Location:        raw.Location,
		VehicleCount:    raw.VehicleCount,
		AverageSpeed:    raw.AverageSpeed,
		CongestionLevel: raw.CongestionLevel,
		CongestionScore: CongestionScore(raw.AverageSpeed, raw.VehicleCount, raw.CongestionLevel),
		ProcessedAt:     v.clock.Now().UTC(),
		Status:          models.ReadingStatusValidated,
	}, nil
}

func parseRawReading(payload []byte) (*models.RawReading, error) {
	var env rawEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return nil, &ValidationError{Field: typeErr.Field, Reason: "wrong type"}
		}
		return nil, &ValidationError{Field: "payload", Reason: "not valid JSON"}
	}

	if env.SensorID == nil || *env.SensorID == "" {
		return nil, &ValidationError{Field: "sensor_id", Reason: "missing or empty"}
	}
	if env.Timestamp == nil {
		return nil, &ValidationError{Field: "timestamp", Reason: "missing"}
	}
	ts, err := time.Parse(time.RFC3339, *env.Timestamp)
	if err != nil {
		return nil, &ValidationError{Field: "timestamp", Reason: "not a valid RFC3339 time"}
	}
	if env.Location == nil || env.Location.Latitude == nil || env.Location.Longitude == nil {
		return nil, &ValidationError{Field: "location", Reason: "missing latitude or longitude"}
	}
	if env.VehicleCount == nil {
		return nil, &ValidationError{Field: "vehicle_count", Reason: "missing"}
	}
	if *env.VehicleCount < 0 {
		return nil, &ValidationError{Field: "vehicle_count", Reason: "negative"}
	}
	if env.AverageSpeed == nil {
		return nil, &ValidationError{Field: "average_speed", Reason: "missing"}
	}
	if *env.AverageSpeed < 0 || *env.AverageSpeed > models.MaxAverageSpeed {
		return nil, &ValidationError{Field: "average_speed", Reason: "outside plausible range"}
	}
	if env.CongestionLevel == nil {
		return nil, &ValidationError{Field: "congestion_level", Reason: "missing"}
	}
	if *env.CongestionLevel < 0 || *env.CongestionLevel > models.MaxCongestionLevel {
		return nil, &ValidationError{Field: "congestion_level", Reason: "outside plausible range"}
	}

	return &models.RawReading{
		SensorID:  *env.SensorID,
		Timestamp: ts,
		Location: models.Location{
			Latitude:  *env.Location.Latitude,
			Longitude: *env.Location.Longitude,
		},
		VehicleCount:    *env.VehicleCount,
		AverageSpeed:    *env.AverageSpeed,
		CongestionLevel: *env.CongestionLevel,
	}, nil
}

// CongestionScore maps speed, volume and the sensor's own congestion level
// onto [0, 100]. Slower traffic, more vehicles and a higher reported level
// each push the score up; the same inputs always produce the same score.
func CongestionScore(averageSpeed float64, vehicleCount int, congestionLevel float64) float64 {
	speedFactor := 1 - averageSpeed/models.MaxAverageSpeed
	densityFactor := float64(vehicleCount) / (float64(vehicleCount) + 40)
	levelFactor := congestionLevel / models.MaxCongestionLevel

	score := 100 * (0.45*speedFactor + 0.30*densityFactor + 0.25*levelFactor)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
