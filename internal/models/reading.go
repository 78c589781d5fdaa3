package models

import "time"

// RawReading is a single traffic sensor observation as it arrives off the
// ingestion topic. Fields mirror the JSON wire format.
type RawReading struct {
	SensorID        string    `json:"sensor_id"`
	Timestamp       time.Time `json:"timestamp"`
	Location        Location  `json:"location"`
	VehicleCount    int       `json:"vehicle_count"`
	AverageSpeed    float64   `json:"average_speed"`
	CongestionLevel float64   `json:"congestion_level"`
}

// ProcessedReading is a raw reading that passed validation, enriched with a
// congestion score and processing metadata. ID is unique per processing
// attempt, so a redelivered message shows up as a separate row downstream.
type ProcessedReading struct {
	ID              string    `json:"id"`
	SensorID        string    `json:"sensor_id"`
	Timestamp       time.Time `json:"timestamp"`
	Location        Location  `json:"location"`
	VehicleCount    int       `json:"vehicle_count"`
	AverageSpeed    float64   `json:"average_speed"`
	CongestionLevel float64   `json:"congestion_level"`
	CongestionScore float64   `json:"congestion_score"`
	ProcessedAt     time.Time `json:"processing_timestamp"`
	Status          string    `json:"status"`
}

// RegionalAggregate summarises one closed tumbling window for one region.
// WindowStart identifies the window together with the configured window size:
// the window covers [WindowStart, WindowStart+size).
type RegionalAggregate struct {
	RegionID               string    `json:"region_id"`
	WindowStart            time.Time `json:"window_start_time"`
	AverageCongestionScore float64   `json:"average_congestion_score"`
	SensorCount            int       `json:"sensor_count_in_window"`
	MessageCount           int       `json:"message_count_in_window"`
}
