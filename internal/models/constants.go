package models

const (
	ReadingStatusValidated = "validated"

	// Physical plausibility bounds enforced at validation and respected by
	// the generator.
	MaxAverageSpeed    = 300.0
	MaxCongestionLevel = 100.0
)
