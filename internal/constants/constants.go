// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Recognition constants
const (
	// DefaultConfidenceThreshold is the minimum confidence for a recognition to reach the gate
	DefaultConfidenceThreshold = 70
	// MinConfidenceThreshold and MaxConfidenceThreshold bound the configurable threshold
	MinConfidenceThreshold = 50
	MaxConfidenceThreshold = 95

	// DefaultCooldownSeconds is the minimum gap between two accepted recognitions of one person
	DefaultCooldownSeconds = 10
	MinCooldownSeconds     = 1
	MaxCooldownSeconds     = 300

	// DefaultTickIntervalMS is the pause between pipeline iterations
	DefaultTickIntervalMS = 100
	MinTickIntervalMS     = 30
	MaxTickIntervalMS     = 200
)

// Camera constants
const (
	// DefaultFrameWidth and DefaultFrameHeight are requested from the capture device
	DefaultFrameWidth  = 640
	DefaultFrameHeight = 480
)

// Enrollment constants
const (
	// DefaultTargetSamples is the number of samples captured per enrollment
	DefaultTargetSamples = 5

	// DefaultInterSampleGap is the pause between accepted samples
	DefaultInterSampleGap = 500 * time.Millisecond

	// MinRequiredSamples is the lower bound on samples for a successful enrollment
	MinRequiredSamples = 3

	// MaxTargetSamples caps a single enrollment request
	MaxTargetSamples = 50
)

// Maintenance constants
const (
	// DefaultPruneSchedule is the cron expression of the cooldown cache prune job
	DefaultPruneSchedule = "5 0 * * *"

	// ShutdownTimeout bounds the HTTP server shutdown
	ShutdownTimeout = 10 * time.Second
)
