package recognition

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kozaktomas/rollcall/internal/constants"
)

// Config controls one recognition session.
type Config struct {
	DeviceIndex         int `json:"device_index" yaml:"device_index" validate:"gte=0"`
	ConfidenceThreshold int `json:"confidence_threshold" yaml:"confidence_threshold" validate:"gte=50,lte=95"`
	CooldownSeconds     int `json:"cooldown_seconds" yaml:"cooldown_seconds" validate:"gte=1,lte=300"`
	TickIntervalMS      int `json:"tick_interval_ms" yaml:"tick_interval_ms" validate:"gte=30,lte=200"`
	FrameWidth          int `json:"frame_width" yaml:"frame_width" validate:"gte=0"`
	FrameHeight         int `json:"frame_height" yaml:"frame_height" validate:"gte=0"`
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: constants.DefaultConfidenceThreshold,
		CooldownSeconds:     constants.DefaultCooldownSeconds,
		TickIntervalMS:      constants.DefaultTickIntervalMS,
		FrameWidth:          constants.DefaultFrameWidth,
		FrameHeight:         constants.DefaultFrameHeight,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its allowed range.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid recognition config: %w", err)
	}
	return nil
}

// TickInterval returns the pipeline tick as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// Cooldown returns the gate cooldown as a duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}
