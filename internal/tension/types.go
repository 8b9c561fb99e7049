package tension

import "time"

// #region types

// Trend is the direction of global tension over the recent window.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// Sample is one global tension reading.
type Sample struct {
	At     time.Time `json:"at"`
	Global float64   `json:"global"`
}

// Config tunes aggregation and trend detection.
type Config struct {
	RingSize      int     // samples kept for trend computation
	TrendWindow   int     // samples fed to the slope fit
	StableEpsilon float64 // |slope| below this is Stable
	IdleDecay     float64 // per-idle-tick decay rate in [0,1)
}

// DefaultConfig returns the tuning used by a fresh session.
func DefaultConfig() Config {
	return Config{
		RingSize:      64,
		TrendWindow:   6,
		StableEpsilon: 0.01,
		IdleDecay:     0.1,
	}
}

// #endregion types
