package memory

import (
	"math"
	"time"
)

// MinImportance is the floor decayed importance never drops below.
const MinImportance = 0.1

// DecayConfig controls how importance fades with age at ranking time.
type DecayConfig struct {
	Enabled      bool
	HalfLifeDays float64 // days for importance to halve (default 30)
}

// DefaultDecayConfig returns sensible defaults.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		Enabled:      true,
		HalfLifeDays: 30,
	}
}

// CurrentImportance returns the record's importance decayed to now.
// Stored importance is never modified.
func CurrentImportance(r *Record, now time.Time, cfg DecayConfig) float64 {
	if !cfg.Enabled {
		return r.Importance
	}
	halfLife := cfg.HalfLifeDays
	if halfLife <= 0 {
		halfLife = DefaultDecayConfig().HalfLifeDays
	}
	decayed := r.Importance * halfLifeFactor(r.CreatedAt, now, halfLife)
	return math.Max(decayed, MinImportance)
}

// halfLifeFactor is 0.5^(elapsed_days/halfLife), with negative elapsed time treated as zero.
func halfLifeFactor(from, now time.Time, halfLifeDays float64) float64 {
	elapsed := now.Sub(from).Hours() / 24
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Pow(0.5, elapsed/halfLifeDays)
}
