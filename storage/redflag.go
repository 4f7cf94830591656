package storage

import (
	"log/slog"

	"charitywater/afridev2/config"
)

// Red-flag policy selection. The default policy flags a day whose liters
// fall below a quarter of the learned weekday average; the alternative flags
// only completely dry days against a non-zero average.
const redFlagZeroLitersPolicy = false

const (
	redFlagMappingDays = config.RedFlagMappingWeeks * daysPerWeek // 28
	// Dividing the 4-week sums down to per-weekday averages.
	redFlagMappingShift = 2
)

type redFlagState struct {
	condition bool
	populated bool
	mapDay    uint8
	dayCount  uint16
	threshold [daysPerWeek]uint16
}

// redFlagProcessing runs at each midnight rollover with the day's liters.
// Returns true when a new red-flag condition was raised today.
func (e *Engine) redFlagProcessing(dayLiters uint16) bool {
	r := &e.red

	if !r.populated {
		// Mapping phase: accumulate each day's liters into its weekday
		// bucket; after four weeks the buckets become per-weekday averages.
		r.threshold[e.dayOfWeek] += dayLiters
		r.mapDay++
		if r.mapDay >= redFlagMappingDays {
			for i := range r.threshold {
				r.threshold[i] >>= redFlagMappingShift
			}
			r.populated = true
			if e.Log != nil {
				e.Log.Info("storage:redflag-map-done")
			}
		}
		return false
	}

	thresh := r.threshold[e.dayOfWeek]

	if r.condition {
		// Clear when today recovers past 75% of the weekday average.
		threeFourths := uint16((uint32(thresh) * 3) >> 2)
		if dayLiters > threeFourths {
			e.ResetRedFlag()
		}
	}

	if r.condition {
		r.dayCount++
		return false
	}

	newCondition := false
	if redFlagZeroLitersPolicy {
		newCondition = dayLiters == 0 && thresh > 0
	} else {
		quarter := thresh >> 2
		newCondition = dayLiters < quarter && thresh > config.MinDailyLitersToSetRedFlag
	}

	if newCondition {
		r.condition = true
		r.dayCount = 1
		if e.Log != nil {
			e.Log.Warn("storage:redflag",
				slog.Int("liters", int(dayLiters)),
				slog.Int("threshold", int(thresh)),
			)
		}
		return true
	}

	// Normal day: nudge the weekday average toward today with weight 1/4.
	r.threshold[e.dayOfWeek] = uint16((uint32(thresh)*3 + uint32(dayLiters)) >> 2)
	return false
}

// RedFlag reports the current red-flag condition.
func (e *Engine) RedFlag() bool { return e.red.condition }

// ResetRedFlag clears the condition but keeps the learned map.
func (e *Engine) ResetRedFlag() {
	e.red.condition = false
	e.red.dayCount = 0
}

// ResetRedFlagAndMap clears the condition and relearns the weekday map from
// scratch.
func (e *Engine) ResetRedFlagAndMap() {
	e.red = redFlagState{}
}

// RedFlagThreshold returns the learned average for a weekday. Test support.
func (e *Engine) RedFlagThreshold(day uint8) uint16 { return e.red.threshold[day] }

// SeedRedFlagMap installs a fully populated weekday map. Test support,
// mirroring the factory red-flag test hook.
func (e *Engine) SeedRedFlagMap(thresh [daysPerWeek]uint16) {
	e.red.threshold = thresh
	e.red.populated = true
	e.red.mapDay = redFlagMappingDays
}
