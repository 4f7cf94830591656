package water

// Downspout-rate clamp bounds, in milliliters per second.
const (
	DownspoutRateMin     = 200
	DownspoutRateMax     = 800
	DownspoutRateDefault = 375
)

// Settings holds the runtime-tunable water-detect parameters driven by the
// sensor-data OTA sub-commands. The measurement stack reads them each
// sweep.
type Settings struct {
	UnknownLimit  uint8
	DownspoutRate uint16
	WaterLimit    uint16
	WakeTime      uint16

	// Baseline hooks into the driver; wired by the device build.
	OverwriteBaseline func() bool
	ResetDetect       func()
}

// NewSettings returns defaults.
func NewSettings() *Settings {
	return &Settings{DownspoutRate: DownspoutRateDefault}
}

// OverwriteFactoryBaseline captures the current pad readings as the factory
// baseline. Returns false when the driver hook is absent.
func (s *Settings) OverwriteFactoryBaseline() bool {
	if s.OverwriteBaseline == nil {
		return false
	}
	return s.OverwriteBaseline()
}

// ResetWaterDetect restarts the detection state machine.
func (s *Settings) ResetWaterDetect() {
	if s.ResetDetect != nil {
		s.ResetDetect()
	}
}

// SetUnknownLimit stores the unknown-sample limit.
func (s *Settings) SetUnknownLimit(v uint8) { s.UnknownLimit = v }

// SetDownspoutRate clamps and stores the downspout flow rate, returning the
// value applied.
func (s *Settings) SetDownspoutRate(v uint16) uint16 {
	if v < DownspoutRateMin {
		v = DownspoutRateMin
	}
	if v > DownspoutRateMax {
		v = DownspoutRateMax
	}
	s.DownspoutRate = v
	return v
}

// SetWaterLimit stores the water-detect limit.
func (s *Settings) SetWaterLimit(v uint16) { s.WaterLimit = v }

// SetWakeTime stores the wake interval.
func (s *Settings) SetWakeTime(v uint16) { s.WakeTime = v }
