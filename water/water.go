// Package water is the boundary to the capacitive-sensing driver and the
// water-volume algorithm. Both are external: the driver produces one raw
// count per pad per tick and the algorithm turns pad samples into
// milliliters. The core consumes them through the Algorithm interface and
// feeds the per-pad statistics into the daily log.
package water

// NumPads is the number of capacitive pads in the spout.
const NumPads = 6

// Algorithm is the external measurement stack.
type Algorithm interface {
	// TakeReading runs one capacitive-sense sweep. A few milliseconds of
	// work; skipped while the modem or GPS owns the system.
	TakeReading()
	// Exec runs the volume algorithm over the latest sweep.
	Exec()
	// IntervalML returns the milliliters measured since the last call.
	IntervalML() uint32
	// WaterPresent reports water currently on the pads.
	WaterPresent() bool

	// Daily-log statistics.
	PadSubmergedCount(pad int) uint16
	UnknownCount() uint16
	OutOfSpec() bool
	ClearStats()
}

// Null is an Algorithm that measures nothing. Placeholder for builds
// without the sensing stack.
type Null struct{}

func (Null) TakeReading()                 {}
func (Null) Exec()                        {}
func (Null) IntervalML() uint32           { return 0 }
func (Null) WaterPresent() bool           { return false }
func (Null) PadSubmergedCount(int) uint16 { return 0 }
func (Null) UnknownCount() uint16         { return 0 }
func (Null) OutOfSpec() bool              { return false }
func (Null) ClearStats()                  {}

// Scripted is a test Algorithm with settable readings.
type Scripted struct {
	ML        uint32
	Present   bool
	Submerged [NumPads]uint16
	Unknowns  uint16
	Spec      bool

	Readings int
	Execs    int
}

func (s *Scripted) TakeReading() { s.Readings++ }
func (s *Scripted) Exec()        { s.Execs++ }

func (s *Scripted) IntervalML() uint32 {
	ml := s.ML
	s.ML = 0
	return ml
}

func (s *Scripted) WaterPresent() bool { return s.Present }

func (s *Scripted) PadSubmergedCount(pad int) uint16 { return s.Submerged[pad] }
func (s *Scripted) UnknownCount() uint16             { return s.Unknowns }
func (s *Scripted) OutOfSpec() bool                  { return s.Spec }
func (s *Scripted) ClearStats() {
	s.Submerged = [NumPads]uint16{}
	s.Unknowns = 0
}
