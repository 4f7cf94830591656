package hal

// Simulated hardware for tests and host builds.

// SimPin is a PinOut/PinIn backed by a bool.
type SimPin struct {
	High bool
	Sets int
}

func (p *SimPin) Set(high bool) {
	p.High = high
	p.Sets++
}

func (p *SimPin) Get() bool { return p.High }

// SimWatchdog counts tickles.
type SimWatchdog struct {
	Count int
}

func (w *SimWatchdog) Tickle() { w.Count++ }

// NopGate is an IrqGate for single-goroutine tests.
type NopGate struct{}

func (NopGate) Mask() func() { return func() {} }

// SimRebooter records that a reboot was requested.
type SimRebooter struct {
	Rebooted int
}

func (r *SimRebooter) Reboot() { r.Rebooted++ }

// SimTempADC returns a fixed raw reading.
type SimTempADC struct {
	Raw uint16
}

func (a *SimTempADC) Read() uint16 { return a.Raw }

// SimSleeper counts low-power entries.
type SimSleeper struct {
	Sleeps int
}

func (s *SimSleeper) Sleep() { s.Sleeps++ }
