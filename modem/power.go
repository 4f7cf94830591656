package modem

import (
	"log/slog"

	"charitywater/afridev2/hal"
)

// Power-sequencing delays, in seconds.
const (
	// Post-power-on settle time for the SIM900/BodyTrace module before it
	// accepts commands.
	warmupSeconds = 6
	// Time allowed for the modem to drain its internal state after the
	// power-off command, before the rails drop.
	drainSeconds = 10
)

type powerState uint8

const (
	powerOff powerState = iota
	powerWarmup
	powerReady
	powerDrain
)

// Power raises and drops the modem supply rails in the required order and
// tracks modem-on time for the link-up timeout.
type Power struct {
	Dcdc    hal.PinOut // GSM_DCDC
	En      hal.PinOut // GSM_EN
	LsVcc   hal.PinOut // LS_VCC
	V18     hal.PinOut // _1V8_EN
	UartSel hal.PinOut // MSP_UART_SEL: low = modem

	Now func() uint32
	Log *slog.Logger

	state   powerState
	entered uint32
	onSince uint32
}

// PowerUp raises the rails. The required order is DCDC, enable, level
// shifter, 1.8 V rail; the warmup delay dominates any inter-rail spacing.
func (p *Power) PowerUp() {
	if p.state != powerOff {
		return
	}
	p.UartSel.Set(false) // mux UART to the modem
	p.Dcdc.Set(true)
	p.En.Set(true)
	p.LsVcc.Set(true)
	p.V18.Set(true)
	p.entered = p.Now()
	p.onSince = p.entered
	p.state = powerWarmup
	if p.Log != nil {
		p.Log.Info("modem:power-up")
	}
}

// StartDrain begins the shutdown delay. The caller has already sent the
// power-off command.
func (p *Power) StartDrain() {
	if p.state == powerOff {
		return
	}
	p.entered = p.Now()
	p.state = powerDrain
}

// ForceOff drops the rails immediately (reboot path).
func (p *Power) ForceOff() {
	p.railsDown()
}

// Ready reports the modem is powered and past its warmup delay.
func (p *Power) Ready() bool { return p.state == powerReady }

// Off reports the rails are down.
func (p *Power) Off() bool { return p.state == powerOff }

// OnTime returns seconds since power-up, or 0 when off.
func (p *Power) OnTime() uint32 {
	if p.state == powerOff {
		return 0
	}
	return p.Now() - p.onSince
}

// Exec advances the power sequencing.
func (p *Power) Exec() {
	switch p.state {
	case powerWarmup:
		if p.Now()-p.entered >= warmupSeconds {
			p.state = powerReady
			if p.Log != nil {
				p.Log.Info("modem:power-ready")
			}
		}
	case powerDrain:
		if p.Now()-p.entered >= drainSeconds {
			p.railsDown()
		}
	}
}

func (p *Power) railsDown() {
	p.V18.Set(false)
	p.LsVcc.Set(false)
	p.En.Set(false)
	p.Dcdc.Set(false)
	p.state = powerOff
	if p.Log != nil {
		p.Log.Info("modem:power-off")
	}
}
