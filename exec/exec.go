// Package exec is the cooperative executive: the half-second tick loop that
// runs the capacitive sensing, paces every subsystem's state machine in a
// fixed order, sequences the startup message train, and owns the reboot
// countdown. Nothing here preempts anything; each Tick runs to completion
// before the MCU sleeps again.
package exec

import (
	"log/slog"

	"charitywater/afridev2/config"
	"charitywater/afridev2/gps"
	"charitywater/afridev2/hal"
	"charitywater/afridev2/modem"
	"charitywater/afridev2/msg"
	"charitywater/afridev2/ota"
	"charitywater/afridev2/record"
	"charitywater/afridev2/rtc"
	"charitywater/afridev2/storage"
	"charitywater/afridev2/telemetry"
	"charitywater/afridev2/water"
)

type startupState uint8

const (
	stSendTest startupState = iota
	stSendTestWait
	stFinalAssemblyGap
	stFinalAssembly
	stFinalAssemblyWait
	stAppRecordGap
	stAppRecord
	stCheckInGap
	stCheckIn
	stCheckInWait
	stDone
)

// Exec wires the whole firmware together and runs it.
type Exec struct {
	Wd     hal.Watchdog
	Reboot hal.Rebooter
	Sleep  hal.Sleeper
	Temp   hal.TempADC
	LedRed hal.PinOut // active low
	LedGrn hal.PinOut // active low

	Clock   *rtc.Clock
	Algo    water.Algorithm
	Session *modem.Session
	Framer  *modem.Framer
	Power   *modem.Power
	Data    *msg.DataSm
	Sched   *msg.Scheduler
	Ota     *ota.Dispatcher
	Gps     *gps.Controller
	St      *storage.Engine
	App     *record.AppStore
	Log     *slog.Logger

	tick        uint32
	startup     startupState
	startupTick uint32
	sendTestTry int
	faSent      bool

	rebootArmed     bool
	secondsTillBoot int16

	// Daily temperature extremes for the sensor-data message.
	tempMin int16
	tempMax int16
	tempDay uint8
}

// Init finishes wiring (the OTA reboot hook) and resets state.
func (e *Exec) Init() {
	e.Ota.ArmReboot = e.ArmReboot
	e.startup = stSendTest
	e.tempMin = 0x7FFF
	e.tempMax = -0x8000
	if e.Log != nil {
		e.Log.Info("exec:init")
	}
}

// Tick is the half-second heartbeat, called after each timer wakeup.
func (e *Exec) Tick() {
	e.Wd.Tickle()
	e.tick++

	// Capacitive sensing runs only when the UART owners are quiet.
	if !e.Session.Allocated() && !e.Gps.Active() {
		e.Algo.TakeReading()
		e.Algo.Exec()
	}

	if e.tick%config.TicksPerTrend != 0 {
		return
	}

	// The fixed exec order, every two seconds.
	e.St.Exec(e.Algo.IntervalML(), config.SecondsPerTrend)
	e.Framer.Exec()
	e.Data.Exec()
	e.Ota.Exec()
	e.Session.Exec()
	e.Framer.Exec()
	e.Power.Exec()
	e.Gps.Exec()
	e.Sched.Exec()

	e.sampleTemperature()
	e.updateLeds()
	e.drainDebug()

	if e.rebootArmed {
		e.secondsTillBoot -= config.SecondsPerTrend
		if e.secondsTillBoot <= 0 {
			e.doReboot()
			return
		}
	}

	if !e.Gps.Active() {
		e.startupExec()
	}
}

// ArmReboot starts the reboot countdown. OTA reset-device and a completed
// firmware upgrade both land here.
func (e *Exec) ArmReboot() {
	e.rebootArmed = true
	e.secondsTillBoot = config.RebootDelay
	if e.Log != nil {
		e.Log.Warn("exec:reboot-countdown")
	}
}

// RebootArmed reports a pending reboot.
func (e *Exec) RebootArmed() bool { return e.rebootArmed }

func (e *Exec) doReboot() {
	if e.Log != nil {
		e.Log.Warn("exec:reboot")
	}
	e.rebootArmed = false
	e.Power.ForceOff()
	e.Reboot.Reboot() // no return on hardware
}

// Fault is the catastrophic-fault handler: an unexpected interrupt vector
// lands here. The app record is erased so the bootloader enters recovery
// and raises an SOS, then the watchdog reset is forced.
func (e *Exec) Fault() {
	if e.Log != nil {
		e.Log.Error("exec:catastrophic-fault")
	}
	e.App.Invalidate()
	e.Power.ForceOff()
	e.Reboot.Reboot()
}

// startupExec walks the boot message train: a modem send-test proving the
// path to the cloud, the final-assembly message, the app record write (only
// after final assembly went out, proving the application is healthy), then
// a monthly check-in.
func (e *Exec) startupExec() {
	now := e.Clock.SecondsSinceBoot()

	switch e.startup {
	case stSendTest:
		e.sendTestTry++
		if e.sendTestTry > config.SendTestRetries {
			// Give up on the cloud ack; continue the train regardless.
			if e.Log != nil {
				e.Log.Error("exec:send-test-give-up")
			}
			e.gapTo(stFinalAssemblyGap, now)
			return
		}
		buf := e.Session.MessageBuffer()
		n := e.St.PrepareMsgHeader(buf, storage.MsgModemSendTest)
		if e.Data.SendTestMessage(buf[:n]) {
			e.startup = stSendTestWait
		}

	case stSendTestWait:
		if e.Data.Busy() {
			return
		}
		if e.Data.CommError() || e.Data.ConnectTimeout() {
			e.startup = stSendTest // retry budget applies
			return
		}
		if e.Log != nil {
			e.Log.Info("exec:send-test-pass")
		}
		e.gapTo(stFinalAssemblyGap, now)

	case stFinalAssemblyGap:
		if now-e.startupTick >= config.StartupMsgGap {
			e.startup = stFinalAssembly
		}

	case stFinalAssembly:
		if e.Data.SendMessage(e.Sched.FinalAssemblyMessage()) {
			e.startup = stFinalAssemblyWait
		}

	case stFinalAssemblyWait:
		if e.Data.Busy() {
			return
		}
		e.faSent = !e.Data.CommError()
		e.gapTo(stAppRecordGap, now)

	case stAppRecordGap:
		if now-e.startupTick >= config.StartupMsgGap {
			e.startup = stAppRecord
		}

	case stAppRecord:
		if e.faSent {
			// The application reached the cloud; tell the bootloader this
			// image is good.
			e.App.Init()
		}
		e.gapTo(stCheckInGap, now)

	case stCheckInGap:
		if now-e.startupTick >= config.StartupMsgGap {
			e.startup = stCheckIn
		}

	case stCheckIn:
		if e.Data.SendMessage(e.Sched.CheckInMessage()) {
			e.startup = stCheckInWait
		}

	case stCheckInWait:
		if !e.Data.Busy() {
			e.startup = stDone
			if e.Log != nil {
				e.Log.Info("exec:startup-complete")
			}
		}
	}
}

func (e *Exec) gapTo(next startupState, now uint32) {
	e.startup = next
	e.startupTick = now
}

// StartupDone reports the boot message train has finished.
func (e *Exec) StartupDone() bool { return e.startup == stDone }

func (e *Exec) sampleTemperature() {
	if e.Temp == nil {
		return
	}
	c := hal.TempCelsius(e.Temp.Read())
	if day := e.St.DayOfWeek(); day != e.tempDay {
		e.tempDay = day
		e.tempMin, e.tempMax = c, c
		return
	}
	if c < e.tempMin {
		e.tempMin = c
	}
	if c > e.tempMax {
		e.tempMax = c
	}
}

// updateLeds blinks the green LED on water detect during the first weeks
// after assembly, then leaves both LEDs dark to save power. Active low.
func (e *Exec) updateLeds() {
	if e.LedGrn == nil || e.LedRed == nil {
		return
	}
	if e.St.Week() >= 2 {
		e.LedGrn.Set(true)
		e.LedRed.Set(true)
		return
	}
	e.LedGrn.Set(!e.Algo.WaterPresent())
	e.LedRed.Set(!e.Data.Busy())
}

// drainDebug pushes queued telemetry records out the modem's debug channel.
// Fire-and-forget, and only while nothing owns the modem.
func (e *Exec) drainDebug() {
	if telemetry.Pending() == 0 || e.Session.Allocated() {
		return
	}
	buf := e.Session.SharedBuffer()
	if buf == nil {
		return
	}
	if n := telemetry.Drain(buf, 4); n > 0 {
		e.Session.SendDebug(buf[:n])
	}
}

// SensorPayload builds the sensor-data message body: temperature extremes,
// pad statistics and the current detect settings.
func (e *Exec) SensorPayload(dst []byte) int {
	dst[0] = uint8(uint16(e.tempMin) >> 8)
	dst[1] = uint8(e.tempMin)
	dst[2] = uint8(uint16(e.tempMax) >> 8)
	dst[3] = uint8(e.tempMax)
	n := 4
	for pad := 0; pad < water.NumPads; pad++ {
		v := e.Algo.PadSubmergedCount(pad)
		dst[n] = uint8(v >> 8)
		dst[n+1] = uint8(v)
		n += 2
	}
	u := e.Algo.UnknownCount()
	dst[n] = uint8(u >> 8)
	dst[n+1] = uint8(u)
	return n + 2
}

// Run is the device main loop: sleep, tick, repeat. Never returns.
func (e *Exec) Run() {
	for {
		if e.Sleep != nil {
			e.Sleep.Sleep()
		}
		e.Tick()
	}
}
