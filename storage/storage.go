// Package storage is the persistent logging engine: it paces the storage
// clock, rolls water usage up into hourly slots and daily logs, keeps five
// rotating weekly logs in segment-erasable flash with ready/transmitted flag
// bytes, detects red-flag (abnormal usage) conditions, and decides when the
// accumulated daily logs get transmitted.
package storage

import (
	"log/slog"

	"charitywater/afridev2/config"
	"charitywater/afridev2/flash"
	"charitywater/afridev2/rtc"
	"charitywater/afridev2/version"
)

// Scheduler is how the engine asks for outbound messages. Implemented by the
// message mux; split out so storage stays below msg in the import graph.
type Scheduler interface {
	ScheduleDailyWaterLog()
	ScheduleActivated()
	ScheduleMonthlyCheckIn()
	ScheduleGpsMeasurement()
	ScheduleFinalAssembly()
}

// PadStats is the view of the water-sense driver the daily log needs.
type PadStats interface {
	PadSubmergedCount(pad int) uint16
	UnknownCount() uint16
	OutOfSpec() bool
	ClearStats()
}

// Sentinel hour values in the daily log. An erased slot reads NoData; a
// recorded hour saturates at MaxHourValue.
const (
	NoData       = uint16(0xFFFF)
	MaxHourValue = uint16(0xFFFE)
)

const (
	hoursPerDay = 24
	daysPerWeek = 7
)

// Engine holds all storage state. One instance exists for the life of the
// boot; everything durable lives in the weekly-log flash regions.
type Engine struct {
	Dev   flash.Device
	Clock *rtc.Clock
	Water PadStats
	Sched Scheduler
	Log   *slog.Logger

	// Storage clock. Advanced by Exec from elapsed wall seconds; day-of-week
	// and week come from its own rollovers, not the calendar.
	clockSeconds int16
	clockMinutes uint8
	clockHours   uint8
	dayOfWeek    uint8
	week         uint8

	// Running sums, in milliliters.
	minuteML uint32
	hourML   uint32
	dayML    uint32

	daysActivated     uint16
	activatedLiterSum uint16

	transmissionRate uint8
	daysSinceLastTx  uint8

	curLog     uint8 // weekly log being written, 0..4
	startTxLog uint8
	curTxLog   uint8
	txCount    uint8
	txActive   bool

	haveSentDailyLogs bool

	// Days since the last daily-log transmission start / GMT sync, for the
	// 28-day re-sync check.
	daysSinceGoodTx   uint8
	daysSinceTimeSync uint8
	timeWasSynced     bool

	red redFlagState

	logBuf [dailyPacketSize]byte
}

// New returns an engine over the weekly-log flash. If an interrupted day is
// found (a daily header written but its clear-on-ready byte still erased,
// i.e. the unit lost power mid-day), the engine resumes that day: its
// remaining hour slots are zero-filled at the next midnight rollover.
// Otherwise the ring starts fresh.
func New(dev flash.Device, clock *rtc.Clock, water PadStats, sched Scheduler, log *slog.Logger) *Engine {
	e := &Engine{
		Dev: dev, Clock: clock, Water: water, Sched: sched, Log: log,
		transmissionRate: config.TransmissionRateDefault,
	}
	if !e.recoverInterruptedDay() {
		e.ResetWeeklyLogs()
	}
	return e
}

// recoverInterruptedDay scans the ring for a day that was being written when
// power was lost. The last such day found wins.
func (e *Engine) recoverInterruptedDay() bool {
	found := false
	var hdr [dailyHeaderSize]byte
	for n := uint8(0); n < config.WeeklyLogCount; n++ {
		for d := uint8(0); d < daysPerWeek; d++ {
			e.Dev.Read(e.dailyPacketAddr(n, d), hdr[:])
			if hdr[0] != 0x01 || hdr[1] != MsgDailyLog {
				continue
			}
			if e.isDailyLogReady(d, n) {
				continue // finalized day
			}
			e.curLog = n
			e.dayOfWeek = hdr[14]
			e.week = hdr[13]
			e.daysActivated = uint16(hdr[11])<<8 | uint16(hdr[12])
			found = true
		}
	}
	if found && e.Log != nil {
		e.Log.Info("storage:resume-day",
			slog.Int("week", int(e.week)),
			slog.Int("day", int(e.dayOfWeek)),
		)
	}
	return found
}

// Exec advances the storage clock by elapsed seconds and accounts the
// milliliters measured over that interval. Called every exec pass.
func (e *Engine) Exec(milliliters uint32, elapsed int) {
	e.minuteML += milliliters

	e.clockSeconds += int16(elapsed)
	if e.clockSeconds >= 60 {
		e.clockSeconds -= 60
		e.clockMinutes++
		e.recordLastMinute()
	}
	if e.clockMinutes >= 60 {
		e.recordLastHour() // records the hour that just completed
		e.clockMinutes -= 60
		e.clockHours++
	}
	if e.clockHours >= hoursPerDay {
		e.recordLastDay()
		e.clockHours -= hoursPerDay
		e.dayOfWeek++
		if e.dayOfWeek < daysPerWeek && e.daysActivated > 0 {
			e.prepareDailyLog()
		}
	}
	if e.dayOfWeek >= daysPerWeek {
		e.dayOfWeek = 0
		e.week++
		e.prepareNextWeeklyLog()
		if e.daysActivated > 0 {
			e.prepareDailyLog()
		}
		e.checkMonthlyCheckIn()
	}
}

func (e *Engine) recordLastMinute() {
	e.hourML += e.minuteML
	e.minuteML = 0
}

// recordLastHour quantizes the completed hour into the daily log. The value
// is milliliters/32, saturated below the erased-cell sentinel.
func (e *Engine) recordLastHour() {
	v := e.hourML >> 5
	if v >= uint32(MaxHourValue) {
		v = uint32(MaxHourValue)
	}
	if e.daysActivated > 0 {
		addr := e.hourSlotAddr(e.curLog, e.dayOfWeek, e.clockHours)
		// After a mid-day reboot the slot may already hold pre-crash data;
		// a rewrite would AND into it. Only an erased slot is recorded.
		if flash.ReadUint16(e.Dev, addr) == NoData {
			flash.WriteUint16(e.Dev, addr, uint16(v))
		}
	}
	e.dayML += e.hourML
	e.hourML = 0
}

// recordLastDay is the midnight rollover housekeeping.
func (e *Engine) recordLastDay() {
	newRedFlag := false

	if e.daysActivated > 0 {
		dayLiters := uint16(e.dayML / 1000)

		// The unit may have booted mid-day; hour slots before boot are
		// still erased. Zero-fill them so the cloud sees data, not 0xFFFF.
		e.zeroFillDay()

		e.writeStatsToDailyLog()

		newRedFlag = e.redFlagProcessing(dayLiters)

		pkt := e.dailyPacketAddr(e.curLog, e.dayOfWeek)
		flash.WriteUint16(e.Dev, pkt+offTotalLiters, dayLiters)
		avg := uint16(0)
		if e.red.populated {
			avg = e.red.threshold[e.dayOfWeek]
		}
		flash.WriteUint16(e.Dev, pkt+offAverageLiters, avg)
		if e.red.condition {
			e.Dev.Write(pkt+offRedFlag, []byte{1})
		} else {
			e.Dev.Write(pkt+offRedFlag, []byte{0})
		}

		e.markDailyLogReady(e.dayOfWeek, e.curLog)

		e.checkAndTransmitDailyLogs(newRedFlag)

		e.daysActivated++
		e.bumpSyncCounters()
	} else {
		// Not logging; drop the day's pad statistics on the floor.
		e.Water.ClearStats()
	}

	// Activation check: one busy day turns the unit on for good.
	if e.daysActivated == 0 && e.dayML > config.ActivationMilliliters {
		e.Sched.ScheduleActivated()
		e.Sched.ScheduleGpsMeasurement()
		e.daysActivated = 1
		e.activatedLiterSum = uint16(e.dayML / 1000)
		if e.Log != nil {
			e.Log.Info("storage:activated", slog.Int("liters", int(e.activatedLiterSum)))
		}
	}

	e.dayML = 0
}

// bumpSyncCounters runs the 28-day re-sync check: an activated unit that has
// neither transmitted daily logs nor seen a time sync for four weeks sends a
// fresh final-assembly message, which the cloud answers with a GMT update.
func (e *Engine) bumpSyncCounters() {
	if e.daysSinceGoodTx < 0xFF {
		e.daysSinceGoodTx++
	}
	if !e.timeWasSynced && e.daysSinceTimeSync < 0xFF {
		e.daysSinceTimeSync++
	}
	if e.daysSinceGoodTx >= config.MaxDaysWithoutSync ||
		(!e.timeWasSynced && e.daysSinceTimeSync >= config.MaxDaysWithoutSync) {
		e.Sched.ScheduleFinalAssembly()
		e.daysSinceGoodTx = 0
		e.daysSinceTimeSync = 0
	}
}

// NoteTimeSync records that a GMT update was applied.
func (e *Engine) NoteTimeSync() {
	e.timeWasSynced = true
	e.daysSinceTimeSync = 0
}

func (e *Engine) checkAndTransmitDailyLogs(newRedFlag bool) {
	e.daysSinceLastTx++

	rateMet := e.daysSinceLastTx >= e.transmissionRate
	if !rateMet && !newRedFlag {
		return
	}

	// Start the walk with the oldest week, the one after the current log.
	e.daysSinceLastTx = 0
	e.daysSinceGoodTx = 0
	e.startTxLog = nextLogNum(e.curLog)
	e.curTxLog = e.startTxLog
	e.txCount = 0
	e.txActive = true
	e.Sched.ScheduleDailyWaterLog()
	if e.Log != nil {
		e.Log.Info("storage:transmit-start",
			slog.Bool("redflag", newRedFlag),
			slog.Int("week", int(e.week)),
		)
	}
}

func (e *Engine) checkMonthlyCheckIn() {
	if e.week%4 != 0 {
		return
	}
	if e.daysActivated == 0 || !e.haveSentDailyLogs {
		e.Sched.ScheduleMonthlyCheckIn()
	}
	e.haveSentDailyLogs = false
}

// Storage clock accessors.

// ClockHour returns the storage clock hour, 0-23.
func (e *Engine) ClockHour() uint8 { return e.clockHours }

// ClockMinute returns the storage clock minute, 0-59.
func (e *Engine) ClockMinute() uint8 { return e.clockMinutes }

// Week returns the storage week counter (0-255, not the log index).
func (e *Engine) Week() uint8 { return e.week }

// DayOfWeek returns the storage day of week, 0-6.
func (e *Engine) DayOfWeek() uint8 { return e.dayOfWeek }

// ClockInfo fills dst with the 9-byte storage clock snapshot returned by the
// clock-request OTA.
func (e *Engine) ClockInfo(dst []byte) int {
	dst[0] = uint8(e.clockSeconds)
	dst[1] = e.clockMinutes
	dst[2] = e.clockHours
	dst[3] = e.dayOfWeek
	dst[4] = e.week
	dst[5] = 0 // alignment pending flag (storage clock aligns by shift)
	dst[6] = 0
	dst[7] = 0
	dst[8] = 0
	return 9
}

// ShiftClock applies the local-offset OTA: advance the storage clock by the
// given offset, wrapping at midnight and moving the day-of-week forward when
// the shift crosses it.
func (e *Engine) ShiftClock(sec, min, hour24 uint8) {
	s := int32(e.clockSeconds) + int32(sec)
	m := int32(e.clockMinutes) + int32(min) + s/60
	h := int32(e.clockHours) + int32(hour24) + m/60
	e.clockSeconds = int16(s % 60)
	e.clockMinutes = uint8(m % 60)
	if h >= hoursPerDay {
		e.dayOfWeek = uint8((int32(e.dayOfWeek) + h/hoursPerDay) % daysPerWeek)
	}
	e.clockHours = uint8(h % hoursPerDay)
}

// DaysActivated reports how long the unit has been activated. Zero means
// not activated.
func (e *Engine) DaysActivated() uint16 { return e.daysActivated }

// OverrideActivation handles the activate/silence OTAs.
func (e *Engine) OverrideActivation(on bool) {
	if on {
		if e.daysActivated == 0 {
			e.daysActivated = 1
			e.prepareDailyLog()
		}
	} else {
		e.daysActivated = 0
	}
}

// SetTransmissionRate sets the daily-log cadence in days. Out-of-range
// values clamp to 1; the maximum keeps the current week out of the walk.
func (e *Engine) SetTransmissionRate(days uint8) {
	if days < config.TransmissionRateMin || days > config.TransmissionRateMax {
		days = config.TransmissionRateMin
	}
	e.transmissionRate = days
}

// TransmissionRate returns the current cadence in days.
func (e *Engine) TransmissionRate() uint8 { return e.transmissionRate }

// PrepareMsgHeader writes the 16-byte message header that prefixes every
// outbound cloud message.
func (e *Engine) PrepareMsgHeader(dst []byte, msgID uint8) int {
	t := e.Clock.Now()
	dst[0] = 0x01
	dst[1] = msgID
	dst[2] = config.ProductID
	dst[3] = t.Second
	dst[4] = t.Minute
	dst[5] = t.Hour
	dst[6] = t.Day
	dst[7] = t.Month
	dst[8] = uint8(t.Year % 100)
	dst[9] = version.FWMajor
	dst[10] = version.FWMinor
	dst[11] = uint8(e.daysActivated >> 8)
	dst[12] = uint8(e.daysActivated)
	dst[13] = e.week
	dst[14] = e.dayOfWeek
	dst[15] = 0xA5
	return 16
}

// MonthlyCheckInMessage builds the check-in message (header only) into buf.
func (e *Engine) MonthlyCheckInMessage(buf []byte) int {
	return e.PrepareMsgHeader(buf, MsgCheckIn)
}

// ActivatedMessage builds the activated message: header plus the liter sum
// of the day the unit crossed the threshold.
func (e *Engine) ActivatedMessage(buf []byte) int {
	n := e.PrepareMsgHeader(buf, MsgActivated)
	buf[n] = uint8(e.activatedLiterSum >> 8)
	buf[n+1] = uint8(e.activatedLiterSum)
	return n + 2
}

// Message type ids in the header.
const (
	MsgFinalAssembly = uint8(0x00)
	MsgOtaReply      = uint8(0x03)
	MsgRetryByte     = uint8(0x04)
	MsgCheckIn       = uint8(0x05)
	MsgActivated     = uint8(0x07)
	MsgGpsLocation   = uint8(0x08)
	MsgDailyLog      = uint8(0x21)
	MsgSensorData    = uint8(0x22)
	MsgSOS           = uint8(0x23)
	MsgTimestamp     = uint8(0x24)
	MsgModemSendTest = uint8(0x2F)
)
