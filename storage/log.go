package storage

import (
	"charitywater/afridev2/config"
	"charitywater/afridev2/flash"
	"charitywater/afridev2/version"
)

// Weekly log layout: seven 128-byte daily packets, then seven clear-on-
// transmit bytes, then seven clear-on-ready bytes. Erased (0xFF) means "not
// yet"; a single-byte write to zero flips the flag without an erase cycle.
const (
	dailyPacketSize  = 128
	dailyHeaderSize  = 16
	offClearTransmit = daysPerWeek * dailyPacketSize // 896
	offClearReady    = offClearTransmit + daysPerWeek
)

// Offsets inside a daily packet.
const (
	offLitersPerHour = dailyHeaderSize      // 24 x u16
	offTotalLiters   = dailyHeaderSize + 48 // u16
	offAverageLiters = dailyHeaderSize + 50 // u16
	offRedFlag       = dailyHeaderSize + 52 // bool byte
	offOutOfSpec     = dailyHeaderSize + 53 // reserved byte
	offErrorBits     = dailyHeaderSize + 54 // u16
	offPadSubmerged  = dailyHeaderSize + 56 // 6 x u16
)

func weeklyLogAddr(n uint8) uint32 {
	return config.WeeklyLogAddr(int(n))
}

func (e *Engine) dailyPacketAddr(logNum, day uint8) uint32 {
	return weeklyLogAddr(logNum) + uint32(day)*dailyPacketSize
}

func (e *Engine) hourSlotAddr(logNum, day, hour uint8) uint32 {
	return e.dailyPacketAddr(logNum, day) + offLitersPerHour + uint32(hour)*2
}

func nextLogNum(n uint8) uint8 {
	n++
	if n >= config.WeeklyLogCount {
		n = 0
	}
	return n
}

// eraseWeeklyLog erases both flash segments of log n.
func (e *Engine) eraseWeeklyLog(n uint8) {
	addr := weeklyLogAddr(n)
	e.Dev.EraseSegment(addr)
	e.Dev.EraseSegment(addr + flash.SegmentSize)
}

// ResetWeeklyLogs erases all weekly logs and restarts the ring at log zero.
// Idempotent.
func (e *Engine) ResetWeeklyLogs() {
	for n := uint8(0); n < config.WeeklyLogCount; n++ {
		e.eraseWeeklyLog(n)
	}
	e.curLog = 0
	e.txActive = false
}

// prepareNextWeeklyLog advances the ring and erases the slot being entered.
func (e *Engine) prepareNextWeeklyLog() {
	e.curLog = nextLogNum(e.curLog)
	e.eraseWeeklyLog(e.curLog)
}

// prepareDailyLog writes the header of today's packet with beginning-of-day
// info. GMT time-of-day fields are zero; the header marks the day, the
// payload carries the hours.
func (e *Engine) prepareDailyLog() {
	t := e.Clock.Now()
	addr := e.dailyPacketAddr(e.curLog, e.dayOfWeek)
	hdr := []byte{
		0x01,
		MsgDailyLog,
		config.ProductID,
		0, 0, 0,
		t.Day, t.Month, uint8(t.Year % 100),
		version.FWMajor, version.FWMinor,
		uint8(e.daysActivated >> 8), uint8(e.daysActivated),
		e.week,
		e.dayOfWeek,
		0xA5,
	}
	e.Dev.Write(addr, hdr)
}

// zeroFillDay writes 0x0000 into any hour slot of today's log still holding
// the erased sentinel, so a mid-day boot cannot leak 0xFFFF to the cloud.
func (e *Engine) zeroFillDay() {
	for h := uint8(0); h < hoursPerDay; h++ {
		addr := e.hourSlotAddr(e.curLog, e.dayOfWeek, h)
		if flash.ReadUint16(e.Dev, addr) == NoData {
			flash.WriteUint16(e.Dev, addr, 0)
		}
	}
}

// writeStatsToDailyLog stores the pad statistics and error bits, then
// clears the driver's counters for the next day.
func (e *Engine) writeStatsToDailyLog() {
	pkt := e.dailyPacketAddr(e.curLog, e.dayOfWeek)
	for i := 0; i < 6; i++ {
		flash.WriteUint16(e.Dev, pkt+offPadSubmerged+uint32(i)*2, e.Water.PadSubmergedCount(i))
	}
	flash.WriteUint16(e.Dev, pkt+offErrorBits, e.Water.UnknownCount())
	if e.Water.OutOfSpec() {
		e.Dev.Write(pkt+offOutOfSpec, []byte{1})
	} else {
		e.Dev.Write(pkt+offOutOfSpec, []byte{0})
	}
	e.Water.ClearStats()
}

func (e *Engine) markDailyLogReady(day, logNum uint8) {
	if day >= daysPerWeek {
		return
	}
	e.Dev.Write(weeklyLogAddr(logNum)+offClearReady+uint32(day), []byte{0})
}

func (e *Engine) isDailyLogReady(day, logNum uint8) bool {
	var b [1]byte
	e.Dev.Read(weeklyLogAddr(logNum)+offClearReady+uint32(day), b[:])
	return b[0] == 0
}

func (e *Engine) markDailyLogTransmitted(day, logNum uint8) {
	if day >= daysPerWeek {
		return
	}
	e.Dev.Write(weeklyLogAddr(logNum)+offClearTransmit+uint32(day), []byte{0})
}

func (e *Engine) wasDailyLogTransmitted(day, logNum uint8) bool {
	var b [1]byte
	e.Dev.Read(weeklyLogAddr(logNum)+offClearTransmit+uint32(day), b[:])
	return b[0] == 0
}

// NextDailyLogToTransmit walks the ring from the oldest week, returning the
// next packet that is ready and untransmitted, marking it transmitted. The
// walk stops when it wraps back to the current log, or at the safety cap of
// one full ring's worth of packets. Returns nil when nothing is left.
func (e *Engine) NextDailyLogToTransmit() []byte {
	if !e.txActive {
		return nil
	}
	for {
		day := uint8(0)
		for ; day < daysPerWeek; day++ {
			if e.isDailyLogReady(day, e.curTxLog) && !e.wasDailyLogTransmitted(day, e.curTxLog) {
				break
			}
		}
		if day == daysPerWeek {
			e.curTxLog = nextLogNum(e.curTxLog)
			if e.curTxLog == e.startTxLog {
				e.txActive = false
				return nil
			}
			continue
		}

		if e.txCount >= config.MaxDailyLogsPerTransmission {
			e.txActive = false
			return nil
		}
		e.txCount++
		e.haveSentDailyLogs = true
		e.markDailyLogTransmitted(day, e.curTxLog)
		e.Dev.Read(e.dailyPacketAddr(e.curTxLog, day), e.logBuf[:])
		return e.logBuf[:]
	}
}

// DailyLogPacket reads one stored packet. Test and debug support.
func (e *Engine) DailyLogPacket(logNum, day uint8, dst []byte) {
	e.Dev.Read(e.dailyPacketAddr(logNum, day), dst)
}
