package storage

import (
	"testing"

	"charitywater/afridev2/config"
	"charitywater/afridev2/flash"
	"charitywater/afridev2/hal"
	"charitywater/afridev2/rtc"
	"charitywater/afridev2/version"
)

type fakePads struct {
	submerged [6]uint16
	unknowns  uint16
	outOfSpec bool
	clears    int
}

func (f *fakePads) PadSubmergedCount(pad int) uint16 { return f.submerged[pad] }
func (f *fakePads) UnknownCount() uint16             { return f.unknowns }
func (f *fakePads) OutOfSpec() bool                  { return f.outOfSpec }
func (f *fakePads) ClearStats() {
	f.submerged = [6]uint16{}
	f.unknowns = 0
	f.clears++
}

type fakeSched struct {
	dailyLogs, activated, monthly, gps, finalAssembly int
}

func (f *fakeSched) ScheduleDailyWaterLog()  { f.dailyLogs++ }
func (f *fakeSched) ScheduleActivated()      { f.activated++ }
func (f *fakeSched) ScheduleMonthlyCheckIn() { f.monthly++ }
func (f *fakeSched) ScheduleGpsMeasurement() { f.gps++ }
func (f *fakeSched) ScheduleFinalAssembly()  { f.finalAssembly++ }

type harness struct {
	dev   *flash.Sim
	clock *rtc.Clock
	pads  *fakePads
	sched *fakeSched
	e     *Engine
}

func newHarness() *harness {
	h := &harness{
		dev:   flash.NewSim(config.Week1Addr, config.WeeklyLogCount*int(config.WeeklyLogSize)),
		clock: rtc.New(hal.NopGate{}),
		pads:  &fakePads{},
		sched: &fakeSched{},
	}
	h.e = New(h.dev, h.clock, h.pads, h.sched, nil)
	return h
}

// advance runs the storage clock forward, delivering mlPerMinute each
// minute.
func (h *harness) advance(minutes int, mlPerMinute uint32) {
	for i := 0; i < minutes; i++ {
		h.e.Exec(mlPerMinute, 60)
	}
}

func (h *harness) advanceHours(hours int) { h.advance(hours*60, 0) }

func (h *harness) packet(log, day uint8) []byte {
	buf := make([]byte, dailyPacketSize)
	h.e.DailyLogPacket(log, day, buf)
	return buf
}

func hourOf(pkt []byte, hour int) uint16 {
	o := offLitersPerHour + hour*2
	return uint16(pkt[o])<<8 | uint16(pkt[o+1])
}

func TestHourlyQuantizationAndMidnight(t *testing.T) {
	h := newHarness()
	h.e.OverrideActivation(true)

	// Quiet until 13:00, then 10 ml/s for one hour, quiet until midnight.
	h.advanceHours(13)
	h.advance(60, 600) // 36 000 ml during hour 13
	h.advanceHours(10)

	if h.e.DayOfWeek() != 1 {
		t.Fatalf("day of week = %d, want 1 after midnight", h.e.DayOfWeek())
	}

	pkt := h.packet(0, 0)
	if got := hourOf(pkt, 13); got != 1125 {
		t.Errorf("liters_per_hour[13] = %d, want 1125 (36000/32)", got)
	}
	for hr := 0; hr < 24; hr++ {
		if hr == 13 {
			continue
		}
		if got := hourOf(pkt, hr); got != 0 {
			t.Errorf("liters_per_hour[%d] = %#04x, want 0", hr, got)
		}
	}
	total := uint16(pkt[offTotalLiters])<<8 | uint16(pkt[offTotalLiters+1])
	if total != 36 {
		t.Errorf("total liters = %d, want 36", total)
	}

	// clear-on-ready byte for day 0 cleared, others erased.
	var ready [7]byte
	h.dev.Read(config.Week1Addr+offClearReady, ready[:])
	if ready[0] != 0x00 {
		t.Errorf("clear-on-ready[0] = %#02x, want 0x00", ready[0])
	}
	for d := 1; d < 7; d++ {
		if ready[d] != 0xFF {
			t.Errorf("clear-on-ready[%d] = %#02x, want 0xFF", d, ready[d])
		}
	}
}

func TestHourWithZeroWaterStoresZeroNotSentinel(t *testing.T) {
	h := newHarness()
	h.e.OverrideActivation(true)

	h.advanceHours(1)
	pkt := h.packet(0, 0)
	if got := hourOf(pkt, 0); got != 0x0000 {
		t.Errorf("hour 0 = %#04x, want 0x0000", got)
	}
	if got := hourOf(pkt, 1); got != 0xFFFF {
		t.Errorf("hour 1 = %#04x, want 0xFFFF (not yet recorded)", got)
	}
}

func TestHourSaturatesBeforeSentinel(t *testing.T) {
	h := newHarness()
	h.e.OverrideActivation(true)

	// 0xFFFE*32 ml would be needed to saturate; deliver far more.
	h.advance(60, 40_000) // 2.4 M ml in the hour
	if h.e.ClockHour() != 1 {
		t.Fatalf("clock hour = %d, want 1", h.e.ClockHour())
	}
	pkt := h.packet(0, 0)
	if got := hourOf(pkt, 0); got != uint16(0xFFFE) {
		t.Errorf("hour 0 = %#04x, want 0xFFFE (saturated)", got)
	}
}

func TestMidDayActivationZeroFillsAtMidnight(t *testing.T) {
	h := newHarness()

	// Nothing logged while silent.
	h.advanceHours(13)
	h.e.OverrideActivation(true)
	h.advanceHours(11) // midnight

	pkt := h.packet(0, 0)
	for hr := 0; hr < 24; hr++ {
		if got := hourOf(pkt, hr); got != 0 {
			t.Errorf("liters_per_hour[%d] = %#04x, want 0 after zero-fill", hr, got)
		}
	}
}

func TestActivationThreshold(t *testing.T) {
	h := newHarness()

	// 51 liters in one day crosses the 50 L threshold.
	h.advance(60, 850) // 51 000 ml in one hour
	h.advanceHours(23)

	if h.sched.activated != 1 {
		t.Errorf("activated messages = %d, want 1", h.sched.activated)
	}
	if h.sched.gps != 1 {
		t.Errorf("gps measurements = %d, want 1", h.sched.gps)
	}
	if h.e.DaysActivated() != 1 {
		t.Errorf("daysActivated = %d, want 1", h.e.DaysActivated())
	}

	// Invariant: monotonic non-decreasing across day boundaries.
	prev := h.e.DaysActivated()
	for i := 0; i < 3; i++ {
		h.advanceHours(24)
		if got := h.e.DaysActivated(); got < prev {
			t.Fatalf("daysActivated decreased: %d -> %d", prev, got)
		}
		prev = h.e.DaysActivated()
	}

	var buf [64]byte
	n := h.e.ActivatedMessage(buf[:])
	if n != 18 {
		t.Fatalf("activated message length = %d, want 18", n)
	}
	liters := uint16(buf[16])<<8 | uint16(buf[17])
	if liters != 51 {
		t.Errorf("activated liter sum = %d, want 51", liters)
	}
}

func TestBelowThresholdDoesNotActivate(t *testing.T) {
	h := newHarness()
	h.advance(60, 800) // 48 000 ml
	h.advanceHours(23)
	if h.e.DaysActivated() != 0 || h.sched.activated != 0 {
		t.Error("unit should not activate below 50 L/day")
	}
}

func TestTransmissionRateClamp(t *testing.T) {
	tests := []struct {
		in, want uint8
	}{
		{0, 1},
		{1, 1},
		{7, 7},
		{28, 28},
		{29, 1},
		{255, 1},
	}
	h := newHarness()
	for _, tc := range tests {
		h.e.SetTransmissionRate(tc.in)
		if got := h.e.TransmissionRate(); got != tc.want {
			t.Errorf("SetTransmissionRate(%d) -> %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestTransmitWalkOldestFirst(t *testing.T) {
	h := newHarness()
	h.e.OverrideActivation(true)
	h.e.SetTransmissionRate(3)

	// Three days of distinct usage.
	for day := 0; day < 3; day++ {
		h.advance(60, uint32(1000*(day+1))) // 60/120/180 L on day's first hour
		h.advanceHours(23)
	}

	if h.sched.dailyLogs != 1 {
		t.Fatalf("daily log transmissions scheduled = %d, want 1", h.sched.dailyLogs)
	}

	var totals []uint16
	for {
		pkt := h.e.NextDailyLogToTransmit()
		if pkt == nil {
			break
		}
		totals = append(totals, uint16(pkt[offTotalLiters])<<8|uint16(pkt[offTotalLiters+1]))
	}
	want := []uint16{60, 120, 180}
	if len(totals) != len(want) {
		t.Fatalf("transmitted %d packets (%v), want %d", len(totals), totals, len(want))
	}
	for i := range want {
		if totals[i] != want[i] {
			t.Errorf("packet %d total = %d, want %d (oldest first)", i, totals[i], want[i])
		}
	}

	// A second walk finds everything transmitted.
	h.e.Exec(0, 0)
	if pkt := h.e.NextDailyLogToTransmit(); pkt != nil {
		t.Error("second walk should return nil, all logs transmitted")
	}
}

func TestRedFlagTriggersTransmission(t *testing.T) {
	h := newHarness()
	h.e.OverrideActivation(true)
	h.e.SetTransmissionRate(28)

	var thresh [7]uint16
	for i := range thresh {
		thresh[i] = 300
	}
	h.e.SeedRedFlagMap(thresh)

	// Today: 10 liters against a 300 L average. 10 < 75 and 300 > 200.
	h.advance(60, 167) // ~10 L
	h.advanceHours(23)

	if !h.e.RedFlag() {
		t.Fatal("red flag should be raised")
	}
	if h.sched.dailyLogs != 1 {
		t.Errorf("daily log transmissions = %d, want 1 (red flag overrides rate)", h.sched.dailyLogs)
	}

	pkt := h.packet(0, 0)
	if pkt[offRedFlag] != 1 {
		t.Errorf("red flag byte = %d, want 1", pkt[offRedFlag])
	}
	avg := uint16(pkt[offAverageLiters])<<8 | uint16(pkt[offAverageLiters+1])
	if avg != 300 {
		t.Errorf("average liters = %d, want 300", avg)
	}
}

func TestRedFlagClearsOnRecovery(t *testing.T) {
	h := newHarness()
	h.e.OverrideActivation(true)

	var thresh [7]uint16
	for i := range thresh {
		thresh[i] = 300
	}
	h.e.SeedRedFlagMap(thresh)

	h.advanceHours(24) // 0 liters: red flag fires
	if !h.e.RedFlag() {
		t.Fatal("red flag should be raised")
	}

	// Recovery day: 250 L > 75% of 300.
	h.advance(60, 4200)
	h.advanceHours(23)
	if h.e.RedFlag() {
		t.Error("red flag should clear after recovery above 75%")
	}
}

func TestRedFlagEWMAUpdate(t *testing.T) {
	h := newHarness()
	h.e.OverrideActivation(true)

	var thresh [7]uint16
	for i := range thresh {
		thresh[i] = 100
	}
	h.e.SeedRedFlagMap(thresh)

	// A 200 L day on weekday 0: new avg = (3*100 + 200)/4 = 125.
	h.advance(60, 3334)
	h.advanceHours(23)
	if got := h.e.RedFlagThreshold(0); got != 125 {
		t.Errorf("threshold[0] = %d, want 125", got)
	}
}

func TestLowAverageNeverRedFlags(t *testing.T) {
	h := newHarness()
	h.e.OverrideActivation(true)

	var thresh [7]uint16
	for i := range thresh {
		thresh[i] = 150 // below the 200 L minimum
	}
	h.e.SeedRedFlagMap(thresh)

	h.advanceHours(24) // zero-liter day
	if h.e.RedFlag() {
		t.Error("red flag must not fire when the weekday average is under 200 L")
	}
}

func TestPartialWeekRebootRecovery(t *testing.T) {
	h := newHarness()
	h.e.OverrideActivation(true)

	// Run to Wednesday (day 3) 14:00 with an hour of water on Wednesday.
	for day := 0; day < 3; day++ {
		h.advanceHours(24)
	}
	h.advance(60, 600) // hour 0 of Wednesday
	h.advanceHours(13) // now 14:00 Wednesday

	// Crash: rebuild the engine over the same flash.
	e2 := New(h.dev, h.clock, h.pads, h.sched, nil)
	if e2.DayOfWeek() != 3 {
		t.Fatalf("recovered day of week = %d, want 3", e2.DayOfWeek())
	}
	if e2.DaysActivated() == 0 {
		t.Error("recovered engine should still be activated")
	}

	// Resume to midnight; remaining hours zero-fill, day finalizes.
	h2 := &harness{dev: h.dev, clock: h.clock, pads: h.pads, sched: h.sched, e: e2}
	h2.advanceHours(24)

	pkt := h2.packet(0, 3)
	if got := hourOf(pkt, 0); got != 1125 {
		t.Errorf("Wednesday hour 0 = %d, want 1125 (survived reboot)", got)
	}
	for hr := 1; hr < 24; hr++ {
		if got := hourOf(pkt, hr); got == 0xFFFF {
			t.Errorf("Wednesday hour %d still 0xFFFF after midnight", hr)
		}
	}
	var ready [7]byte
	h.dev.Read(config.Week1Addr+offClearReady, ready[:])
	if ready[3] != 0x00 {
		t.Errorf("clear-on-ready[Wed] = %#02x, want 0x00", ready[3])
	}
}

func TestWeekRolloverErasesNextLog(t *testing.T) {
	h := newHarness()
	h.e.OverrideActivation(true)
	h.e.SetTransmissionRate(28)

	// Pre-soil log 1 where week 1 will land.
	h.dev.Write(config.WeeklyLogAddr(1)+100, []byte{0x00})

	for day := 0; day < 7; day++ {
		h.advanceHours(24)
	}
	if h.e.Week() != 1 {
		t.Fatalf("week = %d, want 1", h.e.Week())
	}

	// Log 1 was erased on entry; its header was then rewritten for day 0.
	var b [1]byte
	h.dev.Read(config.WeeklyLogAddr(1)+100, b[:])
	if b[0] != 0xFF {
		t.Errorf("stale byte in log 1 = %#02x, want erased", b[0])
	}
}

func TestMonthlyCheckInWhenSilent(t *testing.T) {
	h := newHarness()

	// Four weeks pass without activation.
	for day := 0; day < 28; day++ {
		h.advanceHours(24)
	}
	if h.sched.monthly != 1 {
		t.Errorf("monthly check-ins = %d, want 1", h.sched.monthly)
	}
}

func TestResyncAfter28DaysWithoutTransmit(t *testing.T) {
	h := newHarness()
	h.e.OverrideActivation(true)
	h.e.SetTransmissionRate(28)
	h.e.NoteTimeSync()

	for day := 0; day < 27; day++ {
		h.advanceHours(24)
	}
	// Day 28 starts a daily-log transmission (rate met), which counts as a
	// good transmit, so no final assembly is requested.
	if h.sched.finalAssembly != 0 {
		t.Errorf("final assembly = %d, want 0 before 28 days", h.sched.finalAssembly)
	}
}

func TestShiftClock(t *testing.T) {
	h := newHarness()
	h.e.OverrideActivation(true)
	h.advanceHours(23) // 23:00, day 0

	h.e.ShiftClock(0, 0, 2) // crosses midnight
	if h.e.ClockHour() != 1 {
		t.Errorf("hour = %d, want 1", h.e.ClockHour())
	}
	if h.e.DayOfWeek() != 1 {
		t.Errorf("day of week = %d, want 1 after crossing midnight", h.e.DayOfWeek())
	}

	h.e.ShiftClock(30, 45, 0)
	if h.e.ClockMinute() != 45 {
		t.Errorf("minute = %d, want 45", h.e.ClockMinute())
	}
}

func TestClockInfo(t *testing.T) {
	h := newHarness()
	h.advance(125, 0) // 2 h 5 min
	var buf [9]byte
	if n := h.e.ClockInfo(buf[:]); n != 9 {
		t.Fatalf("ClockInfo length = %d, want 9", n)
	}
	if buf[1] != 5 || buf[2] != 2 || buf[3] != 0 || buf[4] != 0 {
		t.Errorf("clock info = %v, want min=5 hour=2 day=0 week=0", buf)
	}
}

func TestPrepareMsgHeader(t *testing.T) {
	h := newHarness()
	h.clock.Set(rtc.Time{Second: 7, Minute: 8, Hour: 9, Day: 25, Month: 12, Year: 2025})

	var buf [16]byte
	n := h.e.PrepareMsgHeader(buf[:], MsgDailyLog)
	if n != 16 {
		t.Fatalf("header length = %d, want 16", n)
	}
	want := [16]byte{
		0x01, MsgDailyLog, config.ProductID,
		7, 8, 9, 25, 12, 25,
		version.FWMajor, version.FWMinor,
		0, 0, // days activated
		0, 0, // storage week, day
		0xA5,
	}
	if buf != want {
		t.Errorf("header = %v, want %v", buf, want)
	}
}

func TestResetWeeklyLogsIdempotent(t *testing.T) {
	h := newHarness()
	h.e.OverrideActivation(true)
	h.advanceHours(25)

	h.e.ResetWeeklyLogs()
	snap1 := h.dev.Erases
	h.e.ResetWeeklyLogs()
	if h.dev.Erases != snap1+2*config.WeeklyLogCount {
		t.Fatalf("second reset should erase the same segments")
	}
	pkt := h.packet(0, 0)
	for i, b := range pkt {
		if b != 0xFF {
			t.Fatalf("byte %d = %#02x after reset, want 0xFF", i, b)
		}
	}
}

func TestStatsWrittenToDailyLog(t *testing.T) {
	h := newHarness()
	h.e.OverrideActivation(true)
	h.pads.submerged = [6]uint16{1, 2, 3, 4, 5, 6}
	h.pads.unknowns = 9

	h.advanceHours(24)

	pkt := h.packet(0, 0)
	for i := 0; i < 6; i++ {
		o := offPadSubmerged + i*2
		got := uint16(pkt[o])<<8 | uint16(pkt[o+1])
		if got != uint16(i+1) {
			t.Errorf("padSubmerged[%d] = %d, want %d", i, got, i+1)
		}
	}
	errBits := uint16(pkt[offErrorBits])<<8 | uint16(pkt[offErrorBits+1])
	if errBits != 9 {
		t.Errorf("error bits = %d, want 9", errBits)
	}
	if h.pads.clears == 0 {
		t.Error("pad stats should be cleared after the daily log write")
	}
}
