package msg

import (
	"bytes"
	"testing"

	"charitywater/afridev2/config"
	"charitywater/afridev2/flash"
	"charitywater/afridev2/hal"
	"charitywater/afridev2/modem"
	"charitywater/afridev2/rtc"
	"charitywater/afridev2/storage"
)

type nullPads struct{}

func (nullPads) PadSubmergedCount(int) uint16 { return 0 }
func (nullPads) UnknownCount() uint16         { return 0 }
func (nullPads) OutOfSpec() bool              { return false }
func (nullPads) ClearStats()                  {}

type fakeOta struct {
	started int
	done    bool
}

func (f *fakeOta) Start()     { f.started++; f.done = true }
func (f *fakeOta) Done() bool { return f.done }

type fakeGps struct {
	active  bool
	starts  int
	stops   int
	payload []byte
}

func (f *fakeGps) Active() bool      { return f.active }
func (f *fakeGps) Stop()             { f.stops++; f.active = false }
func (f *fakeGps) StartMeasurement() { f.starts++; f.active = true }
func (f *fakeGps) FixPayload(dst []byte) int {
	return copy(dst, f.payload)
}

type msgHarness struct {
	port  *modem.SimPort
	now   uint32
	f     *modem.Framer
	p     *modem.Power
	s     *modem.Session
	st    *storage.Engine
	sched *Scheduler
	ota   *fakeOta
	gps   *fakeGps
	d     *DataSm

	netState uint8

	pins [5]hal.SimPin
}

func newMsgHarness() *msgHarness {
	h := &msgHarness{port: modem.NewSimPort(), netState: modem.StateConnected}
	now := func() uint32 { return h.now }
	h.f = &modem.Framer{Port: h.port, Now: now}
	h.p = &modem.Power{
		Dcdc: &h.pins[0], En: &h.pins[1], LsVcc: &h.pins[2], V18: &h.pins[3],
		UartSel: &h.pins[4], Now: now,
	}
	h.s = &modem.Session{F: h.f, P: h.p}

	dev := flash.NewSim(config.Week1Addr, config.WeeklyLogCount*int(config.WeeklyLogSize))
	clock := rtc.New(hal.NopGate{})
	h.ota = &fakeOta{}
	h.gps = &fakeGps{payload: []byte{0xCA, 0xFE}}

	h.d = &DataSm{S: h.s, Ota: h.ota, Now: now}
	h.sched = &Scheduler{Sm: h.d, Gps: h.gps}
	h.d.Sched = h.sched
	h.st = storage.New(dev, clock, nullPads{}, h.sched, nil)
	h.sched.St = h.st
	return h
}

// step runs one exec pass in main-loop order, answering modem traffic.
func (h *msgHarness) step() {
	h.f.Exec()
	h.d.Exec()
	h.s.Exec()
	h.f.Exec()
	h.p.Exec()
	h.answer()
	h.now += 2
}

// answer responds to the transmitted command, capturing send-data payloads.
var sentPayloads [][]byte

func (h *msgHarness) answer() {
	tx := h.port.TakeTx()
	if len(tx) < 2 {
		return
	}
	cmd := modem.Cmd(tx[1])
	switch cmd {
	case modem.CmdPing, modem.CmdSendTest, modem.CmdDeleteIncoming, modem.CmdPowerOff:
		h.port.Respond(modem.BuildResponse(cmd, nil))
	case modem.CmdSendData:
		size := int(tx[5]) | int(tx[4])<<8 | int(tx[3])<<16 | int(tx[2])<<24
		payload := append([]byte(nil), tx[6:6+size]...)
		sentPayloads = append(sentPayloads, payload)
		h.port.Respond(modem.BuildResponse(cmd, nil))
	case modem.CmdModemStatus:
		body := []byte{h.netState, 0x0F, 0xA0, 0, 0, 60, 70, 1, 25, 0}
		h.port.Respond(modem.BuildResponse(cmd, body))
	case modem.CmdMessageStatus:
		h.port.Respond(modem.BuildResponse(cmd, make([]byte, 18)))
	}
}

func (h *msgHarness) runUntilIdle(t *testing.T, budget int) {
	t.Helper()
	for i := 0; i < budget; i++ {
		h.step()
		if !h.d.Busy() && h.s.PoweredOff() {
			return
		}
	}
	t.Fatalf("session did not finish; state busy=%v", h.d.Busy())
}

func TestDataSessionHappyPath(t *testing.T) {
	sentPayloads = nil
	h := newMsgHarness()

	msg := []byte{0x01, storage.MsgFinalAssembly, 0xAA}
	if !h.d.SendMessage(msg) {
		t.Fatal("SendMessage refused")
	}
	if h.d.SendMessage(msg) {
		t.Error("second SendMessage should refuse while busy")
	}

	h.runUntilIdle(t, 200)

	if len(sentPayloads) != 1 || !bytes.Equal(sentPayloads[0], msg) {
		t.Errorf("sent payloads = %x, want one copy of %x", sentPayloads, msg)
	}
	if h.d.CommError() || h.d.ConnectTimeout() {
		t.Error("clean session should have no error flags")
	}
	if h.ota.started != 0 {
		t.Error("no pending OTA messages, dispatcher should not start")
	}
	if !h.s.PoweredOff() {
		t.Error("modem should be powered off after release")
	}
}

func TestDataSessionWaitsForLink(t *testing.T) {
	sentPayloads = nil
	h := newMsgHarness()
	h.netState = modem.StateRegistering

	h.d.SendMessage([]byte{1, 2, 3})

	// Let the send complete, then bring the network up mid-wait.
	for i := 0; i < 60; i++ {
		h.step()
	}
	if !h.d.Busy() {
		t.Fatal("session should still be waiting for link")
	}
	h.netState = modem.StateConnected
	h.runUntilIdle(t, 300)

	if h.d.ConnectTimeout() {
		t.Error("link came up; no connect timeout expected")
	}
}

func TestDataSessionConnectTimeoutArmsRetry(t *testing.T) {
	sentPayloads = nil
	h := newMsgHarness()
	h.netState = modem.StateRegistering // never connects

	h.d.SendMessage([]byte{9})
	start := h.now
	h.runUntilIdle(t, 1200)

	if !h.d.ConnectTimeout() {
		t.Fatal("connect timeout should be set")
	}
	if !h.d.RetryPending() {
		t.Fatal("a retry should be armed after connect timeout")
	}
	if h.now-start < config.ModemLinkUpTimeout {
		t.Errorf("session gave up after %d s, before the 10 min link timeout", h.now-start)
	}

	// A new message cancels the pending retry.
	h.netState = modem.StateConnected
	h.d.SendMessage([]byte{7})
	if h.d.RetryPending() {
		t.Error("new message should cancel the pending retry")
	}
}

func TestRetryFiresAfterDelay(t *testing.T) {
	sentPayloads = nil
	h := newMsgHarness()
	h.netState = modem.StateRegistering

	h.d.SendMessage([]byte{9})
	h.runUntilIdle(t, 1200)
	if !h.d.RetryPending() {
		t.Fatal("retry should be armed")
	}

	// 12 hours later the retry-byte message goes out on its own.
	h.netState = modem.StateConnected
	h.now += config.MsgRetryDelay
	h.runUntilIdle(t, 300)

	if h.d.RetryPending() {
		t.Error("retry should have fired")
	}
	found := false
	for _, p := range sentPayloads {
		if len(p) == 16 && p[1] == storage.MsgRetryByte {
			found = true
		}
	}
	if !found {
		t.Errorf("no retry-byte message in %x", sentPayloads)
	}
}

func TestDataSessionCommErrorPowerCyclesOnce(t *testing.T) {
	sentPayloads = nil
	h := newMsgHarness()

	h.d.SendMessage([]byte{5})

	// Drive with no modem responses at all; every exchange times out.
	cycles := 0
	for i := 0; i < 2000 && h.d.Busy(); i++ {
		h.f.Exec()
		h.d.Exec()
		h.s.Exec()
		h.f.Exec()
		h.p.Exec()
		h.port.TakeTx()
		h.now += 3
		if h.d.modemResetCount > uint8(cycles) {
			cycles = int(h.d.modemResetCount)
		}
	}

	if cycles != config.MaxModemPowerCycles {
		t.Errorf("power cycles = %d, want %d", cycles, config.MaxModemPowerCycles)
	}
	if !h.d.CommError() {
		t.Error("comm error should be latched after the final power cycle fails")
	}
	if h.d.Busy() {
		t.Error("session should have released")
	}
}

func TestSchedulerTransmitWindow(t *testing.T) {
	sentPayloads = nil
	h := newMsgHarness()

	h.sched.ScheduleActivated()
	h.sched.ScheduleMonthlyCheckIn()

	// Not yet 01:05 on the storage clock: nothing happens.
	h.sched.Exec()
	if h.d.Busy() {
		t.Fatal("scheduler fired before the transmit window")
	}

	// Advance the storage clock to 01:05.
	for i := 0; i < 65; i++ {
		h.st.Exec(0, 60)
	}
	h.sched.Exec()
	if !h.d.Busy() {
		t.Fatal("scheduler should start the session at 01:05")
	}

	h.runUntilIdle(t, 400)

	if len(sentPayloads) != 2 {
		t.Fatalf("sent %d messages, want 2 (chained in one session)", len(sentPayloads))
	}
	if sentPayloads[0][1] != storage.MsgActivated {
		t.Errorf("first message id = %#02x, want activated", sentPayloads[0][1])
	}
	if sentPayloads[1][1] != storage.MsgCheckIn {
		t.Errorf("second message id = %#02x, want check-in", sentPayloads[1][1])
	}
}

func TestSchedulerGpsWindow(t *testing.T) {
	h := newMsgHarness()
	h.sched.ScheduleGpsMeasurement()

	h.sched.Exec()
	if h.gps.starts != 0 {
		t.Fatal("gps should not start before 00:30")
	}

	for i := 0; i < 30; i++ {
		h.st.Exec(0, 60)
	}
	h.sched.Exec()
	if h.gps.starts != 1 {
		t.Errorf("gps starts = %d, want 1 at 00:30", h.gps.starts)
	}
}

func TestSchedulerGpsLocationMessage(t *testing.T) {
	sentPayloads = nil
	h := newMsgHarness()
	h.sched.sendGpsLocation = true

	for i := 0; i < 65; i++ {
		h.st.Exec(0, 60)
	}
	h.sched.Exec()
	h.runUntilIdle(t, 300)

	if len(sentPayloads) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sentPayloads))
	}
	p := sentPayloads[0]
	if p[1] != storage.MsgGpsLocation {
		t.Errorf("message id = %#02x, want gps location", p[1])
	}
	if !bytes.Equal(p[16:], []byte{0xCA, 0xFE}) {
		t.Errorf("gps body = %x, want cafe", p[16:])
	}
}
