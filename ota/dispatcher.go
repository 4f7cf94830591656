// Package ota processes over-the-air commands fetched from the modem's
// incoming mailbox: a two-phase read (length probe, then body), a typed
// opcode dispatch table, bit-exact 48-byte responses, and the ordered
// post-processing of GMT candidates and reboot arming. The firmware-upgrade
// opcode hands off to the loader in upgrade.go.
package ota

import (
	"log/slog"

	"charitywater/afridev2/config"
	"charitywater/afridev2/flash"
	"charitywater/afridev2/gps"
	"charitywater/afridev2/hal"
	"charitywater/afridev2/modem"
	"charitywater/afridev2/record"
	"charitywater/afridev2/rtc"
	"charitywater/afridev2/storage"
)

// Response status bytes.
const (
	StatusSuccess   = 0x01
	StatusUnknownOp = 0xFE
	StatusError     = 0xFF
)

// GMT accept/reject markers in the clock-set response.
const (
	gmtAccepted   = 0x01
	gmtSuperseded = 0xFF
)

// MsgScheduler is the dispatcher's view of the message scheduler.
type MsgScheduler interface {
	ScheduleGpsMeasurement()
	ScheduleGpsLocation()
	ScheduleSensorData()
}

// SensorControl applies the sensor-data OTA sub-commands to the water
// detection stack.
type SensorControl interface {
	OverwriteFactoryBaseline() bool
	ResetWaterDetect()
	SetUnknownLimit(v uint8)
	SetDownspoutRate(v uint16) uint16 // returns the clamped value
	SetWaterLimit(v uint16)
	SetWakeTime(v uint16)
}

type otaState uint8

const (
	osIdle otaState = iota
	osSendPhase0
	osPhase0Wait
	osSendPhase1
	osPhase1Wait
	osSendResponse
	osResponseWait
	osSendDelete
	osDeleteWait
	osCheckForMore
	osPostProcess
	osDone
)

type gmtCandidate struct {
	present bool
	msgID   [2]byte
	sec     uint8
	min     uint8
	hour    uint8
	days    uint16
}

// Dispatcher owns the OTA session. The data-message state machine starts it
// while it holds the modem, and polls Done.
type Dispatcher struct {
	S      *modem.Session
	St     *storage.Engine
	Clock  *rtc.Clock
	Gps    *gps.Controller
	App    *record.AppStore
	Dev    flash.Device
	Sched  MsgScheduler
	Sensor SensorControl
	Wd     hal.Watchdog
	Now    func() uint32
	Log    *slog.Logger

	// ArmReboot is installed by the exec layer; it starts the countdown.
	ArmReboot func()

	state         otaState
	msgsProcessed int
	pendingLen    uint32

	resp         [config.OtaResponseLength]byte
	sendResponse bool
	deleteMsg    bool
	skipMore     bool
	finalSend    bool

	gmt        gmtCandidate
	gmtApplied bool // sticky for the life of the boot
	rebootKey  bool
}

// Start begins an OTA session. Caller must hold the modem session.
func (d *Dispatcher) Start() {
	d.msgsProcessed = 0
	d.sendResponse = false
	d.deleteMsg = false
	d.skipMore = false
	d.finalSend = false
	d.gmt = gmtCandidate{}
	d.rebootKey = false
	d.state = osSendPhase0
}

// Done reports the OTA session has finished.
func (d *Dispatcher) Done() bool { return d.state == osIdle || d.state == osDone }

// Exec advances the dispatcher. Called every exec pass.
func (d *Dispatcher) Exec() {
	switch d.state {
	case osIdle, osDone:
		return

	case osSendPhase0:
		d.msgsProcessed++
		if d.S.SendBatch(modem.Request{Cmd: modem.CmdGetIncomingPartial}) == nil {
			d.state = osPhase0Wait
		}

	case osPhase0Wait:
		if d.S.BatchError() {
			d.abort()
			return
		}
		if !d.S.BatchDone() {
			return
		}
		part, ok := d.S.LastOtaResponse()
		if !ok {
			d.abort()
			return
		}
		d.pendingLen = part.Remaining
		if d.pendingLen == 0 {
			d.state = osSendDelete
		} else {
			d.state = osSendPhase1
		}

	case osSendPhase1:
		size := d.pendingLen
		if size > config.OtaPayloadMaxRxReadLength {
			size = config.OtaPayloadMaxRxReadLength
		}
		if d.S.SendBatch(modem.Request{Cmd: modem.CmdGetIncomingPartial, Size: size}) == nil {
			d.state = osPhase1Wait
		}

	case osPhase1Wait:
		if d.S.BatchError() {
			d.abort()
			return
		}
		if !d.S.BatchDone() {
			return
		}
		part, ok := d.S.LastOtaResponse()
		if !ok {
			d.abort()
			return
		}
		d.processMessage(part.Payload)
		switch {
		case d.sendResponse:
			d.state = osSendResponse
		case d.deleteMsg:
			d.state = osSendDelete
		default:
			d.state = osCheckForMore
		}

	case osSendResponse:
		if d.S.SendBatch(modem.Request{Cmd: modem.CmdSendData, Payload: d.resp[:]}) == nil {
			d.state = osResponseWait
		}

	case osResponseWait:
		if d.S.BatchError() {
			d.abort()
			return
		}
		if !d.S.BatchDone() {
			return
		}
		d.sendResponse = false
		if d.finalSend {
			d.state = osDone
		} else if d.deleteMsg {
			d.state = osSendDelete
		} else {
			d.state = osCheckForMore
		}

	case osSendDelete:
		if d.S.SendBatch(modem.Request{Cmd: modem.CmdDeleteIncoming}) == nil {
			d.state = osDeleteWait
		}

	case osDeleteWait:
		if d.S.BatchError() {
			d.abort()
			return
		}
		if !d.S.BatchDone() {
			return
		}
		d.deleteMsg = false
		d.state = osCheckForMore

	case osCheckForMore:
		if d.skipMore || d.msgsProcessed >= config.OtaMaxMessagesPerSession ||
			d.S.PendingOtaCount() == 0 {
			d.state = osPostProcess
		} else {
			d.state = osSendPhase0
		}

	case osPostProcess:
		d.postProcess()
	}
}

// abort ends the session on a comm failure. Nothing unwinds; whatever was
// staged is dropped and the data session releases the modem.
func (d *Dispatcher) abort() {
	if d.Log != nil {
		d.Log.Error("ota:abort")
	}
	d.state = osDone
}

// postProcess applies the ordered tail work: a pending reboot beats a
// pending GMT candidate; an applied GMT candidate gets its final response.
func (d *Dispatcher) postProcess() {
	if d.rebootKey {
		d.rebootKey = false
		if d.ArmReboot != nil {
			d.ArmReboot()
		}
		if d.Log != nil {
			d.Log.Warn("ota:reboot-armed")
		}
		d.state = osDone
		return
	}

	if d.gmt.present {
		g := d.gmt
		d.gmt = gmtCandidate{}
		d.Clock.AddDelta(g.days, g.hour, g.min, g.sec)
		d.gmtApplied = true
		d.St.NoteTimeSync()
		if d.Log != nil {
			d.Log.Info("ota:gmt-applied",
				slog.Int("days", int(g.days)),
				slog.Int("hour", int(g.hour)),
			)
		}
		data := d.beginResponse(opGmtClockset, g.msgID[0], g.msgID[1], StatusSuccess)
		data[4] = gmtAccepted
		data[5] = g.sec
		data[6] = g.min
		data[7] = g.hour
		data[8] = uint8(g.days >> 8)
		data[9] = uint8(g.days)
		d.finalSend = true
		d.state = osSendResponse
		return
	}

	d.state = osDone
}

// beginResponse fills the 48-byte response: message header with the OTA
// reply id, then the 32-byte data region starting with the echoed opcode,
// msgId and status. Returns the data region for handler-specific bytes.
func (d *Dispatcher) beginResponse(op, id0, id1, status uint8) []byte {
	for i := range d.resp {
		d.resp[i] = 0
	}
	d.St.PrepareMsgHeader(d.resp[:], storage.MsgOtaReply)
	data := d.resp[config.OtaResponseHeaderLength:]
	data[0] = op
	data[1] = id0
	data[2] = id1
	data[3] = status
	return data
}

// ResponseData exposes the staged response data region. Test support.
func (d *Dispatcher) ResponseData() []byte {
	return d.resp[config.OtaResponseHeaderLength:]
}

// GmtApplied reports the sticky one-time GMT latch.
func (d *Dispatcher) GmtApplied() bool { return d.gmtApplied }
