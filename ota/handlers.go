package ota

import (
	"log/slog"

	"charitywater/afridev2/config"
	"charitywater/afridev2/gps"
)

// OTA opcodes.
const (
	opGmtClockset         = 0x01
	opLocalOffset         = 0x02
	opResetData           = 0x03
	opResetRedFlag        = 0x04
	opActivateDevice      = 0x05
	opSilenceDevice       = 0x06
	opSetTransmissionRate = 0x07
	opResetDevice         = 0x08
	opClockRequest        = 0x0C
	opGpsRequest          = 0x0D
	opSetGpsMeasParams    = 0x0E
	opSensorData          = 0x0F
	opFirmwareUpgrade     = 0x10
	opMemoryRead          = 0x1F
)

// Sensor-data sub-commands.
const (
	sensorReqSensorData    = 0
	sensorOverwriteFactory = 1
	sensorResetWaterDetect = 2
	sensorSetUnknownLimit  = 3
	sensorReportNow        = 4
	sensorDownspoutRate    = 5
	sensorSetWaterLimit    = 6
	sensorSetWakeTime      = 7
)

type handlerFn func(d *Dispatcher, id0, id1 uint8, payload []byte)

// handlerTable is the static opcode dispatch table.
var handlerTable = [...]struct {
	op uint8
	fn handlerFn
}{
	{opGmtClockset, (*Dispatcher).handleGmtClockset},
	{opLocalOffset, (*Dispatcher).handleLocalOffset},
	{opResetData, (*Dispatcher).handleResetData},
	{opResetRedFlag, (*Dispatcher).handleResetRedFlag},
	{opActivateDevice, (*Dispatcher).handleActivateDevice},
	{opSilenceDevice, (*Dispatcher).handleSilenceDevice},
	{opSetTransmissionRate, (*Dispatcher).handleSetTransmissionRate},
	{opResetDevice, (*Dispatcher).handleResetDevice},
	{opClockRequest, (*Dispatcher).handleClockRequest},
	{opGpsRequest, (*Dispatcher).handleGpsRequest},
	{opSetGpsMeasParams, (*Dispatcher).handleSetGpsMeasParams},
	{opSensorData, (*Dispatcher).handleSensorData},
	{opFirmwareUpgrade, (*Dispatcher).handleFirmwareUpgrade},
	{opMemoryRead, (*Dispatcher).handleMemoryRead},
}

// processMessage parses one OTA message (opcode, msgId, payload) and runs
// its handler. Handlers stage the response and delete flags.
func (d *Dispatcher) processMessage(msg []byte) {
	d.sendResponse = false
	d.deleteMsg = true

	if len(msg) < 3 {
		return
	}
	op, id0, id1 := msg[0], msg[1], msg[2]
	payload := msg[3:]

	if d.Log != nil {
		d.Log.Info("ota:msg",
			slog.Int("op", int(op)),
			slog.Int("len", len(msg)),
		)
	}

	for i := range handlerTable {
		if handlerTable[i].op == op {
			handlerTable[i].fn(d, id0, id1, payload)
			return
		}
	}

	d.beginResponse(op, id0, id1, StatusUnknownOp)
	d.sendResponse = true
}

// handleGmtClockset stages a candidate time delta. The newest msgId wins; a
// superseded candidate is answered immediately with a rejection echoing its
// delta. The surviving candidate is applied in post-processing. Once a GMT
// update has ever been applied, further clock-sets are silently dropped.
func (d *Dispatcher) handleGmtClockset(id0, id1 uint8, p []byte) {
	if d.gmtApplied {
		return // delete only
	}
	if len(p) < 5 {
		d.beginResponse(opGmtClockset, id0, id1, StatusError)
		d.sendResponse = true
		return
	}

	if d.gmt.present {
		old := d.gmt
		data := d.beginResponse(opGmtClockset, old.msgID[0], old.msgID[1], StatusSuccess)
		data[4] = gmtSuperseded
		data[5] = old.sec
		data[6] = old.min
		data[7] = old.hour
		data[8] = uint8(old.days >> 8)
		data[9] = uint8(old.days)
		d.sendResponse = true
	}

	d.gmt = gmtCandidate{
		present: true,
		msgID:   [2]byte{id0, id1},
		sec:     p[0],
		min:     p[1],
		hour:    p[2],
		days:    uint16(p[3])<<8 | uint16(p[4]),
	}
}

func (d *Dispatcher) handleLocalOffset(id0, id1 uint8, p []byte) {
	if len(p) < 3 || p[0] >= 60 || p[1] >= 60 || p[2] >= 24 {
		d.beginResponse(opLocalOffset, id0, id1, StatusError)
		d.sendResponse = true
		return
	}
	d.St.ShiftClock(p[0], p[1], p[2])
	data := d.beginResponse(opLocalOffset, id0, id1, StatusSuccess)
	data[4] = p[0]
	data[5] = p[1]
	data[6] = p[2]
	d.sendResponse = true
}

func (d *Dispatcher) handleResetData(id0, id1 uint8, _ []byte) {
	d.St.OverrideActivation(false)
	d.St.ResetRedFlagAndMap()
	d.St.ResetWeeklyLogs()
	d.beginResponse(opResetData, id0, id1, StatusSuccess)
	d.sendResponse = true
}

func (d *Dispatcher) handleResetRedFlag(id0, id1 uint8, _ []byte) {
	d.St.ResetRedFlagAndMap()
	d.beginResponse(opResetRedFlag, id0, id1, StatusSuccess)
	d.sendResponse = true
}

func (d *Dispatcher) handleActivateDevice(id0, id1 uint8, _ []byte) {
	d.St.OverrideActivation(true)
	d.beginResponse(opActivateDevice, id0, id1, StatusSuccess)
	d.sendResponse = true
}

func (d *Dispatcher) handleSilenceDevice(id0, id1 uint8, _ []byte) {
	d.St.OverrideActivation(false)
	d.beginResponse(opSilenceDevice, id0, id1, StatusSuccess)
	d.sendResponse = true
}

func (d *Dispatcher) handleSetTransmissionRate(id0, id1 uint8, p []byte) {
	if len(p) < 1 {
		d.beginResponse(opSetTransmissionRate, id0, id1, StatusError)
		d.sendResponse = true
		return
	}
	d.St.SetTransmissionRate(p[0])
	data := d.beginResponse(opSetTransmissionRate, id0, id1, StatusSuccess)
	data[4] = d.St.TransmissionRate()
	d.sendResponse = true
}

func (d *Dispatcher) handleResetDevice(id0, id1 uint8, p []byte) {
	if len(p) < 4 || [4]byte(p[:4]) != config.RebootKey {
		d.beginResponse(opResetDevice, id0, id1, StatusError)
		d.sendResponse = true
		return
	}
	d.rebootKey = true
	d.beginResponse(opResetDevice, id0, id1, StatusSuccess)
	d.sendResponse = true
}

func (d *Dispatcher) handleClockRequest(id0, id1 uint8, _ []byte) {
	data := d.beginResponse(opClockRequest, id0, id1, StatusSuccess)
	d.St.ClockInfo(data[4:13])
	d.sendResponse = true
}

func (d *Dispatcher) handleGpsRequest(id0, id1 uint8, p []byte) {
	reqType := uint8(0)
	if len(p) > 0 {
		reqType = p[0]
	}
	switch reqType {
	case 0:
		data := d.beginResponse(opGpsRequest, id0, id1, StatusSuccess)
		if d.Gps != nil {
			d.Gps.FixPayload(data[4:])
		}
		d.sendResponse = true
	case 1:
		if d.Sched != nil {
			d.Sched.ScheduleGpsMeasurement()
		}
		d.beginResponse(opGpsRequest, id0, id1, StatusSuccess)
		d.sendResponse = true
	default:
		d.beginResponse(opGpsRequest, id0, id1, StatusError)
		d.sendResponse = true
	}
}

func (d *Dispatcher) handleSetGpsMeasParams(id0, id1 uint8, p []byte) {
	if len(p) < 5 {
		d.beginResponse(opSetGpsMeasParams, id0, id1, StatusError)
		d.sendResponse = true
		return
	}
	numSats := p[0]
	hdop := uint16(p[1])<<8 | uint16(p[2])
	onTime := uint16(p[3])<<8 | uint16(p[4])
	if numSats > config.GpsMaxSatellites || hdop > config.GpsMaxHdop ||
		onTime > config.GpsMaxOnTime {
		d.beginResponse(opSetGpsMeasParams, id0, id1, StatusError)
		d.sendResponse = true
		return
	}
	if d.Gps != nil {
		d.Gps.SetCriteria(gps.Criteria{
			MinSatellites: numSats,
			MaxHdop:       hdop,
			MinOnTime:     onTime,
			MaxOnTime:     config.GpsMaxOnTime,
		})
	}
	data := d.beginResponse(opSetGpsMeasParams, id0, id1, StatusSuccess)
	data[4] = numSats
	data[5] = uint8(hdop >> 8)
	data[6] = uint8(hdop)
	data[7] = uint8(onTime >> 8)
	data[8] = uint8(onTime)
	d.sendResponse = true
}

func (d *Dispatcher) handleSensorData(id0, id1 uint8, p []byte) {
	if len(p) < 1 {
		d.beginResponse(opSensorData, id0, id1, StatusError)
		d.sendResponse = true
		return
	}
	sub := p[0]
	arg16 := uint16(0)
	if len(p) >= 3 {
		arg16 = uint16(p[1])<<8 | uint16(p[2])
	}

	data := d.beginResponse(opSensorData, id0, id1, StatusSuccess)
	data[4] = sub

	switch sub {
	case sensorReqSensorData:
		if d.Sched != nil {
			d.Sched.ScheduleSensorData()
		}
	case sensorOverwriteFactory:
		if d.Sensor == nil || !d.Sensor.OverwriteFactoryBaseline() {
			data[3] = StatusError
		}
	case sensorResetWaterDetect:
		if d.Sensor != nil {
			d.Sensor.ResetWaterDetect()
		}
	case sensorSetUnknownLimit:
		limit := uint8(arg16)
		if len(p) >= 2 {
			limit = p[1]
		}
		if limit > 100 {
			data[3] = StatusError
		} else if d.Sensor != nil {
			d.Sensor.SetUnknownLimit(limit)
			data[5] = limit
		}
	case sensorReportNow:
		if len(p) >= 2 && p[1] != 0 && d.Sched != nil {
			d.Sched.ScheduleSensorData()
		}
	case sensorDownspoutRate:
		applied := arg16
		if d.Sensor != nil {
			applied = d.Sensor.SetDownspoutRate(arg16)
		}
		data[5] = uint8(applied >> 8)
		data[6] = uint8(applied)
	case sensorSetWaterLimit:
		if d.Sensor != nil {
			d.Sensor.SetWaterLimit(arg16)
		}
		data[5] = uint8(arg16 >> 8)
		data[6] = uint8(arg16)
	case sensorSetWakeTime:
		if d.Sensor != nil {
			d.Sensor.SetWakeTime(arg16)
		}
		data[5] = uint8(arg16 >> 8)
		data[6] = uint8(arg16)
	default:
		// NOP: report the current time.
		t := d.Clock.Now()
		data[5] = t.Hour
		data[6] = t.Minute
		data[7] = t.Second
	}
	d.sendResponse = true
}

func (d *Dispatcher) handleFirmwareUpgrade(id0, id1 uint8, p []byte) {
	if len(p) < 12 || [4]byte(p[:4]) != config.FwUpgradeKey {
		d.beginResponse(opFirmwareUpgrade, id0, id1, StatusError)
		d.sendResponse = true
		d.skipMore = true
		return
	}

	up := &Upgrader{
		F: d.S.F, App: d.App, Dev: d.Dev,
		Wd: d.Wd, Now: d.Now, Log: d.Log,
	}
	// Image bytes start after opcode, msgId, key and section header.
	const imageOffset = 3 + 4 + 8
	result := up.Run(p[4:12], imageOffset, d.pendingLen)

	data := d.beginResponse(opFirmwareUpgrade, id0, id1, StatusSuccess)
	if result.Err != UpErrNone {
		data[3] = StatusError
	}
	data[4] = uint8(result.Err)
	data[5] = uint8(result.ReceivedCrc >> 8)
	data[6] = uint8(result.ReceivedCrc)
	data[7] = uint8(result.ComputedCrc >> 8)
	data[8] = uint8(result.ComputedCrc)
	d.sendResponse = true
	d.skipMore = true

	if result.Err == UpErrNone {
		d.rebootKey = true // bootloader takes it from here
	}
}

func (d *Dispatcher) handleMemoryRead(id0, id1 uint8, p []byte) {
	// Payload: address (u16), unit width (8 or 16), unit count.
	if len(p) < 4 {
		d.beginResponse(opMemoryRead, id0, id1, StatusError)
		d.sendResponse = true
		return
	}
	addr := uint32(p[0])<<8 | uint32(p[1])
	width := p[2]
	count := int(p[3])

	bytesWanted := count
	if width == 16 {
		bytesWanted = count * 2
	} else if width != 8 {
		d.beginResponse(opMemoryRead, id0, id1, StatusError)
		d.sendResponse = true
		return
	}
	// The response data region caps what one read can return.
	max := int(config.OtaResponseDataLength) - 5
	if bytesWanted > max {
		bytesWanted = max
	}

	data := d.beginResponse(opMemoryRead, id0, id1, StatusSuccess)
	data[4] = uint8(bytesWanted)
	d.Dev.Read(addr, data[5:5+bytesWanted])
	d.sendResponse = true
}
