package msg

import (
	"log/slog"

	"charitywater/afridev2/config"
	"charitywater/afridev2/storage"
)

// GpsSource is the scheduler's view of the GPS subsystem.
type GpsSource interface {
	Active() bool
	Stop()
	StartMeasurement()
	// FixPayload writes the location body (after the header) into dst.
	FixPayload(dst []byte) int
}

// SensorSource builds the sensor-data message body. Provided by the
// water-sense side; may be nil.
type SensorSource interface {
	SensorPayload(dst []byte) int
}

// Scheduler batches the scheduled message types and releases them in one
// modem session at the nightly transmit time on the storage clock. GPS
// measurement (independent of transmission) starts earlier so a fix is
// ready when the session opens.
type Scheduler struct {
	St     *storage.Engine
	Sm     *DataSm
	Gps    GpsSource
	Sensor SensorSource
	Log    *slog.Logger

	sendDailyWaterLogs    bool
	sendTimestamp         bool
	sendActivated         bool
	sendMonthlyCheckIn    bool
	sendGpsLocation       bool
	performGpsMeasurement bool
	sendSensorData        bool
	sendFinalAssembly     bool
}

// The Scheduler is the storage engine's Scheduler implementation.
var _ storage.Scheduler = (*Scheduler)(nil)

// sendTimestampWithLogs rides a storage-clock timestamp message along with
// every daily-log batch. Diagnostic builds only.
const sendTimestampWithLogs = false

func (s *Scheduler) ScheduleDailyWaterLog() {
	s.sendDailyWaterLogs = true
	if sendTimestampWithLogs {
		s.sendTimestamp = true
	}
}
func (s *Scheduler) ScheduleActivated()      { s.sendActivated = true }
func (s *Scheduler) ScheduleMonthlyCheckIn() { s.sendMonthlyCheckIn = true }
func (s *Scheduler) ScheduleGpsLocation()    { s.sendGpsLocation = true }
func (s *Scheduler) ScheduleSensorData()     { s.sendSensorData = true }
func (s *Scheduler) ScheduleFinalAssembly()  { s.sendFinalAssembly = true }

// ScheduleGpsMeasurement arms a measurement and queues the location message
// that reports its result.
func (s *Scheduler) ScheduleGpsMeasurement() {
	s.performGpsMeasurement = true
	s.sendGpsLocation = true
}

func (s *Scheduler) anyMessagePending() bool {
	return s.sendDailyWaterLogs || s.sendTimestamp || s.sendActivated ||
		s.sendMonthlyCheckIn || s.sendGpsLocation || s.sendSensorData ||
		s.sendFinalAssembly
}

// Exec gates the scheduled work on the storage clock. Called every pass.
func (s *Scheduler) Exec() {
	hour := s.St.ClockHour()
	minute := s.St.ClockMinute()

	// GPS measurement window.
	if s.performGpsMeasurement && s.Gps != nil &&
		hour == config.GpsMeasureHour && minute >= config.GpsMeasureMinute {
		s.performGpsMeasurement = false
		s.Gps.StartMeasurement()
		if s.Log != nil {
			s.Log.Info("sched:gps-start")
		}
	}

	// Transmit window: everything pending goes out in one session.
	if s.anyMessagePending() && !s.Sm.Busy() &&
		hour == config.TransmitHour && minute > config.TransmitMinute-1 {
		if s.Gps != nil && s.Gps.Active() {
			// Should not happen; the measurement window is long past.
			s.Gps.Stop()
		}
		if first := s.NextMessage(); first != nil {
			if s.Log != nil {
				s.Log.Info("sched:transmit-window")
			}
			s.Sm.SendMessage(first)
		}
	}
}

// NextMessage builds the next pending message into the session's message
// buffer and clears its flag. The data session polls this to chain messages
// inside one modem session; nil means the queue is dry.
func (s *Scheduler) NextMessage() []byte {
	buf := s.Sm.S.MessageBuffer()

	switch {
	case s.sendDailyWaterLogs:
		if pkt := s.St.NextDailyLogToTransmit(); pkt != nil {
			return pkt
		}
		s.sendDailyWaterLogs = false
		return s.NextMessage()

	case s.sendTimestamp:
		s.sendTimestamp = false
		n := s.St.PrepareMsgHeader(buf, storage.MsgTimestamp)
		n += s.St.ClockInfo(buf[n:])
		return buf[:n]

	case s.sendActivated:
		s.sendActivated = false
		return buf[:s.St.ActivatedMessage(buf)]

	case s.sendMonthlyCheckIn:
		s.sendMonthlyCheckIn = false
		return buf[:s.St.MonthlyCheckInMessage(buf)]

	case s.sendGpsLocation:
		s.sendGpsLocation = false
		if s.Gps == nil {
			return s.NextMessage()
		}
		n := s.St.PrepareMsgHeader(buf, storage.MsgGpsLocation)
		n += s.Gps.FixPayload(buf[n:])
		return buf[:n]

	case s.sendSensorData:
		s.sendSensorData = false
		if s.Sensor == nil {
			return s.NextMessage()
		}
		n := s.St.PrepareMsgHeader(buf, storage.MsgSensorData)
		n += s.Sensor.SensorPayload(buf[n:])
		return buf[:n]

	case s.sendFinalAssembly:
		s.sendFinalAssembly = false
		return buf[:s.St.PrepareMsgHeader(buf, storage.MsgFinalAssembly)]
	}
	return nil
}

// RetryMessage builds the retry-byte message sent when an armed
// retransmission fires.
func (s *Scheduler) RetryMessage() []byte {
	buf := s.Sm.S.MessageBuffer()
	return buf[:s.St.PrepareMsgHeader(buf, storage.MsgRetryByte)]
}

// FinalAssemblyMessage builds the final-assembly message for the startup
// sequence.
func (s *Scheduler) FinalAssemblyMessage() []byte {
	buf := s.Sm.S.MessageBuffer()
	return buf[:s.St.PrepareMsgHeader(buf, storage.MsgFinalAssembly)]
}

// CheckInMessage builds the monthly check-in message for the startup
// sequence.
func (s *Scheduler) CheckInMessage() []byte {
	buf := s.Sm.S.MessageBuffer()
	return buf[:s.St.MonthlyCheckInMessage(buf)]
}
