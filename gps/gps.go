// Package gps schedules GPS fixes: power sequencing for the receiver,
// acceptance criteria for a fix, and the location report sent to the cloud.
// NMEA parsing itself is external; the controller only consumes the Parser
// interface. On the device build the parser is backed by the TinyGo GPS
// driver; tests script it.
package gps

import (
	"log/slog"

	"charitywater/afridev2/config"
	"charitywater/afridev2/hal"
)

// ReportLen is the size of the packed location report: fix hours, minutes,
// latitude (i32), longitude (i32), fix quality, satellite count, HDOP,
// reserved, seconds-to-fix (u16). Multi-byte fields are MSB first. The same
// record answers the GPS-request OTA and fills the GPS-location message.
const ReportLen = 16

// Parser is the external NMEA parser boundary.
type Parser interface {
	// GotGGA reports at least one GGA sentence has been seen.
	GotGGA() bool
	// HaveFix reports the receiver has a position fix.
	HaveFix() bool
	// FixTime returns the GGA time of day.
	FixTime() (hours, minutes uint8)
	// Latitude returns the raw parsed GGA latitude value.
	Latitude() int32
	// Longitude returns the raw parsed GGA longitude value.
	Longitude() int32
	// FixQuality returns the GGA fix-quality field.
	FixQuality() uint8
	// Satellites returns the satellite count of the last GGA.
	Satellites() uint8
	// Hdop returns the HDOP of the last GGA, in tenths.
	Hdop() uint8
	// Reset clears parser state for a new measurement.
	Reset()
}

// Criteria gates when a fix is considered good enough to power down.
type Criteria struct {
	MinSatellites uint8
	MaxHdop       uint16 // tenths
	MinOnTime     uint16 // seconds
	MaxOnTime     uint16 // seconds; give up past this
}

// DefaultCriteria returns the build-time defaults; the manufacturing record
// or the set-GPS-params OTA override them.
func DefaultCriteria() Criteria {
	return Criteria{
		MinSatellites: config.GpsDefaultMinSatellites,
		MaxHdop:       config.GpsDefaultMaxHdop,
		MinOnTime:     config.GpsDefaultMinOnTime,
		MaxOnTime:     config.GpsMaxOnTime,
	}
}

type ctlState uint8

const (
	gpsIdle ctlState = iota
	gpsPowering
	gpsAcquiring
)

// Controller runs a measurement cycle. Only one of {GPS, modem} may own the
// UART; the scheduler guarantees the windows do not overlap.
type Controller struct {
	OnOff   hal.PinOut // GPS_ON_OFF
	OnInd   hal.PinIn  // GPS_ON_IND
	UartSel hal.PinOut // MSP_UART_SEL: high = GPS

	P    Parser
	Now  func() uint32
	Log  *slog.Logger
	Crit Criteria

	state   ctlState
	started uint32

	// Last captured report.
	haveFix    bool
	fixHours   uint8
	fixMinutes uint8
	fixLat     int32
	fixLon     int32
	fixQuality uint8
	fixSats    uint8
	fixHdop    uint8
	fixTime    uint16 // seconds to fix
}

// StartMeasurement powers the receiver and begins acquiring.
func (c *Controller) StartMeasurement() {
	if c.state != gpsIdle {
		return
	}
	c.P.Reset()
	c.UartSel.Set(true) // mux UART to GPS
	c.OnOff.Set(true)
	c.started = c.Now()
	c.state = gpsPowering
	if c.Log != nil {
		c.Log.Info("gps:start")
	}
}

// Stop powers the receiver down, capturing whatever fix is available.
func (c *Controller) Stop() {
	if c.state == gpsIdle {
		return
	}
	c.capture()
	c.powerDown()
}

// Active reports a measurement in progress.
func (c *Controller) Active() bool { return c.state != gpsIdle }

// HaveFix reports the last measurement produced an accepted fix.
func (c *Controller) HaveFix() bool { return c.haveFix }

// SetCriteria installs new measurement parameters.
func (c *Controller) SetCriteria(crit Criteria) {
	if crit.MaxOnTime == 0 {
		crit.MaxOnTime = config.GpsMaxOnTime
	}
	c.Crit = crit
}

// Exec advances the measurement. Called every exec pass.
func (c *Controller) Exec() {
	switch c.state {
	case gpsPowering:
		if c.OnInd.Get() {
			c.state = gpsAcquiring
			return
		}
		// Re-assert the power toggle until the indicator follows.
		if c.Now()-c.started > 5 {
			c.OnOff.Set(false)
			c.OnOff.Set(true)
		}

	case gpsAcquiring:
		onTime := c.Now() - c.started
		if c.P.HaveFix() &&
			c.P.Satellites() >= c.Crit.MinSatellites &&
			uint16(c.P.Hdop()) <= c.Crit.MaxHdop &&
			onTime >= uint32(c.Crit.MinOnTime) {
			c.capture()
			c.powerDown()
			return
		}
		if onTime > uint32(c.Crit.MaxOnTime) {
			if c.Log != nil {
				c.Log.Warn("gps:timeout", slog.Int("ontime", int(onTime)))
			}
			c.capture() // best effort
			c.powerDown()
		}
	}
}

func (c *Controller) capture() {
	if !c.P.GotGGA() {
		return
	}
	c.fixHours, c.fixMinutes = c.P.FixTime()
	c.fixLat = c.P.Latitude()
	c.fixLon = c.P.Longitude()
	c.fixQuality = c.P.FixQuality()
	c.fixSats = c.P.Satellites()
	c.fixHdop = c.P.Hdop()
	c.fixTime = uint16(c.Now() - c.started)
	c.haveFix = c.P.HaveFix()
}

func (c *Controller) powerDown() {
	c.OnOff.Set(false)
	c.UartSel.Set(false) // mux back to the modem
	c.state = gpsIdle
	if c.Log != nil {
		c.Log.Info("gps:stop", slog.Bool("fix", c.haveFix))
	}
}

// FixPayload writes the packed location report into dst and returns
// ReportLen. dst must hold at least ReportLen bytes; the OTA response data
// region has room to spare.
func (c *Controller) FixPayload(dst []byte) int {
	dst[0] = c.fixHours
	dst[1] = c.fixMinutes
	putI32(dst[2:], c.fixLat)
	putI32(dst[6:], c.fixLon)
	dst[10] = c.fixQuality
	dst[11] = c.fixSats
	dst[12] = c.fixHdop
	dst[13] = 0
	dst[14] = uint8(c.fixTime >> 8)
	dst[15] = uint8(c.fixTime)
	return ReportLen
}

func putI32(b []byte, v int32) {
	b[0] = byte(uint32(v) >> 24)
	b[1] = byte(uint32(v) >> 16)
	b[2] = byte(uint32(v) >> 8)
	b[3] = byte(uint32(v))
}
