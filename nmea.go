//go:build tinygo

package main

// NMEA parsing rides on the TinyGo GPS driver; the core only sees the
// gps.Parser interface. Coordinates are carried as the raw parsed value in
// hundred-thousandths of a degree, matching the packed location report.

import (
	"machine"

	gpsdrv "tinygo.org/x/drivers/gps"

	"charitywater/afridev2/gps"
)

type nmeaParser struct {
	dev    gpsdrv.GPSDevice
	parser gpsdrv.Parser

	gotGGA  bool
	haveFix bool
	hours   uint8
	minutes uint8
	lat     int32
	lon     int32
	quality uint8
	sats    uint8
}

func newNmeaParser(uart *machine.UART) *nmeaParser {
	return &nmeaParser{
		dev:    gpsdrv.NewUART(uart),
		parser: gpsdrv.NewParser(),
	}
}

// poll consumes any buffered sentences. Called from the measurement loop.
func (p *nmeaParser) poll() {
	sentence, err := p.dev.NextSentence()
	if err != nil {
		return
	}
	fix, err := p.parser.Parse(sentence)
	if err != nil {
		return
	}
	p.gotGGA = true
	p.sats = uint8(fix.Satellites)
	p.hours = uint8(fix.Time.Hour())
	p.minutes = uint8(fix.Time.Minute())
	if fix.Valid {
		p.haveFix = true
		p.quality = 1
		p.lat = int32(fix.Latitude * 1e5)
		p.lon = int32(fix.Longitude * 1e5)
	}
}

func (p *nmeaParser) GotGGA() bool            { p.poll(); return p.gotGGA }
func (p *nmeaParser) HaveFix() bool           { p.poll(); return p.haveFix }
func (p *nmeaParser) FixTime() (uint8, uint8) { return p.hours, p.minutes }
func (p *nmeaParser) Latitude() int32         { return p.lat }
func (p *nmeaParser) Longitude() int32        { return p.lon }
func (p *nmeaParser) FixQuality() uint8       { return p.quality }
func (p *nmeaParser) Satellites() uint8       { return p.sats }

// Hdop is not surfaced by the driver's parsed fix.
func (p *nmeaParser) Hdop() uint8 { return 0 }

func (p *nmeaParser) Reset() {
	p.gotGGA = false
	p.haveFix = false
	p.hours = 0
	p.minutes = 0
	p.lat = 0
	p.lon = 0
	p.quality = 0
	p.sats = 0
}

var _ gps.Parser = (*nmeaParser)(nil)
