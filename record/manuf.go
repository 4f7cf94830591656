package record

import (
	"log/slog"

	"charitywater/afridev2/config"
	"charitywater/afridev2/crc16"
	"charitywater/afridev2/flash"
)

// ManufMagic marks a valid manufacturing record.
const ManufMagic = uint16(0x2468)

const (
	NumPads   = 6
	GpsLatLen = 11
	GpsLonLen = 12
)

// manufRecordLength: magic(2) length(2) water(26) gps(30) modem(2) crc(2).
const manufRecordLength = 64

// WaterRecord is the factory water-detect calibration: per-pad baseline
// capacitance for a dry board, the first-water air deviation, and the pad
// temperature at baseline.
type WaterRecord struct {
	PadBaseline  [NumPads]uint16
	AirDeviation [NumPads]uint16
	PadTemp      int16
}

// GpsRecord is the factory GPS test fix.
type GpsRecord struct {
	Time       uint16
	Hdop       uint16
	Quality    uint8
	Satellites uint8
	Latitude   [GpsLatLen]byte
	Longitude  [GpsLonLen]byte
}

// ModemRecord is the factory modem test result.
type ModemRecord struct {
	Status uint16
}

// Manuf is the full manufacturing record in INFO-D.
type Manuf struct {
	Water WaterRecord
	Gps   GpsRecord
	Modem ModemRecord
}

// ManufStore reads and writes the manufacturing record.
type ManufStore struct {
	Dev flash.Device
	Log *slog.Logger

	addr uint32
}

func NewManufStore(dev flash.Device, log *slog.Logger) *ManufStore {
	return &ManufStore{Dev: dev, Log: log, addr: config.ManufRecordAddr}
}

func (s *ManufStore) encode(m Manuf) []byte {
	raw := make([]byte, manufRecordLength)
	put16(raw[0:], ManufMagic)
	put16(raw[2:], manufRecordLength)

	off := 4
	for i := 0; i < NumPads; i++ {
		put16(raw[off:], m.Water.PadBaseline[i])
		off += 2
	}
	for i := 0; i < NumPads; i++ {
		put16(raw[off:], m.Water.AirDeviation[i])
		off += 2
	}
	put16(raw[off:], uint16(m.Water.PadTemp))
	off += 2

	put16(raw[off:], m.Gps.Time)
	put16(raw[off+2:], m.Gps.Hdop)
	raw[off+4] = m.Gps.Quality
	raw[off+5] = m.Gps.Satellites
	copy(raw[off+6:], m.Gps.Latitude[:])
	// one pad byte for word alignment
	copy(raw[off+6+GpsLatLen+1:], m.Gps.Longitude[:])
	off += 30

	put16(raw[off:], m.Modem.Status)
	off += 2

	put16(raw[off:], crc16.Checksum(raw[:manufRecordLength-2]))
	return raw
}

func (s *ManufStore) decode(raw []byte) Manuf {
	var m Manuf
	off := 4
	for i := 0; i < NumPads; i++ {
		m.Water.PadBaseline[i] = get16(raw[off:])
		off += 2
	}
	for i := 0; i < NumPads; i++ {
		m.Water.AirDeviation[i] = get16(raw[off:])
		off += 2
	}
	m.Water.PadTemp = int16(get16(raw[off:]))
	off += 2

	m.Gps.Time = get16(raw[off:])
	m.Gps.Hdop = get16(raw[off+2:])
	m.Gps.Quality = raw[off+4]
	m.Gps.Satellites = raw[off+5]
	copy(m.Gps.Latitude[:], raw[off+6:])
	copy(m.Gps.Longitude[:], raw[off+6+GpsLatLen+1:])
	off += 30

	m.Modem.Status = get16(raw[off:])
	return m
}

// Read returns the record and whether it validated.
func (s *ManufStore) Read() (Manuf, bool) {
	raw := infoImage(s.Dev, s.addr)
	if !validRecord(raw, ManufMagic) {
		return Manuf{}, false
	}
	return s.decode(raw), true
}

// Write stores m with erase-write-verify retry.
func (s *ManufStore) Write(m Manuf) bool {
	ok := writeVerified(s.Dev, s.addr, s.encode(m), ManufMagic, s.Log)
	if !ok && s.Log != nil {
		s.Log.Error("record:manuf-write-failed")
	}
	return ok
}

// UpdateWater rewrites only the water-detect calibration, keeping the rest.
func (s *ManufStore) UpdateWater(w WaterRecord) bool {
	m, _ := s.Read()
	m.Water = w
	return s.Write(m)
}

// UpdateGps rewrites only the GPS test fix.
func (s *ManufStore) UpdateGps(g GpsRecord) bool {
	m, _ := s.Read()
	m.Gps = g
	return s.Write(m)
}

// Valid reports whether a valid record is present.
func (s *ManufStore) Valid() bool {
	_, ok := s.Read()
	return ok
}
