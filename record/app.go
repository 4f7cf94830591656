package record

import (
	"log/slog"

	"charitywater/afridev2/config"
	"charitywater/afridev2/crc16"
	"charitywater/afridev2/flash"
)

// AppMagic marks a valid app record.
const AppMagic = uint16(0x5678)

// appRecordLength is the serialized size: magic, length, version,
// newFwIsReady, newFwCrc, crc16 - all 16 bit, MSB first.
const appRecordLength = 12

// App is the bootloader handshake record in INFO-C.
type App struct {
	Version    uint16
	NewFwReady bool
	NewFwCrc   uint16
}

// AppStore reads and writes the app record.
type AppStore struct {
	Dev flash.Device
	Log *slog.Logger

	addr uint32
}

func NewAppStore(dev flash.Device, log *slog.Logger) *AppStore {
	return &AppStore{Dev: dev, Log: log, addr: config.AppRecordAddr}
}

func (s *AppStore) encode(a App) []byte {
	raw := make([]byte, appRecordLength)
	put16(raw[0:], AppMagic)
	put16(raw[2:], appRecordLength)
	put16(raw[4:], a.Version)
	if a.NewFwReady {
		put16(raw[6:], 1)
	}
	put16(raw[8:], a.NewFwCrc)
	put16(raw[10:], crc16.Checksum(raw[:appRecordLength-2]))
	return raw
}

// Read returns the record and whether it validated.
func (s *AppStore) Read() (App, bool) {
	raw := infoImage(s.Dev, s.addr)
	if !validRecord(raw, AppMagic) {
		return App{}, false
	}
	return App{
		Version:    get16(raw[4:]),
		NewFwReady: get16(raw[6:]) != 0,
		NewFwCrc:   get16(raw[8:]),
	}, true
}

// Write stores a, retrying on verify failure. Returns false after the
// retries are exhausted; the caller proceeds regardless.
func (s *AppStore) Write(a App) bool {
	ok := writeVerified(s.Dev, s.addr, s.encode(a), AppMagic, s.Log)
	if !ok && s.Log != nil {
		s.Log.Error("record:app-write-failed")
	}
	return ok
}

// Init writes a fresh record with no staged firmware. Idempotent.
func (s *AppStore) Init() bool {
	return s.Write(App{Version: uint16(0)})
}

// Invalidate erases the record so the bootloader cannot mistake a
// half-written upgrade region for a valid one. Also the catastrophic-fault
// path: an erased app record sends the bootloader into recovery/SOS.
func (s *AppStore) Invalidate() {
	s.Dev.EraseInfoSegment(s.addr)
}

// Valid reports whether a valid record is present.
func (s *AppStore) Valid() bool {
	_, ok := s.Read()
	return ok
}
