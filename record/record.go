// Package record manages the two small CRC-protected structures in INFO
// flash. The app record (INFO-C) is the handshake with the external
// bootloader: it says whether the application came up healthy and whether a
// staged firmware image is ready to copy in. The manufacturing record
// (INFO-D) carries the factory test results that seed the water-detect
// baselines.
//
// Both records put their CRC at recordLength-2 and validate over
// recordLength-2 bytes, so fields can be appended in later firmware without
// breaking older bootloaders.
package record

import (
	"log/slog"

	"charitywater/afridev2/config"
	"charitywater/afridev2/crc16"
	"charitywater/afridev2/flash"
)

const (
	// writeRetries is how many erase-write-verify attempts are made before
	// the write is reported failed. Failure is non-fatal to callers.
	writeRetries = 4
)

// validRecord validates magic and CRC of a raw record image. The CRC lives at
// recordLength-2 and covers everything before it.
func validRecord(raw []byte, magic uint16) bool {
	if len(raw) < 6 {
		return false
	}
	if uint16(raw[0])<<8|uint16(raw[1]) != magic {
		return false
	}
	recordLength := int(uint16(raw[2])<<8 | uint16(raw[3]))
	if recordLength < 6 || recordLength > len(raw) {
		return false
	}
	stored := uint16(raw[recordLength-2])<<8 | uint16(raw[recordLength-1])
	return crc16.Checksum(raw[:recordLength-2]) == stored
}

// writeVerified erases the INFO segment at addr, writes raw and reads it
// back, retrying up to writeRetries times. Returns false if the record still
// fails validation.
func writeVerified(dev flash.Device, addr uint32, raw []byte, magic uint16, log *slog.Logger) bool {
	for attempt := 0; attempt < writeRetries; attempt++ {
		if err := dev.EraseInfoSegment(addr); err != nil {
			continue
		}
		if err := dev.Write(addr, raw); err != nil {
			continue
		}
		check := make([]byte, len(raw))
		dev.Read(addr, check)
		if validRecord(check, magic) {
			return true
		}
		if log != nil {
			log.Warn("record:write-verify-failed",
				slog.Int("attempt", attempt+1),
				slog.String("addr", hex16(addr)),
			)
		}
	}
	return false
}

func hex16(v uint32) string {
	const digits = "0123456789abcdef"
	var b [6]byte
	b[0] = '0'
	b[1] = 'x'
	for i := 5; i >= 2; i-- {
		b[i] = digits[v&0xF]
		v >>= 4
	}
	return string(b[:])
}

func put16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func get16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func infoImage(dev flash.Device, addr uint32) []byte {
	raw := make([]byte, config.InfoSegmentSize)
	dev.Read(addr, raw)
	return raw
}
