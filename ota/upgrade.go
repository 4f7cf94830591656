package ota

import (
	"log/slog"

	"charitywater/afridev2/config"
	"charitywater/afridev2/crc16"
	"charitywater/afridev2/flash"
	"charitywater/afridev2/hal"
	"charitywater/afridev2/modem"
	"charitywater/afridev2/record"
)

// UpgradeError codes exposed to the cloud in the response.
type UpgradeError int8

const (
	UpErrNone          UpgradeError = 0
	UpErrModem         UpgradeError = -1
	UpErrSectionHeader UpgradeError = -2
	UpErrParameter     UpgradeError = -3
	UpErrCrc           UpgradeError = -4
	UpErrTimeout       UpgradeError = -5
)

// chunk fetch retry budget per get-incoming-partial.
const upgradeChunkRetries = 3

// UpgradeResult is what the firmware-upgrade handler reports back.
type UpgradeResult struct {
	Err         UpgradeError
	ReceivedCrc uint16
	ComputedCrc uint16
	Written     uint32
}

// Upgrader retrieves a staged firmware image from the modem in chunks,
// writes it into the backup image region and validates it. It runs a
// self-contained inner loop that holds the CPU, driving only the modem
// framer and tickling the watchdog, for at most ten minutes.
type Upgrader struct {
	F   *modem.Framer
	App *record.AppStore
	Dev flash.Device
	Wd  hal.Watchdog
	Now func() uint32
	Log *slog.Logger

	deadline uint32
}

// Run executes the whole upgrade. header is the 8-byte section header from
// the already-received message; imageOffset is where the image bytes start
// inside the incoming mailbox message; totalLen is the full message length
// the modem reported.
func (u *Upgrader) Run(header []byte, imageOffset uint32, totalLen uint32) UpgradeResult {
	u.deadline = u.Now() + config.FwUpgradeTimeout

	// GetSectionInfo
	if len(header) < 8 || header[0] != config.FwSectionStart || header[1] != 0 {
		return UpgradeResult{Err: UpErrSectionHeader}
	}
	startAddr := uint32(header[2])<<8 | uint32(header[3])
	length := uint32(header[4])<<8 | uint32(header[5])
	receivedCrc := uint16(header[6])<<8 | uint16(header[7])

	// Remap from main-image space into the backup region.
	if startAddr < config.MainImageAddr {
		return UpgradeResult{Err: UpErrParameter, ReceivedCrc: receivedCrc}
	}
	backupAddr := startAddr - (config.MainImageAddr - config.BackupImageAddr)

	backupEnd := config.BackupImageAddr + config.BackupImageSize
	switch {
	case length == 0,
		length > config.BackupImageSize,
		backupAddr < config.BackupImageAddr,
		backupAddr+length > backupEnd,
		totalLen < imageOffset+length:
		return UpgradeResult{Err: UpErrParameter, ReceivedCrc: receivedCrc}
	}

	if u.Log != nil {
		u.Log.Info("fwup:section",
			slog.String("backup", hex32(backupAddr)),
			slog.Int("length", int(length)),
		)
	}

	// EraseSection: drop the app record's staged-image claim before any
	// flash changes so a half-erased region can never look valid.
	u.App.Write(record.App{NewFwReady: false})

	segments := (length + flash.SegmentSize - 1) / flash.SegmentSize
	for s := uint32(0); s < segments; s++ {
		u.Wd.Tickle()
		if u.expired() {
			return UpgradeResult{Err: UpErrTimeout, ReceivedCrc: receivedCrc}
		}
		u.Dev.EraseSegment(backupAddr + s*flash.SegmentSize)
	}

	// WriteSection
	written := uint32(0)
	for written < length {
		chunk := length - written
		if chunk > config.OtaPayloadMaxRxReadLength {
			chunk = config.OtaPayloadMaxRxReadLength
		}
		payload, err := u.fetchChunk(imageOffset+written, chunk)
		if err != UpErrNone {
			return UpgradeResult{Err: err, ReceivedCrc: receivedCrc, Written: written}
		}
		u.Dev.Write(backupAddr+written, payload)
		written += uint32(len(payload))
	}

	// VerifySection
	computed := u.crcRegion(backupAddr, length)
	if computed != receivedCrc {
		if u.Log != nil {
			u.Log.Error("fwup:crc-mismatch",
				slog.Int("received", int(receivedCrc)),
				slog.Int("computed", int(computed)),
			)
		}
		return UpgradeResult{Err: UpErrCrc, ReceivedCrc: receivedCrc, ComputedCrc: computed, Written: written}
	}

	u.App.Write(record.App{NewFwReady: true, NewFwCrc: receivedCrc})
	if u.Log != nil {
		u.Log.Info("fwup:staged", slog.Int("bytes", int(written)))
	}
	return UpgradeResult{ReceivedCrc: receivedCrc, ComputedCrc: computed, Written: written}
}

// fetchChunk retrieves one mailbox chunk through the framer, blocking in an
// inner loop that only tickles the watchdog and runs the framer.
func (u *Upgrader) fetchChunk(offset, size uint32) ([]byte, UpgradeError) {
	for attempt := 0; attempt <= upgradeChunkRetries; attempt++ {
		req := modem.Request{Cmd: modem.CmdGetIncomingPartial, Offset: offset, Size: size}
		if err := u.F.Send(req); err != nil {
			u.F.Release()
			continue
		}
		for {
			u.Wd.Tickle()
			if u.expired() {
				return nil, UpErrTimeout
			}
			u.F.Exec()
			if u.F.Failed() {
				u.F.AckFailure()
				break // next attempt
			}
			if u.F.Done() {
				part := modem.ParseIncomingPartial(u.F.Response())
				if uint32(len(part.Payload)) != size {
					u.F.Release()
					break
				}
				payload := part.Payload
				u.F.Release()
				return payload, UpErrNone
			}
		}
	}
	return nil, UpErrModem
}

// crcRegion computes the CRC16 of the written region, reading it back from
// flash a segment at a time. The CRC loop itself tickles the watchdog.
func (u *Upgrader) crcRegion(addr, length uint32) uint16 {
	var buf [flash.SegmentSize]byte
	crc := uint16(0)
	for length > 0 {
		n := length
		if n > flash.SegmentSize {
			n = flash.SegmentSize
		}
		u.Dev.Read(addr, buf[:n])
		crc = crc16.Update(crc, buf[:n])
		addr += n
		length -= n
	}
	return crc
}

func (u *Upgrader) expired() bool {
	return u.Now() >= u.deadline
}

func hex32(v uint32) string {
	const digits = "0123456789abcdef"
	var b [10]byte
	b[0] = '0'
	b[1] = 'x'
	for i := 9; i >= 2; i-- {
		b[i] = digits[v&0xF]
		v >>= 4
	}
	return string(b[:])
}
