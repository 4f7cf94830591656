// Package config holds the compile-time configuration of the AfridevV2
// sensor: product identity, timing constants and the flash map shared with
// the bootloader. There are no config files and no environment variables;
// everything that can change at runtime lives in the app and manufacturing
// records or arrives over the air.
package config

// Product identity as reported in every outbound message header.
const ProductID = uint8(3)

// Tick timing. The timer interrupt fires every half second; the exec
// routines run every TicksPerTrend ticks.
const (
	TimerInterruptsPerSecond = 2
	TicksPerTrend            = 4
	SecondsPerTrend          = 2
)

// Time constants, in seconds unless noted.
const (
	SecondsPerMinute = 60
	SecondsPerHour   = 60 * SecondsPerMinute
	SecondsPerDay    = 86400
)

// Modem command framing.
const (
	ModemCmdMaxRetries = 3
	// Whole-transaction timeout per modem command, in seconds.
	ModemCmdTimeout = 5
	// Maximum power-cycle retries within one data-message session.
	MaxModemPowerCycles = 1
	// Seconds of modem-on time allowed while waiting for network link-up.
	ModemLinkUpTimeout = 10 * SecondsPerMinute
	// Delay before the single retransmission armed after a link timeout.
	MsgRetryDelay = 12 * SecondsPerHour
)

// Storage engine.
const (
	// A day with at least this many milliliters activates the unit.
	ActivationMilliliters = uint32(50_000)
	// Daily-log transmission rate bounds, in days.
	TransmissionRateMin     = 1
	TransmissionRateMax     = 28
	TransmissionRateDefault = 7
	// Cap on daily logs sent in one transmission walk (7 days x 5 weeks).
	MaxDailyLogsPerTransmission = 35
	// Weeks of per-weekday mapping before the red-flag test goes live.
	RedFlagMappingWeeks = 4
	// A weekday average below this never raises a red flag.
	MinDailyLitersToSetRedFlag = 200
	// Days without a daily-log transmit or time sync before the unit sends
	// a fresh final-assembly message to ask the cloud for a clock.
	MaxDaysWithoutSync = 28
)

// Scheduled-message times on the storage clock.
const (
	TransmitHour     = 1 // 01:05
	TransmitMinute   = 5
	GpsMeasureHour   = 0 // 00:30
	GpsMeasureMinute = 30
)

// OTA processing.
const (
	// Largest OTA payload read from the modem in one get-incoming-partial.
	OtaPayloadMaxRxReadLength = 512
	// Messages processed in a single OTA session before giving up.
	OtaMaxMessagesPerSession = 50
	OtaResponseHeaderLength  = 16
	OtaResponseDataLength    = 32
	OtaResponseLength        = OtaResponseHeaderLength + OtaResponseDataLength
)

// Shared scratch buffer: same memory as the modem RX buffer, lent out by the
// modem session when it is not allocated.
const SharedBufferSize = OtaPayloadMaxRxReadLength

// Keys carried inside OTA messages.
var (
	RebootKey    = [4]byte{0xAA, 0x55, 0xCC, 0x33}
	FwUpgradeKey = [4]byte{0x31, 0x41, 0x59, 0x26}
)

// Firmware upgrade loader.
const (
	// Upper bound on one upgrade session, in seconds.
	FwUpgradeTimeout = 10 * SecondsPerMinute
	// Seconds counted down after arming a reboot.
	RebootDelay = 20
	// Section header start marker inside the upgrade payload.
	FwSectionStart = 0xA5
)

// Startup-message sequencing.
const (
	// Send-test attempts at boot. Each attempt is a whole data session, so
	// the budget is a count of attempts and has no wall-clock bound.
	SendTestRetries = 150
	// Gap between startup messages, in seconds.
	StartupMsgGap = 10
)

// GPS measurement defaults; the manufacturing record or OTA 0x0E override.
const (
	GpsDefaultMinSatellites = 5
	GpsDefaultMaxHdop       = 30 // tenths
	GpsDefaultMinOnTime     = 60 // seconds
	GpsMaxSatellites        = 16
	GpsMaxHdop              = 100
	GpsMaxOnTime            = 900
)
