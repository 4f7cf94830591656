// Package modem drives the cellular modem over its framed UART protocol:
// byte-level command framing with CRC and retry, batched command sessions,
// and the power sequencing for the module. One command is in flight at a
// time; one client owns the modem at a time.
package modem

import "charitywater/afridev2/crc16"

// Frame marker bytes.
const (
	FrameStartTx = byte(0x3C)
	FrameStartRx = byte(0x3E)
	FrameEnd     = byte(0x3B)
)

// Cmd is a modem command byte.
type Cmd uint8

// BodyTrace command message types.
const (
	CmdPing               Cmd = 0x00
	CmdModemStatus        Cmd = 0x02
	CmdMessageStatus      Cmd = 0x03
	CmdSendTest           Cmd = 0x20
	CmdSendData           Cmd = 0x40
	CmdGetIncomingPartial Cmd = 0x42
	CmdDeleteIncoming     Cmd = 0x43
	CmdSendDebugData      Cmd = 0x50
	CmdPowerOff           Cmd = 0xE0
)

// Network states reported in the modem-status body.
const (
	StateInitializing  = 0x00
	StateIdle          = 0x01
	StateRegistering   = 0x02
	StateConnecting    = 0x03
	StateConnected     = 0x04
	StateXfer          = 0x05
	StateDisconnecting = 0x06
	StateDeregistering = 0x07
	StateProvisioning  = 0x20
	StateErrorBase     = 0x80
)

// Request describes one command to put on the wire.
type Request struct {
	Cmd     Cmd
	Payload []byte // send-test / send-data / send-debug-data
	Offset  uint32 // get-incoming-partial
	Size    uint32 // get-incoming-partial requested byte count
}

// headerLen returns the command-specific TX header length (including the
// command byte, excluding start/CRC/end).
func headerLen(c Cmd) int {
	switch c {
	case CmdSendTest, CmdSendData, CmdSendDebugData:
		return 5 // cmd + u32 size
	case CmdGetIncomingPartial:
		return 9 // cmd + u32 offset + u32 size
	default:
		return 1
	}
}

// ExpectedResponseLength returns the total frame length the modem answers
// with, or 0 when the command has no response (send-debug-data, used when
// the modem is off).
func ExpectedResponseLength(r Request) int {
	switch r.Cmd {
	case CmdPing, CmdSendTest, CmdSendData, CmdDeleteIncoming, CmdPowerOff:
		return 5
	case CmdModemStatus:
		return 15
	case CmdMessageStatus:
		return 23
	case CmdGetIncomingPartial:
		return 13 + int(r.Size)
	case CmdSendDebugData:
		return 0
	}
	return 5
}

// Encode builds the complete wire frame for r into dst and returns the
// number of bytes used. dst must hold headerLen + len(Payload) + 4.
func Encode(dst []byte, r Request) int {
	hl := headerLen(r.Cmd)
	dst[0] = FrameStartTx
	dst[1] = byte(r.Cmd)
	switch r.Cmd {
	case CmdSendTest, CmdSendData, CmdSendDebugData:
		putU32(dst[2:], uint32(len(r.Payload)))
	case CmdGetIncomingPartial:
		putU32(dst[2:], r.Offset)
		putU32(dst[6:], r.Size)
	}
	n := 1 + hl
	n += copy(dst[n:], r.Payload)

	crc := crc16.Checksum(dst[1:n])
	dst[n] = byte(crc >> 8)
	dst[n+1] = byte(crc)
	dst[n+2] = FrameEnd
	return n + 3
}

// ValidateResponse runs the post-receive checks on a complete frame:
// start/end markers, command echo, expected length, CRC.
func ValidateResponse(frame []byte, sent Request) bool {
	want := ExpectedResponseLength(sent)
	if len(frame) != want || want < 5 {
		return false
	}
	if frame[0] != FrameStartRx || frame[len(frame)-1] != FrameEnd {
		return false
	}
	if frame[1] != byte(sent.Cmd) {
		return false
	}
	stored := uint16(frame[len(frame)-3])<<8 | uint16(frame[len(frame)-2])
	return crc16.Checksum(frame[1:len(frame)-3]) == stored
}

// Status is the parsed modem-status response body.
type Status struct {
	State          uint8
	Voltage        uint16 // mV
	ADC            uint16 // mV
	RSSI           uint8  // -dBm
	SignalStrength uint8  // percent
	Provisioned    bool
	Temperature    int8
}

// ParseStatus decodes a validated modem-status frame.
func ParseStatus(frame []byte) Status {
	b := frame[2 : len(frame)-3]
	return Status{
		State:          b[0],
		Voltage:        getU16(b[1:]),
		ADC:            getU16(b[3:]),
		RSSI:           b[5],
		SignalStrength: b[6],
		Provisioned:    b[7] != 0,
		Temperature:    int8(b[8]),
	}
}

// NetworkUp reports whether the state byte counts as link-up.
func (s Status) NetworkUp() bool {
	switch s.State {
	case StateConnected, StateXfer, StateDisconnecting:
		return true
	}
	return false
}

// NetworkError reports whether the state byte is in the error group.
func (s Status) NetworkError() bool {
	return s.State >= StateErrorBase
}

// MessageStatusEl is one mailbox class in the message-status response.
type MessageStatusEl struct {
	Count uint16
	Size  uint32
}

// MessageStatus is the parsed message-status response body: incoming, test
// and data mailbox summaries.
type MessageStatus struct {
	Incoming MessageStatusEl
	Test     MessageStatusEl
	Data     MessageStatusEl
}

// ParseMessageStatus decodes a validated message-status frame.
func ParseMessageStatus(frame []byte) MessageStatus {
	b := frame[2 : len(frame)-3]
	el := func(p []byte) MessageStatusEl {
		return MessageStatusEl{Count: getU16(p), Size: getU32(p[2:])}
	}
	return MessageStatus{
		Incoming: el(b[0:]),
		Test:     el(b[6:]),
		Data:     el(b[12:]),
	}
}

// IncomingPartial is the parsed get-incoming-partial response: the chunk
// offset, the bytes remaining after this chunk, and the payload itself. The
// payload slice points into the receive buffer and is only valid until the
// next command completes.
type IncomingPartial struct {
	Offset    uint32
	Remaining uint32
	Payload   []byte
}

// ParseIncomingPartial decodes a validated get-incoming-partial frame.
func ParseIncomingPartial(frame []byte) IncomingPartial {
	return IncomingPartial{
		Offset:    getU32(frame[2:]),
		Remaining: getU32(frame[6:]),
		Payload:   frame[10 : len(frame)-3],
	}
}

// BuildResponse assembles a response frame the way the modem would: start
// marker, command echo, body, CRC over command+body, end marker. Used by the
// protocol tests and the CLI's modem simulator.
func BuildResponse(c Cmd, body []byte) []byte {
	f := make([]byte, 0, len(body)+5)
	f = append(f, FrameStartRx, byte(c))
	f = append(f, body...)
	crc := crc16.Checksum(f[1:])
	f = append(f, byte(crc>>8), byte(crc), FrameEnd)
	return f
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getU16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func getU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
