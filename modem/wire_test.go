package modem

import (
	"bytes"
	"testing"

	"charitywater/afridev2/crc16"
)

func TestEncodeShapes(t *testing.T) {
	tests := []struct {
		name       string
		req        Request
		wantHeader []byte // bytes after the start marker, before payload/CRC
		wantLen    int
	}{
		{"ping", Request{Cmd: CmdPing}, []byte{0x00}, 5},
		{"modem status", Request{Cmd: CmdModemStatus}, []byte{0x02}, 5},
		{"delete incoming", Request{Cmd: CmdDeleteIncoming}, []byte{0x43}, 5},
		{"power off", Request{Cmd: CmdPowerOff}, []byte{0xE0}, 5},
		{
			"send data",
			Request{Cmd: CmdSendData, Payload: []byte{0xAA, 0xBB, 0xCC}},
			[]byte{0x40, 0, 0, 0, 3},
			12,
		},
		{
			"get incoming partial",
			Request{Cmd: CmdGetIncomingPartial, Offset: 0x0102, Size: 0x0200},
			[]byte{0x42, 0, 0, 0x01, 0x02, 0, 0, 0x02, 0x00},
			13,
		},
	}

	var buf [600]byte
	for _, tc := range tests {
		n := Encode(buf[:], tc.req)
		if n != tc.wantLen {
			t.Errorf("%s: len = %d, want %d", tc.name, n, tc.wantLen)
			continue
		}
		frame := buf[:n]
		if frame[0] != FrameStartTx {
			t.Errorf("%s: start = %#02x, want 0x3C", tc.name, frame[0])
		}
		if frame[n-1] != FrameEnd {
			t.Errorf("%s: end = %#02x, want 0x3B", tc.name, frame[n-1])
		}
		if !bytes.Equal(frame[1:1+len(tc.wantHeader)], tc.wantHeader) {
			t.Errorf("%s: header = %x, want %x", tc.name, frame[1:1+len(tc.wantHeader)], tc.wantHeader)
		}
		crc := uint16(frame[n-3])<<8 | uint16(frame[n-2])
		if want := crc16.Checksum(frame[1 : n-3]); crc != want {
			t.Errorf("%s: crc = %#04x, want %#04x", tc.name, crc, want)
		}
	}
}

func TestExpectedResponseLength(t *testing.T) {
	tests := []struct {
		req  Request
		want int
	}{
		{Request{Cmd: CmdPing}, 5},
		{Request{Cmd: CmdModemStatus}, 15},
		{Request{Cmd: CmdMessageStatus}, 23},
		{Request{Cmd: CmdSendTest}, 5},
		{Request{Cmd: CmdSendData}, 5},
		{Request{Cmd: CmdSendDebugData}, 0},
		{Request{Cmd: CmdGetIncomingPartial, Size: 128}, 141},
		{Request{Cmd: CmdDeleteIncoming}, 5},
		{Request{Cmd: CmdPowerOff}, 5},
	}
	for _, tc := range tests {
		if got := ExpectedResponseLength(tc.req); got != tc.want {
			t.Errorf("cmd %#02x: length = %d, want %d", tc.req.Cmd, got, tc.want)
		}
	}
}

func TestValidateResponse(t *testing.T) {
	req := Request{Cmd: CmdPing}
	good := BuildResponse(CmdPing, nil)

	if !ValidateResponse(good, req) {
		t.Fatal("valid ping response rejected")
	}

	mutate := func(f func(b []byte)) []byte {
		b := append([]byte(nil), good...)
		f(b)
		return b
	}

	cases := []struct {
		name  string
		frame []byte
	}{
		{"bad start", mutate(func(b []byte) { b[0] = 0x3C })},
		{"bad end", mutate(func(b []byte) { b[len(b)-1] = 0x00 })},
		{"wrong cmd echo", mutate(func(b []byte) { b[1] = 0x02 })},
		{"bad crc", mutate(func(b []byte) { b[len(b)-2] ^= 0xFF })},
		{"short", good[:4]},
		{"long", append(append([]byte(nil), good...), 0x00)},
	}
	for _, tc := range cases {
		if ValidateResponse(tc.frame, req) {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestParseStatus(t *testing.T) {
	body := []byte{
		StateConnected, // state
		0x0F, 0xA0,     // voltage 4000 mV
		0x01, 0xF4, // adc 500 mV
		70,   // rssi
		80,   // signal %
		1,    // provisioned
		0xEC, // temperature -20
		0,    // reserved
	}
	frame := BuildResponse(CmdModemStatus, body)
	if len(frame) != 15 {
		t.Fatalf("frame length = %d, want 15", len(frame))
	}
	s := ParseStatus(frame)
	want := Status{
		State: StateConnected, Voltage: 4000, ADC: 500,
		RSSI: 70, SignalStrength: 80, Provisioned: true, Temperature: -20,
	}
	if s != want {
		t.Errorf("ParseStatus = %+v, want %+v", s, want)
	}
	if !s.NetworkUp() || s.NetworkError() {
		t.Error("connected state should be up, not error")
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		state   uint8
		up, err bool
	}{
		{StateInitializing, false, false},
		{StateIdle, false, false},
		{StateRegistering, false, false},
		{StateConnected, true, false},
		{StateXfer, true, false},
		{StateDisconnecting, true, false},
		{0x80, false, true},  // internal error
		{0x84, false, true},  // connect error
		{0xA0, false, true},  // provisioning error
		{0x33, false, false}, // unknown: keep waiting
	}
	for _, tc := range tests {
		s := Status{State: tc.state}
		if s.NetworkUp() != tc.up || s.NetworkError() != tc.err {
			t.Errorf("state %#02x: up=%v err=%v, want up=%v err=%v",
				tc.state, s.NetworkUp(), s.NetworkError(), tc.up, tc.err)
		}
	}
}

func TestParseMessageStatus(t *testing.T) {
	body := []byte{
		0x00, 0x02, 0x00, 0x00, 0x01, 0x00, // incoming: 2 msgs, 256 B
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // test: none
		0x00, 0x01, 0x00, 0x00, 0x00, 0x80, // data: 1 msg, 128 B
	}
	frame := BuildResponse(CmdMessageStatus, body)
	if len(frame) != 23 {
		t.Fatalf("frame length = %d, want 23", len(frame))
	}
	ms := ParseMessageStatus(frame)
	if ms.Incoming.Count != 2 || ms.Incoming.Size != 256 {
		t.Errorf("incoming = %+v, want 2/256", ms.Incoming)
	}
	if ms.Data.Count != 1 || ms.Data.Size != 128 {
		t.Errorf("data = %+v, want 1/128", ms.Data)
	}
}

func TestParseIncomingPartial(t *testing.T) {
	payload := []byte{0x01, 0x00, 0x10, 0xAA}
	body := make([]byte, 8+len(payload))
	putU32(body[0:], 0)  // offset
	putU32(body[4:], 12) // remaining after this chunk
	copy(body[8:], payload)
	frame := BuildResponse(CmdGetIncomingPartial, body)
	if len(frame) != 13+len(payload) {
		t.Fatalf("frame length = %d, want %d", len(frame), 13+len(payload))
	}

	p := ParseIncomingPartial(frame)
	if p.Offset != 0 || p.Remaining != 12 {
		t.Errorf("offset/remaining = %d/%d, want 0/12", p.Offset, p.Remaining)
	}
	if !bytes.Equal(p.Payload, payload) {
		t.Errorf("payload = %x, want %x", p.Payload, payload)
	}
}
