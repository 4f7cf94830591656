package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"charitywater/afridev2/modem"
)

// fakeLink answers framed commands like a bench modem.
type fakeLink struct {
	rx      bytes.Buffer
	mailbox []byte
	sends   int
}

func (l *fakeLink) Read(p []byte) (int, error) {
	return l.rx.Read(p)
}

func (l *fakeLink) Write(p []byte) (int, error) {
	if len(p) < 2 || p[0] != modem.FrameStartTx {
		return len(p), nil
	}
	cmd := modem.Cmd(p[1])
	switch cmd {
	case modem.CmdPing, modem.CmdDeleteIncoming, modem.CmdPowerOff, modem.CmdSendTest:
		l.rx.Write(modem.BuildResponse(cmd, nil))
	case modem.CmdSendData:
		l.sends++
		l.rx.Write(modem.BuildResponse(cmd, nil))
	case modem.CmdModemStatus:
		l.rx.Write(modem.BuildResponse(cmd, []byte{modem.StateConnected, 0x0F, 0xA0, 0, 0, 60, 75, 1, 22, 0}))
	case modem.CmdGetIncomingPartial:
		offset := uint32(p[2])<<24 | uint32(p[3])<<16 | uint32(p[4])<<8 | uint32(p[5])
		size := uint32(p[6])<<24 | uint32(p[7])<<16 | uint32(p[8])<<8 | uint32(p[9])
		body := make([]byte, 8)
		if size == 0 {
			n := uint32(len(l.mailbox))
			body[4] = byte(n >> 24)
			body[5] = byte(n >> 16)
			body[6] = byte(n >> 8)
			body[7] = byte(n)
		} else {
			body = append(body, l.mailbox[offset:offset+size]...)
		}
		l.rx.Write(modem.BuildResponse(cmd, body))
	}
	return len(p), nil
}

func TestExchangePing(t *testing.T) {
	link := &fakeLink{}
	frame, err := exchange(link, modem.Request{Cmd: modem.CmdPing})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if len(frame) != 5 || frame[1] != byte(modem.CmdPing) {
		t.Errorf("frame = %x", frame)
	}
}

func TestExchangeStatus(t *testing.T) {
	link := &fakeLink{}
	frame, err := exchange(link, modem.Request{Cmd: modem.CmdModemStatus})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	s := modem.ParseStatus(frame)
	if !s.NetworkUp() || s.Voltage != 4000 {
		t.Errorf("status = %+v", s)
	}
}

func TestPushFirmwareChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.bin")
	img := make([]byte, 1200)
	for i := range img {
		img[i] = byte(i)
	}
	if err := os.WriteFile(path, img, 0o644); err != nil {
		t.Fatal(err)
	}

	link := &fakeLink{}
	if err := pushFirmware(link, path); err != nil {
		t.Fatalf("pushFirmware: %v", err)
	}
	if link.sends != 3 {
		t.Errorf("chunks sent = %d, want 3 (512+512+176)", link.sends)
	}
}

func TestDumpMailbox(t *testing.T) {
	link := &fakeLink{mailbox: []byte{0x0C, 0x00, 0x01}}
	if err := dumpMailbox(link); err != nil {
		t.Fatalf("dumpMailbox: %v", err)
	}
}
