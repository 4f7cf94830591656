package modem

import (
	"errors"
	"log/slog"

	"charitywater/afridev2/config"
)

// ErrBusy means a command is already in flight.
var ErrBusy = errors.New("modem: command in flight")

// Receive buffer: the largest get-incoming-partial response plus frame
// overhead. The shared scratch buffer lent out by the session manager is a
// separate buffer owned by the session, not this one.
const isrBufSize = config.SharedBufferSize + 16

type framerState uint8

const (
	framerIdle framerState = iota
	framerSendFrame
	framerWaitResponse
	framerDone
)

type rxState uint8

const (
	rxHunting rxState = iota // discard until frame start
	rxCollect
)

// Framer owns the wire: it serializes one Request at a time, validates the
// response and retries failed exchanges. No two commands are ever in flight
// at once; the busy flag enforces it.
type Framer struct {
	Port Port
	Now  func() uint32 // seconds since boot
	Log  *slog.Logger

	state   framerState
	rxSt    rxState
	req     Request
	txBuf   [isrBufSize + 16]byte
	txLen   int
	txPos   int
	rxBuf   [isrBufSize]byte
	rxLen   int
	expect  int
	started uint32
	retries int

	busy     bool
	txrxFail bool
}

// Send arms the framer with a request. The exchange advances in Exec.
func (f *Framer) Send(r Request) error {
	if f.busy {
		return ErrBusy
	}
	if f.txrxFail {
		// The previous failure has not been acknowledged; stay quiet.
		return ErrBusy
	}
	f.req = r
	f.txLen = Encode(f.txBuf[:], r)
	f.txPos = 0
	f.rxLen = 0
	f.rxSt = rxHunting
	f.expect = ExpectedResponseLength(r)
	f.retries = 0
	f.started = f.Now()
	f.state = framerSendFrame
	f.busy = true
	return nil
}

// Busy reports whether an exchange is in progress.
func (f *Framer) Busy() bool { return f.busy }

// Done reports a completed, validated exchange awaiting pickup.
func (f *Framer) Done() bool { return f.state == framerDone }

// Failed reports the exchange failed past all retries.
func (f *Framer) Failed() bool { return f.txrxFail }

// AckFailure clears the failure latch so new frames may be sent.
func (f *Framer) AckFailure() {
	f.txrxFail = false
}

// Response returns the validated response frame. Valid until the next Send.
func (f *Framer) Response() []byte {
	if f.state != framerDone {
		return nil
	}
	return f.rxBuf[:f.rxLen]
}

// Release returns the framer to idle after the caller has consumed the
// response.
func (f *Framer) Release() {
	f.state = framerIdle
	f.busy = false
}

// Exec advances the exchange. Called from the main loop every pass.
func (f *Framer) Exec() {
	switch f.state {
	case framerSendFrame:
		for f.txPos < f.txLen {
			if !f.Port.WriteByte(f.txBuf[f.txPos]) {
				return // TX full, resume next pass
			}
			f.txPos++
		}
		if f.expect == 0 {
			// Fire and forget (send-debug-data).
			f.state = framerDone
			f.rxLen = 0
			f.busy = false
			return
		}
		f.state = framerWaitResponse

	case framerWaitResponse:
		f.pump()
		if f.rxLen == f.expect || f.rxLen == len(f.rxBuf) {
			if ValidateResponse(f.rxBuf[:f.rxLen], f.req) {
				f.state = framerDone
				f.busy = false
				return
			}
			f.retry("bad-frame")
			return
		}
		if f.Now()-f.started >= config.ModemCmdTimeout {
			f.retry("timeout")
		}
	}
}

// pump moves available RX bytes into the frame buffer.
func (f *Framer) pump() {
	for {
		b, ok := f.Port.ReadByte()
		if !ok {
			return
		}
		switch f.rxSt {
		case rxHunting:
			if b == FrameStartRx {
				f.rxBuf[0] = b
				f.rxLen = 1
				f.rxSt = rxCollect
			}
		case rxCollect:
			if f.rxLen < len(f.rxBuf) {
				f.rxBuf[f.rxLen] = b
				f.rxLen++
			}
			if f.rxLen == f.expect {
				return
			}
		}
	}
}

func (f *Framer) retry(reason string) {
	f.retries++
	if f.retries > config.ModemCmdMaxRetries {
		if f.Log != nil {
			f.Log.Error("modem:cmd-failed",
				slog.Int("cmd", int(f.req.Cmd)),
				slog.String("reason", reason),
			)
		}
		f.txrxFail = true
		f.busy = false
		f.state = framerIdle
		return
	}
	if f.Log != nil {
		f.Log.Warn("modem:cmd-retry",
			slog.Int("cmd", int(f.req.Cmd)),
			slog.Int("attempt", f.retries),
			slog.String("reason", reason),
		)
	}
	f.txPos = 0
	f.rxLen = 0
	f.rxSt = rxHunting
	f.started = f.Now()
	f.state = framerSendFrame
}
