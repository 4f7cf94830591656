package modem

import (
	"errors"
	"log/slog"

	"charitywater/afridev2/config"
)

// otaBufSize is the shared scratch / OTA receive buffer size.
const otaBufSize = config.SharedBufferSize

var (
	// ErrAllocated means another client holds the modem.
	ErrAllocated = errors.New("modem: session allocated")
	// ErrBatchActive means a batch is still running.
	ErrBatchActive = errors.New("modem: batch in progress")
)

type batchState uint8

const (
	batchIdle batchState = iota
	batchPing
	batchCmd
	batchStatus
	batchMsgStatus
	batchDone
	batchError
)

// Session is the modem manager: it owns the power FSM and the framer,
// serializes commands into batches (ping, command, modem-status,
// message-status), and tracks the mailbox and link state parsed from the
// status responses. One client at a time grabs the session; while it is not
// allocated, the receive buffer is lent out as the system scratch buffer.
type Session struct {
	F   *Framer
	P   *Power
	Log *slog.Logger

	allocated bool
	pingOK    bool
	pingFails uint8

	batch     batchState
	req       Request
	otaBuf    [otaBufSize]byte
	status    Status
	haveState bool
	msgStatus MessageStatus
	lastOta   IncomingPartial
	haveOta   bool
	commError bool
}

// Grab allocates the modem session to the caller and begins power-up.
func (s *Session) Grab() bool {
	if s.allocated {
		return false
	}
	s.allocated = true
	s.commError = false
	s.pingFails = 0
	s.P.PowerUp()
	return true
}

// Release powers the modem down and frees the session. The power-off
// command is sent first when the framer is still healthy.
func (s *Session) Release() {
	if !s.P.Off() {
		if !s.F.Busy() && !s.F.Failed() {
			s.F.Send(Request{Cmd: CmdPowerOff})
		}
		s.P.StartDrain()
	}
	s.allocated = false
	s.pingOK = false
	s.haveState = false
	s.haveOta = false
	s.batch = batchIdle
}

// Allocated reports whether a client holds the session.
func (s *Session) Allocated() bool { return s.allocated }

// PowerCycle drops and re-raises the modem rails after a comm error.
func (s *Session) PowerCycle() {
	s.P.ForceOff()
	s.pingOK = false
	s.pingFails = 0
	s.batch = batchIdle
	s.commError = false
	s.F.AckFailure()
	s.F.Release()
	s.P.PowerUp()
	if s.Log != nil {
		s.Log.Warn("modem:power-cycle")
	}
}

// ModemUp reports the modem is powered, warmed up, and answering pings.
func (s *Session) ModemUp() bool { return s.P.Ready() && s.pingOK }

// CommError reports an aborted batch.
func (s *Session) CommError() bool { return s.commError }

// SendBatch starts a command batch: ping, the command itself, modem-status,
// message-status. A batch succeeds only if every sub-command validates.
func (s *Session) SendBatch(r Request) error {
	if !s.allocated {
		return ErrAllocated
	}
	if s.batch != batchIdle && s.batch != batchDone && s.batch != batchError {
		return ErrBatchActive
	}
	s.req = r
	s.batch = batchPing
	s.commError = false
	return s.F.Send(Request{Cmd: CmdPing})
}

// BatchDone reports the current batch completed successfully.
func (s *Session) BatchDone() bool { return s.batch == batchDone }

// BatchError reports the current batch aborted on a framing failure.
func (s *Session) BatchError() bool { return s.batch == batchError }

// LinkUp reports the network is connected per the last modem-status.
func (s *Session) LinkUp() bool {
	return s.haveState && s.status.NetworkUp()
}

// LinkUpError reports the modem put itself in an error network state.
func (s *Session) LinkUpError() bool {
	return s.haveState && s.status.NetworkError()
}

// NetworkStatus returns the last parsed modem-status body.
func (s *Session) NetworkStatus() (Status, bool) {
	return s.status, s.haveState
}

// PendingOtaCount returns the incoming-mailbox message count from the last
// message-status.
func (s *Session) PendingOtaCount() uint16 { return s.msgStatus.Incoming.Count }

// PendingOtaTotalBytes returns the total incoming payload bytes pending.
func (s *Session) PendingOtaTotalBytes() uint32 { return s.msgStatus.Incoming.Size }

// LastOtaResponse returns the most recent get-incoming-partial result. The
// payload points into the receive buffer and is overwritten by the next
// command.
func (s *Session) LastOtaResponse() (IncomingPartial, bool) {
	return s.lastOta, s.haveOta
}

// SharedBuffer lends out the OTA receive buffer as the system scratch
// buffer. Only legal while the session is unallocated; the allocated flag is
// the sole gate. Message builders borrow it to assemble payloads.
func (s *Session) SharedBuffer() []byte {
	if s.allocated {
		return nil
	}
	return s.otaBuf[:]
}

// MessageBuffer returns the OTA receive buffer for the session owner to
// assemble outbound payloads in. Unlike SharedBuffer this is not gated on
// allocation: the owner builds follow-up messages mid-session, before any
// incoming OTA read reuses the memory.
func (s *Session) MessageBuffer() []byte {
	return s.otaBuf[:]
}

// PoweredOff reports the modem rails are down.
func (s *Session) PoweredOff() bool { return s.P.Off() }

// OnTime returns seconds since the modem powered up, 0 when off.
func (s *Session) OnTime() uint32 { return s.P.OnTime() }

// SendDebug transmits a fire-and-forget debug payload. Diagnostic only;
// used while the modem is powered off and the session unallocated.
func (s *Session) SendDebug(payload []byte) error {
	if s.allocated {
		return ErrAllocated
	}
	if s.F.Busy() || s.F.Failed() {
		return ErrBusy
	}
	return s.F.Send(Request{Cmd: CmdSendDebugData, Payload: payload})
}

// Exec advances the batch state machine. The framer and power FSM are
// executed separately by the main loop, before and after this.
func (s *Session) Exec() {
	// Keep a ping going while powered and allocated so ModemUp can latch.
	if s.allocated && s.P.Ready() && !s.pingOK &&
		(s.batch == batchIdle) && !s.F.Busy() && !s.F.Done() && !s.F.Failed() {
		s.F.Send(Request{Cmd: CmdPing})
		return
	}

	if s.F.Failed() {
		if s.batch != batchIdle && s.batch != batchDone {
			s.batch = batchError
			s.commError = true
			if s.Log != nil {
				s.Log.Error("modem:batch-abort", slog.Int("cmd", int(s.req.Cmd)))
			}
		} else if s.allocated && !s.pingOK {
			// The power-up responsiveness check is failing; after a few
			// full framer retry rounds declare the modem unreachable.
			s.pingFails++
			if s.pingFails >= 3 {
				s.pingFails = 0
				s.commError = true
				if s.Log != nil {
					s.Log.Error("modem:unresponsive")
				}
			}
		}
		s.F.AckFailure()
		return
	}

	if !s.F.Done() {
		return
	}

	// A completed exchange is waiting. A bare ping outside a batch is the
	// power-up responsiveness check.
	if s.batch == batchIdle || s.batch == batchDone || s.batch == batchError {
		if s.F.Response() != nil {
			s.pingOK = true
		}
		s.F.Release()
		return
	}

	resp := s.F.Response()
	switch s.batch {
	case batchPing:
		s.pingOK = true
		s.F.Release()
		if s.req.Cmd == CmdPing {
			s.F.Send(Request{Cmd: CmdModemStatus})
			s.batch = batchStatus
		} else {
			s.F.Send(s.req)
			s.batch = batchCmd
		}

	case batchCmd:
		if s.req.Cmd == CmdGetIncomingPartial {
			// Copy the payload out before the status sub-commands reuse
			// the receive buffer.
			part := ParseIncomingPartial(resp)
			n := copy(s.otaBuf[:], part.Payload)
			part.Payload = s.otaBuf[:n]
			s.lastOta = part
			s.haveOta = true
		}
		s.F.Release()
		s.F.Send(Request{Cmd: CmdModemStatus})
		s.batch = batchStatus

	case batchStatus:
		s.status = ParseStatus(resp)
		s.haveState = true
		s.F.Release()
		s.F.Send(Request{Cmd: CmdMessageStatus})
		s.batch = batchMsgStatus

	case batchMsgStatus:
		s.msgStatus = ParseMessageStatus(resp)
		s.F.Release()
		s.batch = batchDone
	}
}
