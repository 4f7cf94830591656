// Package msg owns outbound cloud messaging: the per-send data-message state
// machine that shepherds one modem session from power-up through transmit,
// link wait, OTA processing and release, and the storage-clock-gated
// scheduler that batches the nightly messages into a single session.
package msg

import (
	"log/slog"

	"charitywater/afridev2/config"
	"charitywater/afridev2/modem"
)

// OtaProcessor is the hook into the OTA dispatcher. The data session starts
// it once the send is finished and waits for it to drain the mailbox.
type OtaProcessor interface {
	Start()
	Done() bool
}

type dataState uint8

const (
	dsIdle dataState = iota
	dsGrab
	dsWaitForModemUp
	dsSendMsg
	dsSendMsgWait
	dsWaitForLink
	dsProcessOta
	dsProcessOtaWait
	dsRelease
	dsReleaseWait
)

// DataSm drives one outbound message (plus any follow-ups the scheduler
// queues) through a modem session. One instance exists; senders call
// SendMessage and poll Busy.
type DataSm struct {
	S     *modem.Session
	Ota   OtaProcessor
	Sched *Scheduler // polled for follow-up messages; may be nil
	Now   func() uint32
	Log   *slog.Logger

	state           dataState
	cmd             modem.Cmd
	payload         []byte
	modemResetCount uint8
	commError       bool
	connectTimeout  bool
	sendCmdDone     bool
	retryAt         uint32 // pending retransmission tick, 0 = none
}

// SendMessage starts a session for payload. A new message cancels any
// pending retransmission. Returns false while a session is in progress.
func (d *DataSm) SendMessage(payload []byte) bool {
	if d.state != dsIdle {
		return false
	}
	d.retryAt = 0
	d.cmd = modem.CmdSendData
	d.payload = payload
	d.modemResetCount = 0
	d.commError = false
	d.connectTimeout = false
	d.sendCmdDone = false
	d.state = dsGrab
	return true
}

// SendTestMessage starts a session that carries payload with the modem's
// send-test command instead of send-data. Startup gate only.
func (d *DataSm) SendTestMessage(payload []byte) bool {
	if !d.SendMessage(payload) {
		return false
	}
	d.cmd = modem.CmdSendTest
	return true
}

// Busy reports a session in progress.
func (d *DataSm) Busy() bool { return d.state != dsIdle }

// CommError reports the last session aborted on modem comm failure.
func (d *DataSm) CommError() bool { return d.commError }

// ConnectTimeout reports the last session never saw the network.
func (d *DataSm) ConnectTimeout() bool { return d.connectTimeout }

// RetryPending reports an armed retransmission.
func (d *DataSm) RetryPending() bool { return d.retryAt != 0 }

// Exec advances the state machine. Called every exec pass.
func (d *DataSm) Exec() {
	switch d.state {
	case dsIdle:
		if d.retryAt != 0 && d.Now() >= d.retryAt && d.Sched != nil {
			if d.Log != nil {
				d.Log.Info("msg:retry-fire")
			}
			d.retryAt = 0
			d.SendMessage(d.Sched.RetryMessage())
		}

	case dsGrab:
		if d.S.Grab() {
			d.state = dsWaitForModemUp
		}

	case dsWaitForModemUp:
		switch {
		case d.S.ModemUp():
			d.state = dsSendMsg
		case d.S.CommError():
			d.handleCommError()
		case d.S.OnTime() > config.ModemLinkUpTimeout:
			d.connectTimeout = true
			d.state = dsProcessOta
		}

	case dsSendMsg:
		if err := d.S.SendBatch(modem.Request{Cmd: d.cmd, Payload: d.payload}); err == nil {
			d.state = dsSendMsgWait
		}

	case dsSendMsgWait:
		switch {
		case d.S.BatchError():
			d.handleCommError()
		case d.S.BatchDone():
			d.sendCmdDone = true
			if d.S.LinkUp() {
				d.nextOrOta()
			} else {
				d.state = dsWaitForLink
			}
		}

	case dsWaitForLink:
		switch {
		case d.S.LinkUp():
			d.nextOrOta()
		case d.S.LinkUpError():
			d.connectTimeout = true
			d.state = dsProcessOta
		case d.S.OnTime() > config.ModemLinkUpTimeout:
			if d.Log != nil {
				d.Log.Warn("msg:link-timeout")
			}
			d.connectTimeout = true
			d.state = dsProcessOta
		default:
			// Re-poll the network with a status-only batch.
			if err := d.S.SendBatch(modem.Request{Cmd: modem.CmdPing}); err == nil {
				d.state = dsSendMsgWait
			}
		}

	case dsProcessOta:
		if d.Ota != nil && d.S.PendingOtaCount() > 0 {
			d.Ota.Start()
			d.state = dsProcessOtaWait
		} else {
			d.state = dsRelease
		}

	case dsProcessOtaWait:
		if d.Ota.Done() {
			d.state = dsRelease
		}

	case dsRelease:
		d.S.Release()
		if d.connectTimeout {
			d.armRetry()
		}
		d.state = dsReleaseWait

	case dsReleaseWait:
		if d.S.PoweredOff() {
			d.state = dsIdle
		}
	}
}

// nextOrOta polls the scheduler for a follow-up message; once the queue is
// dry the session moves on to OTA processing.
func (d *DataSm) nextOrOta() {
	if d.Sched != nil {
		if next := d.Sched.NextMessage(); next != nil {
			d.cmd = modem.CmdSendData
			d.payload = next
			d.sendCmdDone = false
			d.state = dsSendMsg
			return
		}
	}
	d.state = dsProcessOta
}

func (d *DataSm) handleCommError() {
	if d.modemResetCount < config.MaxModemPowerCycles {
		d.modemResetCount++
		if d.Log != nil {
			d.Log.Warn("msg:modem-reset", slog.Int("count", int(d.modemResetCount)))
		}
		d.S.PowerCycle()
		d.state = dsWaitForModemUp
		return
	}
	d.commError = true
	if d.Log != nil {
		d.Log.Error("msg:comm-error")
	}
	d.state = dsRelease
}

func (d *DataSm) armRetry() {
	d.retryAt = d.Now() + config.MsgRetryDelay
	if d.Log != nil {
		d.Log.Info("msg:retry-armed", slog.Uint64("at", uint64(d.retryAt)))
	}
}
