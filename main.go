//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"log/slog"
	"machine"
	"time"

	"charitywater/afridev2/config"
	"charitywater/afridev2/crc16"
	"charitywater/afridev2/exec"
	"charitywater/afridev2/gps"
	"charitywater/afridev2/modem"
	"charitywater/afridev2/msg"
	"charitywater/afridev2/ota"
	"charitywater/afridev2/record"
	"charitywater/afridev2/rtc"
	"charitywater/afridev2/storage"
	"charitywater/afridev2/telemetry"
	"charitywater/afridev2/version"
	"charitywater/afridev2/water"
)

// Pin assignments for the carrier board.
const (
	pinVbatGnd  = machine.GP6
	pinGsmDcdc  = machine.GP7
	pinGsmEn    = machine.GP8
	pinLsVcc    = machine.GP9
	pin1V8En    = machine.GP10
	pinGpsOnOff = machine.GP11
	pinGpsOnInd = machine.GP12
	pinUartSel  = machine.GP13
	pinLedRed   = machine.GP14
	pinLedGreen = machine.GP15
)

func main() {
	time.Sleep(2 * time.Second) // let the console attach

	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 1000})
	machine.Watchdog.Start()
	wd := hwWatchdog{}
	crc16.SetTickle(wd.Tickle)

	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, nil))
	logger.Info("boot",
		slog.String("marker", version.BuildMarker),
		slog.Int("fw_major", int(version.FWMajor)),
		slog.Int("fw_minor", int(version.FWMinor)),
	)

	outs := make(map[string]*hwPinOut)
	for _, p := range []struct {
		name string
		pin  machine.Pin
	}{
		{config.PinVbatGnd, pinVbatGnd},
		{config.PinGsmDcdc, pinGsmDcdc},
		{config.PinGsmEn, pinGsmEn},
		{config.PinLsVcc, pinLsVcc},
		{config.Pin1V8En, pin1V8En},
		{config.PinGpsOnOff, pinGpsOnOff},
		{config.PinUartSel, pinUartSel},
		{config.PinLedRed, pinLedRed},
		{config.PinLedGreen, pinLedGreen},
	} {
		p.pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
		outs[p.name] = &hwPinOut{p.pin}
	}
	pinGpsOnInd.Configure(machine.PinConfig{Mode: machine.PinInput})

	uart := machine.UART0
	uart.Configure(machine.UARTConfig{
		BaudRate: 9600,
		TX:       machine.GP0,
		RX:       machine.GP1,
	})
	port := &hwPort{uart: uart}

	dev := newHwFlash()
	clock := rtc.New(hwIrqGate{})
	telemetry.Init(clock.SecondsSinceBoot)

	framer := &modem.Framer{Port: port, Now: clock.SecondsSinceBoot, Log: logger}
	power := &modem.Power{
		Dcdc:    outs[config.PinGsmDcdc],
		En:      outs[config.PinGsmEn],
		LsVcc:   outs[config.PinLsVcc],
		V18:     outs[config.Pin1V8En],
		UartSel: outs[config.PinUartSel],
		Now:     clock.SecondsSinceBoot,
		Log:     logger,
	}
	session := &modem.Session{F: framer, P: power, Log: logger}

	app := record.NewAppStore(dev, logger)
	manuf := record.NewManufStore(dev, logger)

	algo := newWaterAlgorithm(manuf)
	settings := water.NewSettings()

	gpsCtl := &gps.Controller{
		OnOff:   outs[config.PinGpsOnOff],
		OnInd:   hwPinIn{pinGpsOnInd},
		UartSel: outs[config.PinUartSel],
		P:       newNmeaParser(uart),
		Now:     clock.SecondsSinceBoot,
		Log:     logger,
		Crit:    gps.DefaultCriteria(),
	}

	data := &msg.DataSm{S: session, Now: clock.SecondsSinceBoot, Log: logger}
	sched := &msg.Scheduler{Sm: data, Gps: gpsCtl, Log: logger}
	data.Sched = sched
	st := storage.New(dev, clock, algo, sched, logger)
	sched.St = st

	dispatcher := &ota.Dispatcher{
		S: session, St: st, Clock: clock, Gps: gpsCtl,
		App: app, Dev: dev, Sched: sched, Sensor: settings,
		Wd: wd, Now: clock.SecondsSinceBoot, Log: logger,
	}
	data.Ota = dispatcher

	e := &exec.Exec{
		Wd: wd, Reboot: hwRebooter{}, Temp: newHwTempADC(),
		LedRed: outs[config.PinLedRed], LedGrn: outs[config.PinLedGreen],
		Clock: clock, Algo: algo,
		Session: session, Framer: framer, Power: power,
		Data: data, Sched: sched, Ota: dispatcher, Gps: gpsCtl,
		St: st, App: app, Log: logger,
	}
	sched.Sensor = e
	e.Init()

	// Half-second heartbeat: advance the calendar, then run the executive.
	for {
		time.Sleep(500 * time.Millisecond)
		clock.HalfSecondTick()
		e.Tick()
	}
}
