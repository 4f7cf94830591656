//go:build !tinygo

package main

// Host simulation harness: wires the firmware against the simulated
// hardware and fast-forwards a few days so the logging and scheduling
// behavior can be inspected without a device. The real entry point is in
// main.go (TinyGo only).

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"charitywater/afridev2/config"
	"charitywater/afridev2/exec"
	"charitywater/afridev2/flash"
	"charitywater/afridev2/gps"
	"charitywater/afridev2/hal"
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

type hostParser struct{}

func (hostParser) GotGGA() bool            { return false }
func (hostParser) HaveFix() bool           { return false }
func (hostParser) FixTime() (uint8, uint8) { return 0, 0 }
func (hostParser) Latitude() int32         { return 0 }
func (hostParser) Longitude() int32        { return 0 }
func (hostParser) FixQuality() uint8       { return 0 }
func (hostParser) Satellites() uint8       { return 0 }
func (hostParser) Hdop() uint8             { return 0 }
func (hostParser) Reset()                  {}

func main() {
	days := flag.Int("days", 2, "simulated days to run")
	litersPerDay := flag.Int("liters", 80, "liters pumped per simulated day")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if *verbose {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(telemetry.NewSlogHandler(os.Stderr, opts))
	logger.Info("sim:start",
		slog.String("marker", version.BuildMarker),
		slog.Int("days", *days),
	)

	var pins [8]hal.SimPin
	port := modem.NewSimPort()
	clock := rtc.New(hal.NopGate{})
	telemetry.Init(clock.SecondsSinceBoot)

	framer := &modem.Framer{Port: port, Now: clock.SecondsSinceBoot, Log: logger}
	power := &modem.Power{
		Dcdc: &pins[0], En: &pins[1], LsVcc: &pins[2], V18: &pins[3],
		UartSel: &pins[4], Now: clock.SecondsSinceBoot, Log: logger,
	}
	session := &modem.Session{F: framer, P: power, Log: logger}

	dev := flash.NewSim(0x1000, int(config.BackupImageAddr+config.BackupImageSize-0x1000))
	app := record.NewAppStore(dev, logger)
	algo := &water.Scripted{}

	gpsCtl := &gps.Controller{
		OnOff: &pins[5], OnInd: &pins[6], UartSel: &pins[4],
		P: hostParser{}, Now: clock.SecondsSinceBoot, Log: logger,
		Crit: gps.DefaultCriteria(),
	}

	data := &msg.DataSm{S: session, Now: clock.SecondsSinceBoot, Log: logger}
	sched := &msg.Scheduler{Sm: data, Gps: gpsCtl, Log: logger}
	data.Sched = sched
	st := storage.New(dev, clock, algo, sched, logger)
	sched.St = st

	dispatcher := &ota.Dispatcher{
		S: session, St: st, Clock: clock, Gps: gpsCtl,
		App: app, Dev: dev, Sched: sched, Sensor: water.NewSettings(),
		Wd: &hal.SimWatchdog{}, Now: clock.SecondsSinceBoot, Log: logger,
	}
	data.Ota = dispatcher

	e := &exec.Exec{
		Wd: &hal.SimWatchdog{}, Reboot: &hal.SimRebooter{},
		LedRed: &pins[7], LedGrn: &pins[7],
		Clock: clock, Algo: algo,
		Session: session, Framer: framer, Power: power,
		Data: data, Sched: sched, Ota: dispatcher, Gps: gpsCtl,
		St: st, App: app, Log: logger,
	}
	sched.Sensor = e
	e.Init()

	// The simulated modem answers every command with a connected status.
	answer := func() {
		tx := port.TakeTx()
		for len(tx) >= 2 {
			cmd := modem.Cmd(tx[1])
			var flen int
			switch cmd {
			case modem.CmdSendTest, modem.CmdSendData, modem.CmdSendDebugData:
				size := int(tx[2])<<24 | int(tx[3])<<16 | int(tx[4])<<8 | int(tx[5])
				flen = 9 + size
			case modem.CmdGetIncomingPartial:
				flen = 13
			default:
				flen = 5
			}
			switch cmd {
			case modem.CmdModemStatus:
				port.Respond(modem.BuildResponse(cmd, []byte{modem.StateConnected, 0, 0, 0, 0, 0, 0, 1, 0, 0}))
			case modem.CmdMessageStatus:
				port.Respond(modem.BuildResponse(cmd, make([]byte, 18)))
			case modem.CmdGetIncomingPartial:
				port.Respond(modem.BuildResponse(cmd, make([]byte, 8)))
			case modem.CmdSendDebugData:
			default:
				port.Respond(modem.BuildResponse(cmd, nil))
			}
			tx = tx[flen:]
		}
	}

	// Pump the configured volume across the midday hours.
	mlPerTick := uint32(*litersPerDay*1000) / (8 * 3600 * 2)
	halfTicks := *days * 24 * 3600 * 2
	for i := 0; i < halfTicks; i++ {
		hour := st.ClockHour()
		if hour >= 8 && hour < 16 {
			algo.ML += mlPerTick
		}
		clock.HalfSecondTick()
		e.Tick()
		answer()
	}

	fmt.Printf("simulated %d days: activated=%d red-flag=%v week=%d day=%d\n",
		*days, st.DaysActivated(), st.RedFlag(), st.Week(), st.DayOfWeek())
	var pkt [128]byte
	st.DailyLogPacket(0, 0, pkt[:])
	total := uint16(pkt[64])<<8 | uint16(pkt[65])
	fmt.Printf("day 0 total liters: %d\n", total)
}
