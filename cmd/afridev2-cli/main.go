// Command afridev2-cli is the bench tool for the AfridevV2 sensor's cellular
// modem: it speaks the same framed command protocol the firmware uses, over
// a serial port or a TCP bridge. Used in manufacturing test and for staging
// firmware images onto a bench modem.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tarm/serial"
	"golang.org/x/term"

	"charitywater/afridev2/crc16"
	"charitywater/afridev2/modem"
)

const (
	defaultBaud    = 9600
	defaultTimeout = 10 * time.Second
	chunkSize      = 512
)

func main() {
	port := flag.String("port", "", "Serial port (e.g. /dev/ttyUSB0)")
	host := flag.String("host", "", "TCP bridge address (host:port)")
	baud := flag.Int("baud", defaultBaud, "Serial baud rate")
	cmd := flag.String("cmd", "", "Single command to execute (interactive mode if empty)")
	flag.Parse()

	if *port == "" && *host == "" {
		printUsage()
		os.Exit(1)
	}

	if *cmd == "" && flag.NArg() > 0 {
		*cmd = flag.Arg(0)
	}

	link, err := dial(*port, *host, *baud)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer link.Close()

	if *cmd != "" {
		args := flag.Args()
		if len(args) > 0 && args[0] == *cmd {
			args = args[1:]
		}
		if err := runCommand(link, *cmd, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := interactive(link); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("AfridevV2 modem bench CLI")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  afridev2-cli -port /dev/ttyUSB0 [command]")
	fmt.Println("  afridev2-cli -host 192.168.1.50:9100 [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  ping                   Verify the modem answers")
	fmt.Println("  status                 Network state, voltage, RSSI")
	fmt.Println("  msgstatus              Mailbox counts and sizes")
	fmt.Println("  sendtest               Send the test message")
	fmt.Println("  send <file>            Send a file as one data message")
	fmt.Println("  push-fw <file>         Stage a firmware image in chunks")
	fmt.Println("  mailbox                Dump the pending incoming message")
	fmt.Println("  delete                 Delete the pending incoming message")
	fmt.Println("  poweroff               Command the modem to power down")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  afridev2-cli -port /dev/ttyUSB0            # interactive")
	fmt.Println("  afridev2-cli -port /dev/ttyUSB0 status")
	fmt.Println("  afridev2-cli -host 10.0.0.7:9100 push-fw app.bin")
}

// dial opens the serial port or TCP bridge.
func dial(port, host string, baud int) (io.ReadWriteCloser, error) {
	if port != "" {
		return serial.OpenPort(&serial.Config{
			Name:        port,
			Baud:        baud,
			ReadTimeout: 250 * time.Millisecond,
		})
	}
	return net.DialTimeout("tcp", host, defaultTimeout)
}

// interactive runs a command prompt against the modem.
func interactive(link io.ReadWriteCloser) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("interactive mode needs a terminal; use -cmd")
	}
	fmt.Println("Connected. Type 'help' for commands, 'quit' to exit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return nil
		}
		line := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(line) == 0 {
			continue
		}
		switch line[0] {
		case "quit", "exit":
			return nil
		case "help":
			printUsage()
		default:
			if err := runCommand(link, line[0], line[1:]); err != nil {
				fmt.Println("error:", err)
			}
		}
	}
}

func runCommand(link io.ReadWriter, cmd string, args []string) error {
	switch cmd {
	case "ping":
		if _, err := exchange(link, modem.Request{Cmd: modem.CmdPing}); err != nil {
			return err
		}
		fmt.Println("pong")
		return nil

	case "status":
		frame, err := exchange(link, modem.Request{Cmd: modem.CmdModemStatus})
		if err != nil {
			return err
		}
		s := modem.ParseStatus(frame)
		fmt.Printf("state:    %#02x (up=%v err=%v)\n", s.State, s.NetworkUp(), s.NetworkError())
		fmt.Printf("voltage:  %d mV\n", s.Voltage)
		fmt.Printf("rssi:     -%d dBm (%d%%)\n", s.RSSI, s.SignalStrength)
		fmt.Printf("temp:     %d C\n", s.Temperature)
		fmt.Printf("provisioned: %v\n", s.Provisioned)
		return nil

	case "msgstatus":
		frame, err := exchange(link, modem.Request{Cmd: modem.CmdMessageStatus})
		if err != nil {
			return err
		}
		ms := modem.ParseMessageStatus(frame)
		fmt.Printf("incoming: %d msgs, %d bytes\n", ms.Incoming.Count, ms.Incoming.Size)
		fmt.Printf("test:     %d msgs, %d bytes\n", ms.Test.Count, ms.Test.Size)
		fmt.Printf("data:     %d msgs, %d bytes\n", ms.Data.Count, ms.Data.Size)
		return nil

	case "sendtest":
		if _, err := exchange(link, modem.Request{Cmd: modem.CmdSendTest, Payload: []byte{0x2F}}); err != nil {
			return err
		}
		fmt.Println("test message accepted")
		return nil

	case "send":
		if len(args) < 1 {
			return errors.New("usage: send <file>")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		if _, err := exchange(link, modem.Request{Cmd: modem.CmdSendData, Payload: data}); err != nil {
			return err
		}
		fmt.Printf("sent %d bytes (crc %#04x)\n", len(data), crc16.Checksum(data))
		return nil

	case "push-fw":
		if len(args) < 1 {
			return errors.New("usage: push-fw <file>")
		}
		return pushFirmware(link, args[0])

	case "mailbox":
		return dumpMailbox(link)

	case "delete":
		if _, err := exchange(link, modem.Request{Cmd: modem.CmdDeleteIncoming}); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil

	case "poweroff":
		if _, err := exchange(link, modem.Request{Cmd: modem.CmdPowerOff}); err != nil {
			return err
		}
		fmt.Println("modem powering down")
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// pushFirmware sends an image as sequential data-message chunks, the same
// transfer the cloud performs before issuing the firmware-upgrade OTA.
func pushFirmware(link io.ReadWriter, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	crc := crc16.Checksum(data)
	fmt.Printf("Firmware: %s\n", path)
	fmt.Printf("Size: %d bytes (%d KB), CRC16 %#04x\n", len(data), len(data)/1024, crc)

	bar := progressbar.DefaultBytes(int64(len(data)), "staging")
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := exchange(link, modem.Request{Cmd: modem.CmdSendData, Payload: data[off:end]}); err != nil {
			return fmt.Errorf("chunk at %d: %w", off, err)
		}
		bar.Add(end - off)
	}
	fmt.Printf("\nStaged. Issue the firmware-upgrade OTA with CRC %#04x.\n", crc)
	return nil
}

// dumpMailbox reads the pending incoming message with the two-phase probe
// the firmware uses.
func dumpMailbox(link io.ReadWriter) error {
	frame, err := exchange(link, modem.Request{Cmd: modem.CmdGetIncomingPartial})
	if err != nil {
		return err
	}
	probe := modem.ParseIncomingPartial(frame)
	if probe.Remaining == 0 {
		fmt.Println("mailbox empty")
		return nil
	}
	fmt.Printf("pending message: %d bytes\n", probe.Remaining)

	offset := uint32(0)
	for offset < probe.Remaining {
		size := probe.Remaining - offset
		if size > chunkSize {
			size = chunkSize
		}
		frame, err := exchange(link, modem.Request{
			Cmd: modem.CmdGetIncomingPartial, Offset: offset, Size: size,
		})
		if err != nil {
			return err
		}
		part := modem.ParseIncomingPartial(frame)
		hexDump(offset, part.Payload)
		offset += size
	}
	return nil
}

func hexDump(base uint32, data []byte) {
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Printf("%08x  % x\n", base+uint32(i), data[i:end])
	}
}

// exchange sends one framed command and reads back its validated response.
func exchange(link io.ReadWriter, req modem.Request) ([]byte, error) {
	buf := make([]byte, 16+len(req.Payload))
	n := modem.Encode(buf, req)
	if _, err := link.Write(buf[:n]); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	want := modem.ExpectedResponseLength(req)
	if want == 0 {
		return nil, nil
	}

	resp := make([]byte, want)
	deadline := time.Now().Add(defaultTimeout)
	got := 0
	one := make([]byte, 256)
	for got < want {
		if time.Now().After(deadline) {
			return nil, errors.New("response timeout")
		}
		k, err := link.Read(one)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		for i := 0; i < k; i++ {
			b := one[i]
			if got == 0 && b != modem.FrameStartRx {
				continue // noise before the frame
			}
			resp[got] = b
			got++
			if got == want {
				break
			}
		}
	}

	if !modem.ValidateResponse(resp, req) {
		return nil, errors.New("bad response frame")
	}
	return resp, nil
}
