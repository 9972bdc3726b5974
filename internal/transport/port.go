package transport

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// AutoPort asks the transport to pick the first likely USB serial device.
const AutoPort = "auto"

// Port is the part of a serial device the transport uses. serial.Port
// satisfies it, and so does the simulated firmware.
type Port interface {
	io.ReadWriteCloser
	SetDTR(dtr bool) error
}

// Opener opens the device at path.
type Opener func(path string, baud int) (Port, error)

// readTimeout bounds how long a Read blocks so the reader notices shutdown.
const readTimeout = 200 * time.Millisecond

// OpenSerial opens a real serial device at 8N1.
func OpenSerial(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	return port, nil
}

// Arduino and clone USB vendor IDs.
var preferredVIDs = map[string]bool{
	"2341": true, // Arduino
	"2A03": true, // Arduino (older)
	"1A86": true, // CH340
	"10C4": true, // CP210x
	"0403": true, // FTDI
}

// ListPorts returns the serial ports the OS knows about.
func ListPorts() ([]*enumerator.PortDetails, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}
	return ports, nil
}

// AutoSelectPort returns the first port with an Arduino-like VID, then the
// first USB port, then whatever is left.
func AutoSelectPort() (string, error) {
	ports, err := ListPorts()
	if err != nil {
		return "", err
	}
	name := pickPort(ports)
	if name == "" {
		return "", fmt.Errorf("no serial ports found")
	}
	log.Printf("[serial] auto-selected %s", name)
	return name, nil
}

func pickPort(ports []*enumerator.PortDetails) string {
	for _, p := range ports {
		if p.IsUSB && preferredVIDs[strings.ToUpper(p.VID)] {
			return p.Name
		}
	}
	for _, p := range ports {
		if p.IsUSB {
			return p.Name
		}
	}
	if len(ports) > 0 {
		return ports[0].Name
	}
	return ""
}
