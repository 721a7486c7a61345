package relay

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"
)

// PortOptions describes the serial connection to a USB relay board.
type PortOptions struct {
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 9600
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// SerialMode converts the options into the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// SerialLine drives one channel of an LCUS-style USB relay board. Each
// command is the 4-byte frame A0 <channel> <state> <checksum>.
type SerialLine struct {
	mu      sync.Mutex
	port    io.WriteCloser
	channel byte
}

// OpenSerialLine opens the board at path.
func OpenSerialLine(path string, channel int, opts PortOptions) (*SerialLine, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open relay port %s: %w", path, err)
	}
	return NewSerialLine(port, channel)
}

// NewSerialLine wraps an already open port.
func NewSerialLine(port io.WriteCloser, channel int) (*SerialLine, error) {
	if channel < 1 || channel > 8 {
		return nil, fmt.Errorf("relay channel %d out of range 1-8", channel)
	}
	return &SerialLine{port: port, channel: byte(channel)}, nil
}

// Set energizes the relay coil for High and releases it for Low.
func (s *SerialLine) Set(level Level) error {
	frame := commandFrame(s.channel, level == High)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.port.Write(frame[:])
	return err
}

// Close closes the serial port.
func (s *SerialLine) Close() error {
	return s.port.Close()
}

func commandFrame(channel byte, on bool) [4]byte {
	var state byte
	if on {
		state = 1
	}
	return [4]byte{0xA0, channel, state, 0xA0 + channel + state}
}
