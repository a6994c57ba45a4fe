package bus

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// Serial writes frames to a board attached over USB serial. There is no
// register space on a serial link, so the offset is not sent.
type Serial struct {
	name string
	port io.WriteCloser
}

func OpenSerial(name string, baud int) (Bus, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: open serial %s: %w", name, err)
	}
	return &Serial{name: name, port: port}, nil
}

func (s *Serial) WriteBlock(_ byte, p []byte) error {
	n, err := s.port.Write(p)
	if err != nil {
		return fmt.Errorf("serial write %s: %w", s.name, err)
	}
	if n != len(p) {
		return fmt.Errorf("serial write %s: short write %d/%d", s.name, n, len(p))
	}
	return nil
}

func (s *Serial) Close() error {
	return s.port.Close()
}

func (s *Serial) String() string {
	return "serial " + s.name
}
