// Package bus opens the physical link to the fan board. Both drivers carry
// the same frame; they differ only in how the bytes reach the board.
package bus

import (
	"fmt"
	"io"
)

const (
	DriverI2C    = "i2c"
	DriverSerial = "serial"

	DefaultI2CChannel = 1
	DefaultAddress    = 0x10
	DefaultBaudRate   = 115200
)

// Bus is a transport.Bus that can be closed.
type Bus interface {
	WriteBlock(offset byte, p []byte) error
	io.Closer
}

type Config struct {
	Driver string

	// I2C: /dev/i2c-<Channel>, 7-bit device Address.
	Channel int
	Address uint16

	// Serial: port name and baud rate.
	Port     string
	BaudRate int
}

var (
	openI2CFn    = OpenI2C
	openSerialFn = OpenSerial
)

// Open returns the configured driver.
func Open(cfg Config) (Bus, error) {
	switch cfg.Driver {
	case DriverI2C, "":
		if cfg.Channel < 0 {
			return nil, fmt.Errorf("bus: invalid i2c channel %d", cfg.Channel)
		}
		if cfg.Address == 0 {
			cfg.Address = DefaultAddress
		}
		return openI2CFn(cfg.Channel, cfg.Address)
	case DriverSerial:
		if cfg.Port == "" {
			return nil, fmt.Errorf("bus: serial port is required")
		}
		if cfg.BaudRate == 0 {
			cfg.BaudRate = DefaultBaudRate
		}
		return openSerialFn(cfg.Port, cfg.BaudRate)
	default:
		return nil, fmt.Errorf("bus: unknown driver %q", cfg.Driver)
	}
}
