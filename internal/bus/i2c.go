package bus

import (
	"fmt"

	"fanspeed/internal/i2c"
)

// I2C writes frames to the fan board as an I2C slave.
type I2C struct {
	bus  *i2c.Bus
	dev  *i2c.Dev
	addr uint16
}

func OpenI2C(channel int, addr uint16) (Bus, error) {
	b, err := i2c.Open(fmt.Sprintf("/dev/i2c-%d", channel))
	if err != nil {
		return nil, fmt.Errorf("bus: open i2c channel %d: %w", channel, err)
	}
	return &I2C{bus: b, dev: b.Dev(addr), addr: addr}, nil
}

func (b *I2C) WriteBlock(offset byte, p []byte) error {
	if err := b.dev.WriteBlock(offset, p); err != nil {
		return fmt.Errorf("i2c write addr=0x%02x: %w", b.addr, err)
	}
	return nil
}

func (b *I2C) Close() error {
	return b.bus.Close()
}

func (b *I2C) String() string {
	return fmt.Sprintf("i2c %s addr=0x%02x", b.bus.Path(), b.addr)
}
