//go:build linux

package i2c

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Minimal Linux I2C implementation backed by /dev/i2c-*.
//
// Writes go out as a single I2C_RDWR message so a block write reaches the
// device as one transaction, the same bytes on the wire as SMBus
// write_i2c_block_data.

const (
	i2cRdwr = 0x0707

	// MaxBlockLen is the SMBus block limit the fan board's Wire buffer is
	// sized for.
	MaxBlockLen = 32
)

type msg struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   uintptr
}

type rdwrData struct {
	msgs  uintptr
	nmsgs uint32
}

// Bus is an opened I2C bus (e.g., /dev/i2c-1).
//
// Bus itself is not safe for concurrent transfers; the control loop is the
// only writer.
//
//nolint:revive // simple device abstraction.
type Bus struct {
	f    *os.File
	path string
}

func Open(path string) (*Bus, error) {
	path = filepath.Clean(path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Bus{f: f, path: path}, nil
}

// Path is the device node the bus was opened from.
func (b *Bus) Path() string {
	if b == nil {
		return ""
	}
	return b.path
}

func (b *Bus) Close() error {
	if b == nil || b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

func (b *Bus) Dev(addr uint16) *Dev {
	if b == nil {
		return nil
	}
	return &Dev{bus: b, addr: addr}
}

// Dev represents a device at a 7-bit I2C address.
//
//nolint:revive // minimal.
type Dev struct {
	bus  *Bus
	addr uint16
}

func (d *Dev) Write(p []byte) error {
	_, err := d.tx(p)
	return err
}

// WriteBlock writes reg followed by p in one transaction.
func (d *Dev) WriteBlock(reg byte, p []byte) error {
	if len(p) > MaxBlockLen {
		return fmt.Errorf("i2c block too long: %d > %d", len(p), MaxBlockLen)
	}
	w := make([]byte, 0, len(p)+1)
	w = append(w, reg)
	w = append(w, p...)
	return d.Write(w)
}

func (d *Dev) tx(w []byte) (int, error) {
	if d == nil || d.bus == nil || d.bus.f == nil {
		return 0, errors.New("i2c device is nil")
	}
	if d.addr == 0 || d.addr > 0x7F {
		return 0, fmt.Errorf("invalid i2c addr 0x%X", d.addr)
	}
	if len(w) == 0 {
		return 0, nil
	}

	msgs := []msg{{addr: d.addr, flags: 0, len: uint16(len(w)), buf: uintptr(unsafe.Pointer(&w[0]))}}
	data := rdwrData{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(len(msgs))}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.bus.f.Fd(), uintptr(i2cRdwr), uintptr(unsafe.Pointer(&data)))
	if errno != 0 {
		return 0, errno
	}
	return len(w), nil
}
