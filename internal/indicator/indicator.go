// Package indicator drives a GPIO output that is lit while the fan board is
// not accepting frames.
package indicator

import (
	"fmt"
	"log"

	"fanspeed/internal/fancontrol"
)

// Line is a digital output line.
type Line interface {
	SetValue(v int) error
	Close() error
}

type Config struct {
	// Chip is a gpiochip name or path, e.g. "gpiochip0".
	Chip string
	// Offset is the line offset on Chip. Ignored when Name is set.
	Offset int
	// Name is a line name such as "GPIO17", searched on every chip.
	Name      string
	ActiveLow bool
}

var openLineFn = openLine

// Fault follows the outcome of each control cycle: on after a dropped frame,
// off after the next frame that got through.
type Fault struct {
	line Line
	lit  bool
}

func Open(cfg Config) (*Fault, error) {
	l, err := openLineFn(cfg)
	if err != nil {
		return nil, err
	}
	return New(l), nil
}

func New(l Line) *Fault {
	return &Fault{line: l}
}

func (f *Fault) ObserveCycle(c fancontrol.Cycle) {
	if f == nil || f.line == nil {
		return
	}
	want := c.Err != nil
	if want == f.lit {
		return
	}
	v := 0
	if want {
		v = 1
	}
	if err := f.line.SetValue(v); err != nil {
		log.Printf("indicator: set fault=%d failed: %v", v, err)
		return
	}
	f.lit = want
	log.Printf("indicator: fault=%t", want)
}

// Lit reports whether the fault line is currently driven active.
func (f *Fault) Lit() bool {
	if f == nil {
		return false
	}
	return f.lit
}

func (f *Fault) Close() error {
	if f == nil || f.line == nil {
		return nil
	}
	_ = f.line.SetValue(0)
	err := f.line.Close()
	f.line = nil
	f.lit = false
	if err != nil {
		return fmt.Errorf("indicator: close: %w", err)
	}
	return nil
}
