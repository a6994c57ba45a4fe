//go:build linux && (arm || arm64)

package indicator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "fanspeed-fault"

// openLine requests the fault line as an output, initially inactive.
func openLine(cfg Config) (Line, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0), gpiocdev.WithConsumer(consumer)}
	if cfg.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}

	if cfg.Name == "" {
		if cfg.Offset < 0 {
			return nil, fmt.Errorf("indicator: invalid gpio offset %d", cfg.Offset)
		}
		chip, err := gpiocdev.NewChip(cfg.Chip)
		if err != nil {
			return nil, fmt.Errorf("indicator: open %s: %w", cfg.Chip, err)
		}
		line, err := chip.RequestLine(cfg.Offset, opts...)
		if err != nil {
			_ = chip.Close()
			return nil, fmt.Errorf("indicator: request %s line %d: %w", cfg.Chip, cfg.Offset, err)
		}
		return &gpiodLine{chip: chip, line: line}, nil
	}

	// Header GPIOs are not always on gpiochip0, so try the configured chip
	// first and then every chip in /dev.
	var chipCandidates []string
	if cfg.Chip != "" {
		chipCandidates = append(chipCandidates, cfg.Chip)
	}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "gpiochip") {
			chipCandidates = append(chipCandidates, filepath.Join("/dev", name))
		}
	}

	for _, chipPath := range chipCandidates {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(cfg.Name)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, opts...)
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &gpiodLine{chip: chip, line: line}, nil
	}

	return nil, fmt.Errorf("indicator: gpio line %q not found (or busy)", cfg.Name)
}

type gpiodLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *gpiodLine) SetValue(v int) error {
	if g == nil || g.line == nil {
		return fmt.Errorf("indicator: gpio line not open")
	}
	return g.line.SetValue(v)
}

func (g *gpiodLine) Close() error {
	if g == nil || g.line == nil {
		return nil
	}
	err := g.line.Close()
	g.line = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}
