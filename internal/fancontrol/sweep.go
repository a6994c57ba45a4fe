package fancontrol

import (
	"context"
	"fmt"
	"log"
	"time"

	"fanspeed/internal/fanproto"
)

const (
	DefaultSweepStep     = 5
	DefaultSweepInterval = 2 * time.Second
)

type SweepConfig struct {
	Settings fanproto.Settings
	Step     byte
	Interval time.Duration
	// Rounds limits the number of up/down ramps; 0 sweeps until ctx is done.
	Rounds int
}

// SweepLevels is one up-and-down ramp from 0 to the highest fan max, in
// steps. Every fan is clamped into its own range when the level is sent.
func SweepLevels(top, step byte) []byte {
	if step == 0 {
		step = DefaultSweepStep
	}
	var up []byte
	for v := 0; v < int(top); v += int(step) {
		up = append(up, byte(v))
	}
	levels := append([]byte(nil), up...)
	levels = append(levels, top)
	for i := len(up) - 1; i > 0; i-- {
		levels = append(levels, up[i])
	}
	return levels
}

func clampSpeed(v byte, r fanproto.Range) byte {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// Sweep drives all fans through their ranges so the board and fans can be
// checked on the bench. Send failures are logged and the sweep carries on.
func Sweep(ctx context.Context, tx Sender, cfg SweepConfig) error {
	if tx == nil {
		return fmt.Errorf("fancontrol: sender is nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	var top byte
	for _, r := range cfg.Settings.Ranges {
		if r.Max > top {
			top = r.Max
		}
	}
	levels := SweepLevels(top, cfg.Step)

	for round := 0; cfg.Rounds == 0 || round < cfg.Rounds; round++ {
		for _, level := range levels {
			var speeds [NumFans]byte
			for i, r := range cfg.Settings.Ranges {
				speeds[i] = clampSpeed(level, r)
			}
			failed, err := tx.Send(ctx, fanproto.Encode(speeds, cfg.Settings))
			if err != nil {
				log.Printf("fancontrol: sweep level=%d failed=%d: %v", level, failed, err)
			} else {
				log.Printf("fancontrol: sweep level=%d speeds=%v", level, speeds)
			}
			select {
			case <-afterFn(cfg.Interval):
			case <-ctx.Done():
				return nil
			}
		}
	}
	return nil
}
