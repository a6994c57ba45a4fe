package tempsource

import (
	"context"
	"fmt"
	"strconv"
)

// Reading is one host temperature. A zero Reading is "no reading", which is
// distinct from a measured 0.0 C.
type Reading struct {
	TempC float64
	Valid bool
}

// NoReading marks a host that did not report, timed out, or reported garbage.
var NoReading = Reading{}

// Celsius returns a valid reading.
func Celsius(v float64) Reading {
	return Reading{TempC: v, Valid: true}
}

func (r Reading) String() string {
	if !r.Valid {
		return "-"
	}
	return strconv.FormatFloat(r.TempC, 'f', 1, 64)
}

// Source returns the latest reading for each host.
//
// Implementations never fail as a whole: hosts that could not be read are
// simply absent from the result (or mapped to NoReading).
type Source interface {
	Query(ctx context.Context, hosts []string) map[string]Reading
}

// Kinds accepted by New.
const (
	KindSSH   = "ssh"
	KindFiles = "files"
)

// Config selects and configures one Source backend.
type Config struct {
	Kind   string
	Format string
	SSH    SSHConfig
	Files  CacheFilesConfig
	// Thermal optionally answers one host from a local thermal zone.
	Thermal ThermalConfig
}

// New builds the configured backend.
func New(cfg Config) (Source, error) {
	format, err := ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	var src Source
	switch cfg.Kind {
	case KindSSH:
		src, err = NewSSH(cfg.SSH, format)
	case KindFiles:
		src, err = NewCacheFiles(cfg.Files, format)
	default:
		return nil, fmt.Errorf("tempsource: unknown kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return WithThermal(src, cfg.Thermal), nil
}
