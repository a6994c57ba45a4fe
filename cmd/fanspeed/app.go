package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"

	"fanspeed/internal/bus"
	"fanspeed/internal/config"
	"fanspeed/internal/fancontrol"
	"fanspeed/internal/fanproto"
	"fanspeed/internal/indicator"
	"fanspeed/internal/metrics"
	"fanspeed/internal/tempsource"
	"fanspeed/internal/transport"
)

var (
	openBusFn       = bus.Open
	openIndicatorFn = indicator.Open
)

func settingsFromConfig(c config.Config) fanproto.Settings {
	var s fanproto.Settings
	for i, r := range c.Fans.Ranges {
		s.Ranges[i] = fanproto.Range{Min: byte(r.Min), Max: byte(r.Max)}
	}
	s.PWMOutput = byte(c.Fans.PWMOutput)
	s.SupplyVoltage = byte(c.Fans.SupplyVoltage)
	return s
}

func controlConfig(c config.Config) fancontrol.Config {
	hosts := make([]fancontrol.HostFan, 0, len(c.Hosts))
	for _, h := range c.Hosts {
		hosts = append(hosts, fancontrol.HostFan{Host: h.Host, Fan: h.Fan})
	}
	return fancontrol.Config{
		Curve: fancontrol.Curve{
			OffTempC:       c.Fans.OffTemp,
			MinTempC:       c.Fans.MinTemp,
			MaxTempC:       c.Fans.MaxTemp,
			NoReadingSpeed: byte(*c.Fans.NoReadingSpeed),
		},
		Settings:     settingsFromConfig(c),
		Hosts:        hosts,
		Period:       c.Loop.Period,
		RetryPenalty: c.Loop.RetryPenalty,
	}
}

func busConfig(c config.Config) bus.Config {
	bc := bus.Config{
		Driver:   c.Bus.Driver,
		Address:  uint16(c.Bus.Address),
		Port:     c.Bus.Port,
		BaudRate: c.Bus.BaudRate,
	}
	if c.Bus.Channel != nil {
		bc.Channel = *c.Bus.Channel
	}
	return bc
}

func transportConfig(c config.Config) transport.Config {
	return transport.Config{
		Markers: fanproto.Markers{
			Start: byte(*c.Protocol.StartMarker),
			End:   byte(*c.Protocol.EndMarker),
		},
		Offset:   byte(c.Protocol.Offset),
		Attempts: c.Transport.Attempts,
		Backoff:  c.Transport.Backoff,
	}
}

func sourceConfig(c config.Config) tempsource.Config {
	s := c.Source
	return tempsource.Config{
		Kind:   s.Kind,
		Format: s.Format,
		SSH: tempsource.SSHConfig{
			User:                  s.SSH.User,
			Port:                  s.SSH.Port,
			KeyPath:               s.SSH.KeyPath,
			KnownHostsPath:        s.SSH.KnownHosts,
			InsecureIgnoreHostKey: s.SSH.InsecureIgnoreHostKey,
			Command:               s.SSH.Command,
			Sudo:                  s.SSH.Sudo,
			ConnectTimeout:        s.SSH.ConnectTimeout,
			CommandTimeout:        s.SSH.CommandTimeout,
		},
		Files: tempsource.CacheFilesConfig{
			Dir:    s.Files.Dir,
			Suffix: s.Files.Suffix,
			MaxAge: s.Files.MaxAge,
		},
		Thermal: tempsource.ThermalConfig{
			Host: s.Thermal.Host,
			Path: s.Thermal.Path,
		},
	}
}

func indicatorConfig(c config.Config) indicator.Config {
	return indicator.Config{
		Chip:      c.Indicator.Chip,
		Offset:    c.Indicator.Line,
		Name:      c.Indicator.Name,
		ActiveLow: c.Indicator.ActiveLow,
	}
}

// controller is everything the control loop needs, opened from config.
type controller struct {
	svc     *fancontrol.Service
	metrics *metrics.Metrics
	closers []func() error
}

func (c *controller) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.Printf("fanspeed: close: %v", err)
		}
	}
	c.closers = nil
}

func openController(cfg config.Config) (*controller, error) {
	src, err := tempsource.New(sourceConfig(cfg))
	if err != nil {
		return nil, err
	}
	b, err := openBusFn(busConfig(cfg))
	if err != nil {
		return nil, err
	}
	c := &controller{closers: []func() error{b.Close}}
	log.Printf("fanspeed: bus %v hosts=%d source=%s", b, len(cfg.Hosts), cfg.Source.Kind)

	var obs []fancontrol.Observer
	if cfg.Metrics.Listen != "" {
		c.metrics = metrics.New()
		obs = append(obs, c.metrics)
	}
	if cfg.Indicator.Enable {
		fault, err := openIndicatorFn(indicatorConfig(cfg))
		if err != nil {
			// The fault LED is optional; keep controlling fans without it.
			log.Printf("indicator init failed: %v", err)
		} else {
			c.closers = append(c.closers, fault.Close)
			obs = append(obs, fault)
		}
	}

	svc, err := fancontrol.New(controlConfig(cfg), src, transport.New(b, transportConfig(cfg)), obs...)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.svc = svc
	return c, nil
}

func runOnce(ctx context.Context, cfg config.Config) error {
	c, err := openController(cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.svc.RunOnce(ctx).Err
}

// runLoop runs the control loop, the optional HTTP endpoint and a signal
// handler until one of them stops or ctx is canceled.
func runLoop(ctx context.Context, cfg config.Config) error {
	c, err := openController(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	var g run.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return c.svc.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	if c.metrics != nil {
		ln, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics listen %s: %w", cfg.Metrics.Listen, err)
		}
		logs := metrics.NewLogBuffer(metrics.DefaultLogLines)
		prev := log.Writer()
		log.SetOutput(io.MultiWriter(prev, logs))
		defer log.SetOutput(prev)

		srv := &http.Server{
			Handler:           metrics.Handler(c.metrics, c.svc.Snapshot, logs),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       30 * time.Second,
		}
		log.Printf("fanspeed: http listening on %s", ln.Addr())
		g.Add(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	log.Printf("fanspeed starting period=%s", cfg.Loop.Period)
	err = g.Run()
	log.Printf("fanspeed stopping")

	var sig run.SignalError
	if errors.As(err, &sig) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runSweep(ctx context.Context, cfg config.Config, step byte, interval time.Duration, rounds int) error {
	b, err := openBusFn(busConfig(cfg))
	if err != nil {
		return err
	}
	defer b.Close()

	return fancontrol.Sweep(ctx, transport.New(b, transportConfig(cfg)), fancontrol.SweepConfig{
		Settings: settingsFromConfig(cfg),
		Step:     step,
		Interval: interval,
		Rounds:   rounds,
	})
}
