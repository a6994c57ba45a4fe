package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"fanspeed/internal/config"
)

type options struct {
	Config string `short:"c" long:"config" default:"/etc/fanspeed/fanspeed.yaml" description:"Path to YAML config"`
}

type runCommand struct {
	opts *options
	Once bool `long:"once" description:"Run a single control cycle and exit"`
}

func (c *runCommand) Execute(_ []string) error {
	cfg, err := config.Load(c.opts.Config)
	if err != nil {
		return err
	}
	if c.Once {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runOnce(ctx, cfg)
	}
	return runLoop(context.Background(), cfg)
}

type sweepCommand struct {
	opts     *options
	Step     uint8         `long:"step" default:"5" description:"Speed increment per frame"`
	Interval time.Duration `long:"interval" default:"2s" description:"Delay between frames"`
	Rounds   int           `long:"rounds" default:"0" description:"Number of up/down ramps, 0 runs until interrupted"`
}

func (c *sweepCommand) Execute(_ []string) error {
	cfg, err := config.Load(c.opts.Config)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return runSweep(ctx, cfg, c.Step, c.Interval, c.Rounds)
}

func newParser() (*flags.Parser, *runCommand) {
	var opts options
	p := flags.NewParser(&opts, flags.Default)
	p.SubcommandsOptional = true

	run := &runCommand{opts: &opts}
	_, _ = p.AddCommand("run", "Run the control loop", "Poll host temperatures and drive the fan board until interrupted.", run)
	_, _ = p.AddCommand("sweep", "Ramp every fan through its range", "Send a slow up/down ramp to bench-test the fan board and fans.", &sweepCommand{opts: &opts})
	return p, run
}

func main() {
	p, run := newParser()
	if _, err := p.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
	// No subcommand: behave like "run".
	if p.Active == nil {
		if err := run.Execute(nil); err != nil {
			log.Fatalf("fanspeed: %v", err)
		}
	}
}
