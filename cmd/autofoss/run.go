package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mpg-foss/autofoss/controller/daemon"
	"github.com/mpg-foss/autofoss/controller/modules/drain"
)

func RunCmd(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run drain cycles until interrupted",
		Long: `Run records drains and refills the tank in a loop.

Press CTRL-C once to finish the current drain and stop, twice to stop
immediately. SIGTERM stops immediately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cli.V)
			if err != nil {
				return err
			}
			level, err := logrus.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			logrus.SetLevel(level)
			prompt := cli.prompt(cfg.Headless)
			if cfg.Gator.Log {
				ok, err := prompt.Confirm("Printing every gator sample slows the capture down. Continue?", false)
				if err != nil {
					return err
				}
				if !ok {
					cli.ExitCode = drain.ExitAborted
					return nil
				}
			}

			opts := cli.Options
			opts.Prompt = prompt
			d, err := daemon.New(cfg, opts)
			if err != nil {
				return err
			}
			defer func() {
				if err := d.Close(); err != nil {
					logrus.Warnf("Failed to release hardware: %s", err)
				}
			}()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			stop := forwardSignals(d, cancel)
			defer stop()

			code, err := d.Run(ctx)
			cli.ExitCode = code
			return err
		},
	}

	flags := cmd.Flags()
	flags.String("scale-port", "", "Serial port of the scale")
	flags.String("power-port", "", "Serial port of the power supply")
	flags.Duration("weight-timeout", 0, "Time without weight change after which the tank counts as drained")
	flags.Duration("packet-timeout", 0, "Time without gator data after which the gator counts as disconnected")
	flags.Float64("bucket-weight", 0, "Bucket weight (lb) below which the tank counts as refilled")
	flags.Duration("extra-runtime", 0, "How long the pump keeps running after the bucket weight is reached")
	flags.Duration("refill-timeout", 0, "Ask for help when a refill takes longer than this (0 waits forever)")
	flags.String("out-dir", "", "Directory for the gator CSV files")
	flags.String("address", "", "Address of the HTTP API, e.g. 127.0.0.1:8080")
	flags.String("schedule", "", "RRULE pacing the drains, e.g. FREQ=HOURLY;INTERVAL=2")
	flags.Bool("refill-only", false, "Refill the tank and exit")
	flags.Bool("refill-first", false, "Refill the tank before the first drain")
	flags.Bool("no-refill", false, "Record a single drain and exit")
	flags.Bool("no-log-scale", false, "Do not print scale readings")
	flags.Bool("log-gator", false, "Print every gator sample (slow)")
	flags.Bool("dev-mode", false, "Simulate the scale, gator and power supply")
	flags.Bool("headless", false, "Never prompt, answer every question with its default")
	cmd.MarkFlagsMutuallyExclusive("refill-only", "refill-first", "no-refill")

	return cmd
}

// loadConfig reads the configuration file and applies flag and AUTOFOSS_*
// environment overrides.
func loadConfig(v *viper.Viper) (daemon.Config, error) {
	cfg, err := daemon.LoadConfig(v.GetString("config"))
	if err != nil {
		return cfg, err
	}
	if v.IsSet("db") {
		cfg.Database = v.GetString("db")
	}
	if v.IsSet("log-level") {
		cfg.LogLevel = v.GetString("log-level")
	}
	if v.IsSet("scale-port") {
		cfg.Scale.Port = v.GetString("scale-port")
	}
	if v.IsSet("power-port") {
		cfg.Power.Port = v.GetString("power-port")
	}
	if v.IsSet("weight-timeout") {
		cfg.Scale.WeightTimeout = v.GetDuration("weight-timeout")
	}
	if v.IsSet("packet-timeout") {
		cfg.Scale.PacketTimeout = v.GetDuration("packet-timeout")
	}
	if v.IsSet("bucket-weight") {
		cfg.Refill.Threshold = v.GetFloat64("bucket-weight")
	}
	if v.IsSet("extra-runtime") {
		cfg.Refill.ExtraRuntime = v.GetDuration("extra-runtime")
	}
	if v.IsSet("refill-timeout") {
		cfg.Drain.RefillTimeout = v.GetDuration("refill-timeout")
	}
	if v.IsSet("out-dir") {
		cfg.Recorder.Dir = v.GetString("out-dir")
	}
	if v.IsSet("address") {
		cfg.Address = v.GetString("address")
	}
	if v.IsSet("schedule") {
		cfg.Drain.Schedule = v.GetString("schedule")
	}
	if v.GetBool("refill-only") {
		cfg.Drain.Mode = drain.RefillOnly
	}
	if v.GetBool("refill-first") {
		cfg.Drain.Mode = drain.RefillFirst
	}
	if v.GetBool("no-refill") {
		cfg.Drain.Mode = drain.NoRefill
	}
	if v.GetBool("no-log-scale") {
		cfg.Scale.Log = false
	}
	if v.GetBool("log-gator") {
		cfg.Gator.Log = true
	}
	if v.GetBool("dev-mode") {
		cfg.DevMode = true
	}
	if v.GetBool("headless") {
		cfg.Headless = true
	}
	return cfg, nil
}

// forwardSignals turns every SIGINT into an operator interrupt and SIGTERM
// into a cancellation.
func forwardSignals(d *daemon.Daemon, cancel context.CancelFunc) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case s := <-sigs:
				if s == syscall.SIGTERM {
					logrus.Warn("SIGTERM received, shutting down")
					cancel()
					continue
				}
				d.Interrupt()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
