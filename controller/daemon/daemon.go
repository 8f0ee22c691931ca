// Package daemon builds the rig from its configuration and runs the drain
// cycle together with the API server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/mpg-foss/autofoss/controller/modules/drain"
	"github.com/mpg-foss/autofoss/controller/modules/gator"
	"github.com/mpg-foss/autofoss/controller/modules/power"
	"github.com/mpg-foss/autofoss/controller/modules/recorder"
	"github.com/mpg-foss/autofoss/controller/modules/refill"
	"github.com/mpg-foss/autofoss/controller/modules/scale"
	"github.com/mpg-foss/autofoss/controller/prompts"
	"github.com/mpg-foss/autofoss/controller/registry"
	"github.com/mpg-foss/autofoss/controller/storage"
	"github.com/mpg-foss/autofoss/controller/telemetry"
)

// Registry priorities: power comes up first and goes down last.
const (
	powerPriority  = 0
	gatorPriority  = 1
	scalePriority  = 2
	refillPriority = -1
)

// Options replace hardware access, mostly for tests. Unset fields are built
// from the configuration.
type Options struct {
	Prompt      prompts.Prompt
	GatorDevice gator.Device
	ScaleSource scale.Source
	PowerOpener power.Opener
}

type Daemon struct {
	config       Config
	store        storage.Store
	reg          *registry.Registry
	power        *power.Supply
	scale        *scale.Scale
	gator        *gator.Gator
	telemetry    *telemetry.Telemetry
	orchestrator *drain.Orchestrator
	router       *mux.Router
	listener     net.Listener
	server       *http.Server
}

// New builds every component and registers it. Configuration problems are
// reported here, before any hardware is switched.
func New(c Config, opts Options) (*Daemon, error) {
	c.link()
	store, err := storage.New(c.Database)
	if err != nil {
		return nil, err
	}
	d := &Daemon{config: c, store: store, reg: registry.New()}
	if err := d.build(opts); err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build(opts Options) error {
	c := d.config
	open := opts.PowerOpener
	if open == nil {
		open = power.SerialOpener(c.Power)
		if c.DevMode {
			open = power.NopOpener()
		}
	}
	d.power = power.New(c.Power, open)

	source := opts.ScaleSource
	if source == nil {
		if c.DevMode {
			valve, pump := d.power.Pin(c.Gator.ValveChannel), d.power.Pin(c.Refill.PumpChannel)
			source = scale.NewSimulatedBucket(valve, pump, c.Refill.Threshold, c.Simulation.TankCapacity)
		} else {
			s, err := scale.OpenSerial(c.Scale.Port, c.Scale.Baud, time.Second)
			if err != nil {
				return err
			}
			source = s
		}
	}
	d.scale = scale.New(c.Scale, source, d.reg)

	device := opts.GatorDevice
	if device == nil {
		if !c.DevMode {
			return errors.New("no gator device available: the interrogator SDK is not linked into this build, run with dev mode or supply a device")
		}
		device = gator.NewSimulatedDevice()
	}
	g, err := gator.New(c.Gator, device, d.reg)
	if err != nil {
		return err
	}
	d.gator = g

	ref := refill.New(c.Refill, d.scale, d.power.Pin(c.Refill.PumpChannel))

	for _, e := range []struct {
		name     string
		c        registry.Component
		priority int
	}{
		{c.Drain.Power, d.power, powerPriority},
		{c.Drain.Gator, d.gator, gatorPriority},
		{c.Drain.Scale, d.scale, scalePriority},
		{c.Drain.Refill, ref, refillPriority},
	} {
		if err := d.reg.Add(e.name, e.c, e.priority); err != nil {
			return err
		}
	}
	for _, name := range d.reg.Names() {
		p, err := d.reg.Priority(name)
		if err != nil {
			return err
		}
		if p < 0 {
			log.Debugf("component %s: started on demand", name)
			continue
		}
		log.Debugf("component %s: priority %d", name, p)
	}

	t, err := telemetry.New(c.Telemetry)
	if err != nil {
		return err
	}
	d.telemetry = t

	prompt := opts.Prompt
	if prompt == nil {
		prompt = prompts.New(c.Headless)
	}
	o, err := drain.New(c.Drain, d.reg, drain.Options{
		Store:     d.store,
		Writer:    recorder.New(c.Recorder, prompt),
		Prompt:    prompt,
		Telemetry: d.telemetry,
	})
	if err != nil {
		return err
	}
	if err := o.Setup(); err != nil {
		return err
	}
	d.orchestrator = o

	d.router = mux.NewRouter()
	o.LoadAPI(d.router)
	d.router.Handle("/metrics", d.telemetry.Handler()).Methods("GET")
	return nil
}

// Interrupt forwards an operator interrupt to the drain cycle.
func (d *Daemon) Interrupt() {
	d.orchestrator.Interrupt()
}

func (d *Daemon) Registry() *registry.Registry {
	return d.reg
}

func (d *Daemon) Router() *mux.Router {
	return d.router
}

// Run serves the API and runs the drain cycle until it ends. It returns
// the process exit code.
func (d *Daemon) Run(ctx context.Context) (int, error) {
	if err := d.telemetry.Start(); err != nil {
		return drain.ExitAborted, err
	}
	defer d.telemetry.Stop()

	if d.config.Address != "" {
		if err := d.serve(); err != nil {
			return drain.ExitAborted, err
		}
		defer d.shutdown()
	}

	if d.config.InhibitSleep {
		inhibitor, err := inhibitSleep("drain cycle in progress")
		if err != nil {
			log.Warnf("Could not block system sleep: %s", err)
		} else {
			defer inhibitor.Close()
		}
	}

	if ok, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		log.Warnf("systemd notification failed: %s", err)
	} else if ok {
		log.Debug("Notified systemd")
	}
	defer sd.SdNotify(false, sd.SdNotifyStopping)

	return d.orchestrator.Run(ctx)
}

func (d *Daemon) serve() error {
	l, err := net.Listen("tcp", d.config.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.config.Address, err)
	}
	d.listener = l
	d.server = &http.Server{Handler: d.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := d.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("API server: %s", err)
		}
	}()
	log.Infof("API listening on %s", l.Addr())
	return nil
}

// Addr is the address the API listens on, nil before Run.
func (d *Daemon) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.server.Shutdown(ctx); err != nil {
		log.Warnf("API server shutdown: %s", err)
	}
}

// Close releases the ports and the database.
func (d *Daemon) Close() error {
	var err error
	for _, c := range []io.Closer{d.gator, d.scale} {
		err = multierr.Append(err, c.Close())
	}
	err = multierr.Append(err, d.power.Stop())
	return multierr.Append(err, d.store.Close())
}
