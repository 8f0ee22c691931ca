package gator

import (
	"fmt"
	"sync"
	"time"

	"github.com/reef-pi/hal"
	"github.com/sirupsen/logrus"

	"github.com/mpg-foss/autofoss/controller/registry"
)

// Sample is one converted reading tagged with the drain's elapsed time and
// the bucket weight at arrival.
type Sample struct {
	Timestamp time.Time
	Elapsed   float64
	Weight    float64
	Sensors   [Sensors]float64
}

// WeightReader is implemented by the scale.
type WeightReader interface {
	Weight() float64
	Initialized() bool
}

// Switch is implemented by the power supply, which hands out its outputs as
// digital pins.
type Switch interface {
	Pin(channel int) hal.DigitalOutputPin
}

type Config struct {
	Conversion   string `json:"conversion" yaml:"conversion"`
	Scale        string `json:"scale" yaml:"scale"`
	Power        string `json:"power" yaml:"power"`
	NoiseChannel int    `json:"noise_channel" yaml:"noise_channel"`
	ValveChannel int    `json:"valve_channel" yaml:"valve_channel"`
	// Log prints every sample. Only for debugging, it slows capture down.
	Log bool `json:"log" yaml:"log"`
}

func DefaultConfig() Config {
	return Config{
		Conversion:   DefaultConversion,
		Scale:        "scale",
		Power:        "power",
		NoiseChannel: 1,
		ValveChannel: 3,
	}
}

// Gator captures sensor samples for the duration of one drain.
type Gator struct {
	config   Config
	device   Device
	registry *registry.Registry
	conv     *Converter

	mu         sync.Mutex
	scale      WeightReader
	noise      hal.DigitalOutputPin
	valve      hal.DigitalOutputPin
	samples    []Sample
	start      time.Time
	lastPacket time.Time
	streaming  bool
	connected  bool
}

func New(config Config, device Device, r *registry.Registry) (*Gator, error) {
	conv, err := NewConverter(config.Conversion)
	if err != nil {
		return nil, err
	}
	return &Gator{
		config:   config,
		device:   device,
		registry: r,
		conv:     conv,
	}, nil
}

func (g *Gator) siblings() (WeightReader, Switch, error) {
	c, err := g.registry.Get(g.config.Scale)
	if err != nil {
		return nil, nil, err
	}
	scale, ok := c.(WeightReader)
	if !ok {
		return nil, nil, fmt.Errorf("component %s does not report weight", g.config.Scale)
	}
	c, err = g.registry.Get(g.config.Power)
	if err != nil {
		return nil, nil, err
	}
	power, ok := c.(Switch)
	if !ok {
		return nil, nil, fmt.Errorf("component %s cannot switch channels", g.config.Power)
	}
	return scale, power, nil
}

// Start enables the noise generator, starts streaming and opens the valve.
func (g *Gator) Start() error {
	scale, power, err := g.siblings()
	if err != nil {
		return err
	}
	g.mu.Lock()
	if g.streaming {
		g.mu.Unlock()
		return nil
	}
	noise := power.Pin(g.config.NoiseChannel)
	valve := power.Pin(g.config.ValveChannel)
	g.scale = scale
	g.noise = noise
	g.valve = valve
	connected := g.connected
	g.mu.Unlock()

	if !connected {
		if err := g.device.Connect(); err != nil {
			return fmt.Errorf("connect gator: %w", err)
		}
		g.mu.Lock()
		g.connected = true
		g.mu.Unlock()
	}

	logrus.Info("Enabling static...")
	if err := noise.Write(true); err != nil {
		return fmt.Errorf("noise %s on: %w", noise.Name(), err)
	}
	now := time.Now()
	g.mu.Lock()
	g.start = now
	g.lastPacket = now
	g.streaming = true
	g.mu.Unlock()
	if err := g.device.StartStreaming(g.onSamples); err != nil {
		g.mu.Lock()
		g.streaming = false
		g.mu.Unlock()
		return fmt.Errorf("start streaming: %w", err)
	}
	if err := valve.Write(true); err != nil {
		return fmt.Errorf("valve %s open: %w", valve.Name(), err)
	}
	return nil
}

// Stop closes the valve, disables the noise generator and stops streaming.
func (g *Gator) Stop() error {
	g.mu.Lock()
	if !g.streaming {
		g.mu.Unlock()
		return nil
	}
	g.streaming = false
	noise, valve := g.noise, g.valve
	g.mu.Unlock()

	err := noise.Write(false)
	if vErr := valve.Write(false); vErr != nil && err == nil {
		err = vErr
	}
	if sErr := g.device.StopStreaming(); sErr != nil && err == nil {
		err = fmt.Errorf("stop streaming: %w", sErr)
	}
	return err
}

// Reset drops the samples of the previous drain.
func (g *Gator) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.samples = nil
	return nil
}

// Close stops streaming and releases the device.
func (g *Gator) Close() error {
	if err := g.Stop(); err != nil {
		return err
	}
	return g.device.Close()
}

func (g *Gator) onSamples(batch []RawSample) {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.streaming {
		return
	}
	g.lastPacket = now
	if g.scale == nil || !g.scale.Initialized() {
		return
	}
	weight := g.scale.Weight()
	elapsed := now.Sub(g.start).Seconds()
	for _, raw := range batch {
		s := Sample{Timestamp: raw.Timestamp, Elapsed: elapsed, Weight: weight}
		for i, v := range raw.Values {
			nm, err := g.conv.Convert(v)
			if err != nil {
				logrus.Errorf("gator: convert sensor %d: %v", i+1, err)
				continue
			}
			s.Sensors[i] = nm
		}
		if g.config.Log {
			logrus.Infof("gator: %+v", s)
		}
		g.samples = append(g.samples, s)
	}
}

// Samples returns a copy of the samples captured since the last Reset.
func (g *Gator) Samples() []Sample {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Sample(nil), g.samples...)
}

func (g *Gator) SampleCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.samples)
}

// LastPacket is the arrival time of the newest batch, or the stream start
// while none arrived. Zero when not streaming.
func (g *Gator) LastPacket() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.streaming {
		return time.Time{}
	}
	return g.lastPacket
}

func (g *Gator) StartTime() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.start
}
