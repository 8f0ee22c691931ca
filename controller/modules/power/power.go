// Package power drives the Aim-TTi MX100TP triple output supply that powers
// the noise generator, the return pump and the drain valve.
package power

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/reef-pi/hal"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// Channel numbers by rig convention.
const (
	Noise = 1
	Pump  = 2
	Valve = 3
)

const terminator = "\n"

type Config struct {
	Port     string `json:"port" yaml:"port"`
	Baud     int    `json:"baud" yaml:"baud"`
	Channels int    `json:"channels" yaml:"channels"`
}

func DefaultConfig() Config {
	return Config{
		Port:     "/dev/ttyACM0",
		Baud:     9600,
		Channels: 3,
	}
}

// Opener connects to the supply.
type Opener func() (io.ReadWriteCloser, error)

// SerialOpener opens the supply's virtual COM port.
func SerialOpener(c Config) Opener {
	return func() (io.ReadWriteCloser, error) {
		port, err := serial.OpenPort(&serial.Config{
			Name:        c.Port,
			Baud:        c.Baud,
			Size:        8,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
			ReadTimeout: 10 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("open power supply port %s: %w", c.Port, err)
		}
		return port, nil
	}
}

// Supply is the registry component for the power supply.
type Supply struct {
	config Config
	open   Opener

	mu     sync.Mutex
	port   io.ReadWriteCloser
	states []bool
	saved  []bool
	paused bool
}

func New(config Config, open Opener) *Supply {
	if config.Channels <= 0 {
		config.Channels = DefaultConfig().Channels
	}
	return &Supply{
		config: config,
		open:   open,
		states: make([]bool, config.Channels+1),
	}
}

// Start connects to the supply. Connecting twice is a no-op.
func (s *Supply) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked()
}

func (s *Supply) connectLocked() error {
	if s.port != nil {
		return nil
	}
	port, err := s.open()
	if err != nil {
		return err
	}
	s.port = port
	logrus.Debug("Power supply connected")
	return nil
}

// Stop switches every output off and disconnects.
func (s *Supply) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.allOffLocked()
	if cErr := s.port.Close(); cErr != nil && err == nil {
		err = cErr
	}
	s.port = nil
	s.paused = false
	return err
}

// Reset switches every output off but stays connected.
func (s *Supply) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	if s.port == nil {
		return nil
	}
	return s.allOffLocked()
}

// Pause powers every output down and remembers which were on.
func (s *Supply) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.port == nil {
		return nil
	}
	s.saved = append([]bool(nil), s.states...)
	s.paused = true
	return s.allOffLocked()
}

// Resume restores the outputs saved by Pause.
func (s *Supply) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return nil
	}
	s.paused = false
	for ch, on := range s.saved {
		if ch == 0 || !on {
			continue
		}
		if err := s.setLocked(ch, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supply) On(channels ...int) error {
	return s.set(true, channels)
}

func (s *Supply) Off(channels ...int) error {
	return s.set(false, channels)
}

// IsOn reports the last commanded state of channel.
func (s *Supply) IsOn(channel int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel < 1 || channel >= len(s.states) {
		return false
	}
	return s.states[channel]
}

func (s *Supply) set(on bool, channels []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		if !on {
			return nil
		}
		if err := s.connectLocked(); err != nil {
			return err
		}
	}
	for _, ch := range channels {
		if err := s.setLocked(ch, on); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supply) setLocked(ch int, on bool) error {
	if ch < 1 || ch >= len(s.states) {
		return fmt.Errorf("invalid power supply channel %d", ch)
	}
	v := 0
	if on {
		v = 1
	}
	if err := s.writeLocked(fmt.Sprintf("OP%d %d", ch, v)); err != nil {
		return fmt.Errorf("switch channel %d: %w", ch, err)
	}
	s.states[ch] = on
	return nil
}

func (s *Supply) allOffLocked() error {
	if err := s.writeLocked("OPALL 0"); err != nil {
		return fmt.Errorf("switch all channels off: %w", err)
	}
	for i := range s.states {
		s.states[i] = false
	}
	return nil
}

func (s *Supply) writeLocked(cmd string) error {
	if s.port == nil {
		return errors.New("power supply not connected")
	}
	_, err := s.port.Write([]byte(cmd + terminator))
	return err
}

// Pin exposes one output as a digital output pin.
func (s *Supply) Pin(channel int) hal.DigitalOutputPin {
	return &pin{supply: s, channel: channel}
}

type pin struct {
	supply  *Supply
	channel int
}

func (p *pin) Name() string {
	return fmt.Sprintf("OP%d", p.channel)
}

func (p *pin) Number() int {
	return p.channel
}

func (p *pin) Write(state bool) error {
	if state {
		return p.supply.On(p.channel)
	}
	return p.supply.Off(p.channel)
}

func (p *pin) LastState() bool {
	return p.supply.IsOn(p.channel)
}

func (p *pin) Close() error {
	return p.supply.Off(p.channel)
}

type nopPort struct{}

func (nopPort) Read(_ []byte) (int, error)  { return 0, io.EOF }
func (nopPort) Write(b []byte) (int, error) { return len(b), nil }
func (nopPort) Close() error                { return nil }

// NopOpener returns a supply connection that accepts and discards every
// command, for running without hardware.
func NopOpener() Opener {
	return func() (io.ReadWriteCloser, error) {
		return nopPort{}, nil
	}
}
