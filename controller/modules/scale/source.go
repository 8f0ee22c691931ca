package scale

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/reef-pi/hal"
	"github.com/tarm/serial"
)

// Source yields weight readings. Next returns ok=false when no complete
// reading was available during this poll.
type Source interface {
	Next() (weight float64, ok bool, err error)
	Close() error
}

func makeSerConf(addr string, baud int, timeout time.Duration) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: timeout,
	}
}

// SerialSource decodes the scale's continuous output from a serial port.
type SerialSource struct {
	port io.ReadWriteCloser
	dec  Decoder
	buf  []byte
}

// OpenSerial opens the scale port. The scale must be in continuous mode.
func OpenSerial(addr string, baud int, timeout time.Duration) (*SerialSource, error) {
	port, err := serial.OpenPort(makeSerConf(addr, baud, timeout))
	if err != nil {
		return nil, fmt.Errorf("open scale port %s: %w", addr, err)
	}
	return NewSerialSource(port), nil
}

func NewSerialSource(port io.ReadWriteCloser) *SerialSource {
	return &SerialSource{port: port, buf: make([]byte, 256)}
}

func (s *SerialSource) Next() (float64, bool, error) {
	n, err := s.port.Read(s.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	w, ok := s.dec.Feed(s.buf[:n])
	return w, ok, nil
}

func (s *SerialSource) Close() error {
	return s.port.Close()
}

// SimulatedBucket models the catch bucket on the scale for dev mode: it
// fills while the drain valve is open and the tank still holds water, and
// empties while the return pump runs.
type SimulatedBucket struct {
	mu         sync.Mutex
	valve      hal.DigitalOutputPin
	pump       hal.DigitalOutputPin
	empty      float64
	weight     float64
	tank       float64
	drainRate  float64
	pumpRate   float64
	lastUpdate time.Time
}

// NewSimulatedBucket follows the last written state of the drain valve and
// the return pump.
func NewSimulatedBucket(valve, pump hal.DigitalOutputPin, empty, capacity float64) *SimulatedBucket {
	return &SimulatedBucket{
		valve:     valve,
		pump:      pump,
		empty:     empty,
		weight:    empty - 0.5,
		tank:      capacity,
		drainRate: 1.5,
		pumpRate:  3,
	}
}

func (b *SimulatedBucket) Next() (float64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if b.lastUpdate.IsZero() {
		b.lastUpdate = now
	}
	dt := now.Sub(b.lastUpdate).Seconds()
	b.lastUpdate = now

	if b.valve.LastState() && b.tank > 0 {
		flow := math.Min(b.drainRate*dt, b.tank)
		b.tank -= flow
		b.weight += flow
	}
	if b.pump.LastState() && b.weight > b.empty-0.5 {
		flow := math.Min(b.pumpRate*dt, b.weight-(b.empty-0.5))
		b.weight -= flow
		b.tank += flow
	}
	return math.Round(b.weight*100) / 100, true, nil
}

func (b *SimulatedBucket) Close() error {
	return nil
}
