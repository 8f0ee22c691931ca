package scale

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mpg-foss/autofoss/controller/registry"
)

// Reason tells why the monitor goroutine ended.
type Reason int

const (
	Running Reason = iota
	// Drained: no weight change for WeightTimeout.
	Drained
	// GatorLost: no sensor packet for PacketTimeout.
	GatorLost
	// Stopped: Stop was called.
	Stopped
)

func (r Reason) String() string {
	switch r {
	case Running:
		return "running"
	case Drained:
		return "drained"
	case GatorLost:
		return "gator_lost"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// PacketSource is implemented by the sensor logger the scale watches.
type PacketSource interface {
	// LastPacket is the arrival time of the newest packet, or the stream
	// start while none arrived. Zero when not streaming.
	LastPacket() time.Time
}

type Config struct {
	Port          string        `json:"port" yaml:"port"`
	Baud          int           `json:"baud" yaml:"baud"`
	WeightTimeout time.Duration `json:"weight_timeout" yaml:"weight_timeout"`
	PacketTimeout time.Duration `json:"packet_timeout" yaml:"packet_timeout"`
	PollInterval  time.Duration `json:"poll_interval" yaml:"poll_interval"`
	// Gator is the registry name of the sensor logger to watch. Empty
	// disables disconnect detection.
	Gator string `json:"gator" yaml:"gator"`
	Log   bool   `json:"log" yaml:"log"`
}

func DefaultConfig() Config {
	return Config{
		Port:          "/dev/ttyUSB0",
		Baud:          9600,
		WeightTimeout: 8 * time.Second,
		PacketTimeout: 10 * time.Second,
		PollInterval:  100 * time.Millisecond,
		Gator:         "gator",
		Log:           true,
	}
}

// Scale polls the bench scale on its own goroutine and decides when a drain
// is over.
type Scale struct {
	config   Config
	source   Source
	registry *registry.Registry

	readMu sync.Mutex

	mu          sync.Mutex
	weight      float64
	lastChange  time.Time
	initialized bool
	running     bool
	reason      Reason
	done        chan struct{}
	quit        chan struct{}
	wg          sync.WaitGroup
}

func New(config Config, source Source, r *registry.Registry) *Scale {
	d := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = d.PollInterval
	}
	if config.WeightTimeout <= 0 {
		config.WeightTimeout = d.WeightTimeout
	}
	if config.PacketTimeout <= 0 {
		config.PacketTimeout = d.PacketTimeout
	}
	done := make(chan struct{})
	close(done)
	return &Scale{
		config:     config,
		source:     source,
		registry:   r,
		lastChange: time.Now(),
		reason:     Stopped,
		done:       done,
	}
}

// Start launches the monitor goroutine. Starting a running scale is a no-op.
func (s *Scale) Start() error {
	var gator PacketSource
	if s.config.Gator != "" && s.registry != nil {
		c, err := s.registry.Get(s.config.Gator)
		if err != nil {
			return err
		}
		p, ok := c.(PacketSource)
		if !ok {
			return fmt.Errorf("component %s does not report packets", s.config.Gator)
		}
		gator = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.initialized = false
	s.lastChange = time.Now()
	s.running = true
	s.reason = Running
	s.done = make(chan struct{})
	s.quit = make(chan struct{})
	s.wg.Add(1)
	go s.monitor(s.quit, s.done, gator)
	return nil
}

// Stop ends the monitor goroutine and waits for it. Safe to call repeatedly.
func (s *Scale) Stop() error {
	s.mu.Lock()
	if s.running {
		close(s.quit)
		s.running = false
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Reset clears the reading state for the next drain.
func (s *Scale) Reset() error {
	s.readMu.Lock()
	if d, ok := s.source.(*SerialSource); ok {
		d.dec.Reset()
	}
	s.readMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	s.weight = 0
	s.lastChange = time.Now()
	return nil
}

// Close releases the underlying port.
func (s *Scale) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.source.Close()
}

// Done is closed when the monitor goroutine ends.
func (s *Scale) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Scale) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Wait blocks until the monitor goroutine ends or ctx is done.
func (s *Scale) Wait(ctx context.Context) (Reason, error) {
	select {
	case <-s.Done():
		return s.Reason(), nil
	case <-ctx.Done():
		return Running, ctx.Err()
	}
}

func (s *Scale) Weight() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weight
}

func (s *Scale) LastChange() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChange
}

// Initialized reports whether a reading arrived since the last Start.
func (s *Scale) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Scale) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ReadWeight polls the source once and returns the newest known weight.
func (s *Scale) ReadWeight() (float64, error) {
	s.readMu.Lock()
	w, ok, err := s.source.Next()
	s.readMu.Unlock()
	if err != nil {
		return s.Weight(), err
	}
	if !ok {
		return s.Weight(), nil
	}
	s.record(w)
	return w, nil
}

func (s *Scale) record(w float64) {
	s.mu.Lock()
	if !s.initialized || s.weight != w {
		s.lastChange = time.Now()
	}
	s.weight = w
	s.initialized = true
	s.mu.Unlock()
	if s.config.Log {
		logrus.Infof("-> %6.2f lb", w)
	}
}

func (s *Scale) monitor(quit, done chan struct{}, gator PacketSource) {
	defer s.wg.Done()
	reason := Stopped
	defer func() {
		s.mu.Lock()
		s.reason = reason
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
		}
		if _, err := s.ReadWeight(); err != nil {
			logrus.Errorf("Error in scale thread: %v", err)
		}

		now := time.Now()
		if gator != nil {
			last := gator.LastPacket()
			if !last.IsZero() && now.Sub(last) > s.config.PacketTimeout {
				logrus.Errorf("No data from the Gator in %s. Is it still connected?", now.Sub(last).Round(time.Second))
				reason = GatorLost
				return
			}
		}
		if !s.Initialized() {
			continue
		}
		if idle := now.Sub(s.LastChange()); idle > s.config.WeightTimeout {
			logrus.Infof("Tank seems to be drained: no weight change in %s (threshold %s)", idle.Round(time.Millisecond), s.config.WeightTimeout)
			reason = Drained
			return
		}
	}
}
