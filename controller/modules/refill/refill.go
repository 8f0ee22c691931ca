package refill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reef-pi/hal"
	"github.com/sirupsen/logrus"
)

// WeightSource reads the bucket weight on demand.
type WeightSource interface {
	ReadWeight() (float64, error)
}

type Config struct {
	// Threshold is the bucket weight (lb) below which the tank counts as full.
	Threshold float64 `json:"threshold" yaml:"threshold"`
	// ExtraRuntime keeps the pump running after the threshold is crossed to
	// empty the tubing.
	ExtraRuntime time.Duration `json:"extra_runtime" yaml:"extra_runtime"`
	// PumpChannel is the power supply output the return pump is wired to.
	PumpChannel  int           `json:"pump_channel" yaml:"pump_channel"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

func DefaultConfig() Config {
	return Config{
		Threshold:    3.65,
		ExtraRuntime: 2 * time.Second,
		PumpChannel:  2,
		PollInterval: 100 * time.Millisecond,
	}
}

// Controller pumps the drained water back into the tank until the bucket
// weight falls below the threshold.
type Controller struct {
	config Config
	scale  WeightSource
	pump   hal.DigitalOutputPin

	mu       sync.Mutex
	refilled bool
	progress float64
	done     chan struct{}
	failed   chan struct{}
	err      error
	quit     chan struct{}
	running  bool
	wg       sync.WaitGroup
}

// New returns a controller that switches pump while watching scale.
func New(config Config, scale WeightSource, pump hal.DigitalOutputPin) *Controller {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	return &Controller{
		config: config,
		scale:  scale,
		pump:   pump,
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
}

// Start launches the refill goroutine and returns immediately.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("refill already running")
	}
	if c.refilled {
		return nil
	}
	if c.err != nil {
		c.err = nil
		c.failed = make(chan struct{})
	}
	c.running = true
	c.quit = make(chan struct{})
	c.wg.Add(1)
	go c.run(c.quit)
	return nil
}

// WaitForRefill blocks until the tank is refilled. It returns false when
// timeout (if non zero) elapses, the pump fails or ctx is cancelled first.
func (c *Controller) WaitForRefill(ctx context.Context, timeout time.Duration) bool {
	c.mu.Lock()
	done, failed := c.done, c.failed
	c.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-done:
		return true
	case <-failed:
		return false
	case <-expired:
		logrus.Warnf("Refill did not complete within %s", timeout)
		return false
	case <-ctx.Done():
		logrus.Warn("Refill interrupted")
		return false
	}
}

// Stop marks the refill as done and waits for the goroutine to exit. The
// pump is switched off on the way out.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.running {
		close(c.quit)
		c.running = false
	}
	c.markRefilledLocked()
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

// Reset prepares the controller for the next cycle.
func (c *Controller) Reset() error {
	if err := c.Stop(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refilled = false
	c.progress = 0
	c.done = make(chan struct{})
	c.err = nil
	c.failed = make(chan struct{})
	return nil
}

// Err is the failure that ended the last refill, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) Refilled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refilled
}

// Progress is the share (%) of the start-to-threshold distance covered so
// far, or -1 when the start weight equals the threshold.
func (c *Controller) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

func (c *Controller) markRefilledLocked() {
	if c.refilled {
		return
	}
	c.refilled = true
	close(c.done)
}

func (c *Controller) fail(err error) {
	logrus.Errorf("refill: %v", err)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.failed)
}

func (c *Controller) finish() {
	c.mu.Lock()
	c.markRefilledLocked()
	c.mu.Unlock()
}

func (c *Controller) run(quit chan struct{}) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	start, err := c.scale.ReadWeight()
	for err != nil {
		logrus.Errorf("refill: read weight: %v", err)
		select {
		case <-quit:
			return
		case <-time.After(c.config.PollInterval):
		}
		start, err = c.scale.ReadWeight()
	}
	if start < c.config.Threshold {
		logrus.Infof("Tank already full (%.2f lb below %.2f lb)", start, c.config.Threshold)
		c.finish()
		return
	}

	if err := c.pump.Write(true); err != nil {
		c.fail(fmt.Errorf("pump %s on: %w", c.pump.Name(), err))
		return
	}
	pumping := true
	pumpOff := func() {
		if !pumping {
			return
		}
		pumping = false
		if err := c.pump.Write(false); err != nil {
			logrus.Errorf("refill: pump %s off: %v", c.pump.Name(), err)
		}
	}
	defer pumpOff()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()
	for i := 1; ; i++ {
		select {
		case <-quit:
			return
		case <-ticker.C:
		}
		w, err := c.scale.ReadWeight()
		if err != nil {
			logrus.Errorf("refill: read weight: %v", err)
			continue
		}
		p := Progress(start, w, c.config.Threshold)
		c.mu.Lock()
		c.progress = p
		c.mu.Unlock()
		if w < c.config.Threshold {
			break
		}
		if i%100 == 0 {
			logrus.Infof("Refilling tank... currently at %.2f lb, %.0f%% full", w, p)
		}
	}

	if c.config.ExtraRuntime > 0 {
		select {
		case <-quit:
			return
		case <-time.After(c.config.ExtraRuntime):
		}
	}
	pumpOff()
	logrus.Info("Tank refilled")
	c.finish()
}

// Progress computes refill progress in percent.
func Progress(start, current, threshold float64) float64 {
	if start == threshold {
		return -1
	}
	return (current - start) / (threshold - start) * 100
}
