package gator

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Sensors is the number of FBG channels a Gator reports.
const Sensors = 8

// RawSample is one interrogator reading as delivered by the vendor SDK.
// Values are centre-of-gravity counts.
type RawSample struct {
	Timestamp time.Time
	Values    [Sensors]float64
}

// Device is the boundary to the vendor SDK. The handler is called from the
// SDK's own goroutine with batches of samples.
type Device interface {
	Connect() error
	StartStreaming(handler func([]RawSample)) error
	StopStreaming() error
	Close() error
}

// SimulatedDevice streams synthetic strain around 1550 nm for running the
// rig without an interrogator attached.
type SimulatedDevice struct {
	Rate  time.Duration
	Batch int

	mu   sync.Mutex
	quit chan struct{}
	wg   sync.WaitGroup
}

func NewSimulatedDevice() *SimulatedDevice {
	return &SimulatedDevice{Rate: 50 * time.Millisecond, Batch: 50}
}

func (d *SimulatedDevice) Connect() error {
	return nil
}

func (d *SimulatedDevice) StartStreaming(handler func([]RawSample)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.quit != nil {
		return errors.New("already streaming")
	}
	d.quit = make(chan struct{})
	d.wg.Add(1)
	go d.stream(d.quit, handler)
	return nil
}

func (d *SimulatedDevice) stream(quit chan struct{}, handler func([]RawSample)) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.Rate)
	defer ticker.Stop()
	start := time.Now()
	step := d.Rate / time.Duration(d.Batch)
	for {
		select {
		case <-quit:
			return
		case now := <-ticker.C:
			batch := make([]RawSample, d.Batch)
			for i := range batch {
				ts := now.Add(-time.Duration(d.Batch-1-i) * step)
				t := ts.Sub(start).Seconds()
				batch[i].Timestamp = ts
				for s := 0; s < Sensors; s++ {
					wave := 1550.0 + float64(s)*0.8 + 0.05*math.Sin(2*math.Pi*(3+float64(s))*t)
					batch[i].Values[s] = math.Round((wave + rand.NormFloat64()*0.001) * 100000)
				}
			}
			handler(batch)
		}
	}
}

func (d *SimulatedDevice) StopStreaming() error {
	d.mu.Lock()
	if d.quit == nil {
		d.mu.Unlock()
		return nil
	}
	close(d.quit)
	d.quit = nil
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

func (d *SimulatedDevice) Close() error {
	return d.StopStreaming()
}
