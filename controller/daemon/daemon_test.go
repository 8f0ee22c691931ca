package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpg-foss/autofoss/controller/modules/drain"
)

func TestLoadConfigDefaults(t *testing.T) {
	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)
	assert.Equal(t, 8*time.Second, c.Scale.WeightTimeout)
	assert.Equal(t, 3.65, c.Refill.Threshold)
	assert.Equal(t, drain.Cycle, c.Drain.Mode)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autofoss.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dev_mode: true
address: 127.0.0.1:8080
drain:
  mode: no_refill
  refill_timeout: 90s
scale:
  port: /dev/ttyUSB3
  weight_timeout: 12s
refill:
  threshold: 4.1
recorder:
  dir: /srv/drains
`), 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, c.DevMode)
	assert.Equal(t, "127.0.0.1:8080", c.Address)
	assert.Equal(t, drain.NoRefill, c.Drain.Mode)
	assert.Equal(t, 90*time.Second, c.Drain.RefillTimeout)
	assert.Equal(t, "/dev/ttyUSB3", c.Scale.Port)
	assert.Equal(t, 12*time.Second, c.Scale.WeightTimeout)
	assert.Equal(t, 4.1, c.Refill.Threshold)
	assert.Equal(t, "/srv/drains", c.Recorder.Dir)
	// untouched values keep their defaults
	assert.Equal(t, 9600, c.Scale.Baud)
	assert.Equal(t, "power", c.Drain.Power)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scales:\n  port: x\n"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err, "unknown keys are rejected")
}

func devConfig(t *testing.T) Config {
	dir := t.TempDir()
	c := DefaultConfig()
	c.DevMode = true
	c.Headless = true
	c.InhibitSleep = false
	c.Database = filepath.Join(dir, "autofoss.db")
	c.Recorder.Dir = filepath.Join(dir, "data")
	c.Telemetry.Heartbeat = ""
	c.Scale.PollInterval = 10 * time.Millisecond
	c.Scale.WeightTimeout = 200 * time.Millisecond
	c.Scale.Log = false
	c.Refill.PollInterval = 10 * time.Millisecond
	c.Refill.ExtraRuntime = 10 * time.Millisecond
	c.Simulation.TankCapacity = 0.3
	return c
}

func TestNoGatorDeviceOutsideDevMode(t *testing.T) {
	c := devConfig(t)
	c.DevMode = false
	_, err := New(c, Options{ScaleSource: nopSource{}})
	assert.Error(t, err)
}

type nopSource struct{}

func (nopSource) Next() (float64, bool, error) { return 0, false, nil }
func (nopSource) Close() error                 { return nil }

func TestRegistryOrder(t *testing.T) {
	d, err := New(devConfig(t), Options{})
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, []string{"power", "gator", "scale"}, d.Registry().StartOrder())
	assert.Equal(t, []string{"power", "gator", "scale", "refill"}, d.Registry().Names())
}

func TestDuplicateNames(t *testing.T) {
	c := devConfig(t)
	c.Drain.Refill = "power"
	_, err := New(c, Options{})
	assert.Error(t, err)
}

func TestRouter(t *testing.T) {
	d, err := New(devConfig(t), Options{})
	require.NoError(t, err)
	defer d.Close()

	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/drain/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"idle"`)

	rec = httptest.NewRecorder()
	d.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDevModeDrain(t *testing.T) {
	c := devConfig(t)
	c.Drain.Mode = drain.NoRefill
	d, err := New(c, Options{})
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, drain.ExitOK, code)

	files, err := filepath.Glob(filepath.Join(c.Recorder.Dir, "*_gator_data.csv"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestDevModeRefillOnly(t *testing.T) {
	c := devConfig(t)
	c.Drain.Mode = drain.RefillOnly
	d, err := New(c, Options{})
	require.NoError(t, err)
	defer d.Close()

	code, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, drain.ExitOK, code)
}

func TestDevModeCycleRefillsThroughPumpPin(t *testing.T) {
	c := devConfig(t)
	c.Drain.Mode = drain.Cycle
	// enough water that the bucket ends above the refill threshold
	c.Simulation.TankCapacity = 1.5
	d, err := New(c, Options{})
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	done := make(chan int, 1)
	go func() {
		code, _ := d.Run(ctx)
		done <- code
	}()

	// a second drain only starts once the pump emptied the bucket
	require.Eventually(t, func() bool {
		return d.orchestrator.Status().Drains == 1 && d.orchestrator.State() == drain.Recording
	}, 10*time.Second, 5*time.Millisecond)
	d.Interrupt()
	assert.Equal(t, drain.ExitOK, <-done)

	runs, err := d.orchestrator.Runs()
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
