package daemon

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/mpg-foss/autofoss/controller/modules/drain"
	"github.com/mpg-foss/autofoss/controller/modules/gator"
	"github.com/mpg-foss/autofoss/controller/modules/power"
	"github.com/mpg-foss/autofoss/controller/modules/recorder"
	"github.com/mpg-foss/autofoss/controller/modules/refill"
	"github.com/mpg-foss/autofoss/controller/modules/scale"
	"github.com/mpg-foss/autofoss/controller/telemetry"
)

// Simulation tunes the dev mode rig.
type Simulation struct {
	// TankCapacity is the water (lb) the simulated tank drains per cycle.
	TankCapacity float64 `yaml:"tank_capacity"`
}

// Config is the on-disk configuration of the rig.
type Config struct {
	DevMode      bool   `yaml:"dev_mode"`
	Database     string `yaml:"database"`
	Address      string `yaml:"address"`
	LogLevel     string `yaml:"log_level"`
	Headless     bool   `yaml:"headless"`
	InhibitSleep bool   `yaml:"inhibit_sleep"`

	Drain      drain.Config     `yaml:"drain"`
	Scale      scale.Config     `yaml:"scale"`
	Gator      gator.Config     `yaml:"gator"`
	Power      power.Config     `yaml:"power"`
	Refill     refill.Config    `yaml:"refill"`
	Recorder   recorder.Config  `yaml:"recorder"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Simulation Simulation       `yaml:"simulation"`
}

func DefaultConfig() Config {
	return Config{
		Database:     "autofoss.db",
		Address:      "",
		LogLevel:     "info",
		InhibitSleep: true,
		Drain:        drain.DefaultConfig(),
		Scale:        scale.DefaultConfig(),
		Gator:        gator.DefaultConfig(),
		Power:        power.DefaultConfig(),
		Refill:       refill.DefaultConfig(),
		Recorder:     recorder.DefaultConfig(),
		Telemetry:    telemetry.DefaultConfig(),
		Simulation:   Simulation{TankCapacity: 6},
	}
}

// LoadConfig reads the YAML file at path over the defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// link points every component at the registry names used by the drain
// cycle, so one set of names is configured.
func (c *Config) link() {
	c.Scale.Gator = c.Drain.Gator
	c.Gator.Scale = c.Drain.Scale
	c.Gator.Power = c.Drain.Power
}
