package drain

import (
	"fmt"
	"time"
)

// BoltDB buckets
const (
	Bucket     = "drain"
	RunsBucket = "drain_runs"
)

// Mode selects what the orchestrator does before and between drains.
type Mode string

const (
	// Cycle loops drain, refill, drain ... until interrupted.
	Cycle Mode = "cycle"
	// RefillFirst refills the tank before the first drain, then cycles.
	RefillFirst Mode = "refill_first"
	// RefillOnly refills once and exits.
	RefillOnly Mode = "refill_only"
	// NoRefill records a single drain and exits.
	NoRefill Mode = "no_refill"
)

// Config holds the orchestrator settings.
type Config struct {
	ID            string        `json:"id" yaml:"-"`
	Mode          Mode          `json:"mode" yaml:"mode"`
	Schedule      string        `json:"schedule" yaml:"schedule"`
	RefillTimeout time.Duration `json:"refill_timeout" yaml:"refill_timeout"`
	LogGator      bool          `json:"log_gator" yaml:"log_gator"`

	// Registry names of the collaborators
	Power  string `json:"power" yaml:"power"`
	Gator  string `json:"gator" yaml:"gator"`
	Scale  string `json:"scale" yaml:"scale"`
	Refill string `json:"refill" yaml:"refill"`

	// Basic auth for mutating API calls, disabled when PasswordHash is empty
	Username     string `json:"username" yaml:"username"`
	PasswordHash string `json:"-" yaml:"password_hash"`
}

func DefaultConfig() Config {
	return Config{
		ID:            "default",
		Mode:          Cycle,
		RefillTimeout: 5 * time.Minute,
		LogGator:      true,
		Power:         "power",
		Gator:         "gator",
		Scale:         "scale",
		Refill:        "refill",
		Username:      "autofoss",
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case Cycle, RefillFirst, RefillOnly, NoRefill:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.RefillTimeout < 0 {
		return fmt.Errorf("refill timeout cannot be negative: %s", c.RefillTimeout)
	}
	if _, err := ParseSchedule(c.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
	}
	for field, name := range map[string]string{"power": c.Power, "gator": c.Gator, "scale": c.Scale, "refill": c.Refill} {
		if name == "" {
			return fmt.Errorf("%s component name is empty", field)
		}
	}
	return nil
}
