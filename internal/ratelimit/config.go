package ratelimit

import "fmt"

// DefaultMaxEventsPerSecond is the refill rate when none is configured.
const DefaultMaxEventsPerSecond = 100

// Config controls admission of events into the pipeline.
// A zero BurstSize means twice the rate.
type Config struct {
	Enabled            bool    `yaml:"enabled"            json:"enabled"`
	MaxEventsPerSecond float64 `yaml:"maxEventsPerSecond" json:"maxEventsPerSecond"`
	BurstSize          int     `yaml:"burstSize"          json:"burstSize"`
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.MaxEventsPerSecond == 0 {
		c.MaxEventsPerSecond = DefaultMaxEventsPerSecond
	}
	if c.BurstSize == 0 {
		c.BurstSize = int(c.MaxEventsPerSecond * 2)
	}
	return c
}

// Validate rejects limits that could never admit an event.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	c = c.withDefaults()
	if c.MaxEventsPerSecond < 0 {
		return fmt.Errorf("ratelimit: maxEventsPerSecond must be positive, got %v", c.MaxEventsPerSecond)
	}
	if c.BurstSize < 1 {
		return fmt.Errorf("ratelimit: burstSize must be at least 1, got %d", c.BurstSize)
	}
	return nil
}
