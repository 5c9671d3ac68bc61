package telemetry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/clawtrail/internal/integrity"
	"github.com/ppiankov/clawtrail/internal/ratelimit"
	"github.com/ppiankov/clawtrail/internal/redact"
	"github.com/ppiankov/clawtrail/internal/rotate"
	"github.com/ppiankov/clawtrail/internal/syslog"
)

// Config is the telemetry section of the host configuration.
type Config struct {
	Enabled   bool             `yaml:"enabled"   json:"enabled"`
	FilePath  string           `yaml:"filePath"  json:"filePath,omitempty"`
	Syslog    syslog.Config    `yaml:"syslog"    json:"syslog"`
	Redact    redact.Config    `yaml:"redact"    json:"redact"`
	Integrity integrity.Config `yaml:"integrity" json:"integrity"`
	RateLimit ratelimit.Config `yaml:"rateLimit" json:"rateLimit"`
	Rotate    rotate.Config    `yaml:"rotate"    json:"rotate"`
}

// DefaultFilePath returns <stateDir>/logs/telemetry.jsonl.
func DefaultFilePath(stateDir string) string {
	return filepath.Join(stateDir, "logs", "telemetry.jsonl")
}

// ResolvePath returns the configured file path or the default under stateDir.
func (c Config) ResolvePath(stateDir string) string {
	if c.FilePath != "" {
		return c.FilePath
	}
	return DefaultFilePath(stateDir)
}

// Validate checks every enabled component.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if err := c.Rotate.Validate(); err != nil {
		return err
	}
	if err := c.Syslog.Validate(); err != nil {
		return err
	}
	if c.Redact.Enabled {
		if _, err := redact.CompilePatterns(c.Redact.Patterns); err != nil {
			return fmt.Errorf("redact: %w", err)
		}
	}
	if c.Integrity.Enabled {
		if _, err := integrity.Genesis(c.Integrity.Algorithm); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig reads a YAML configuration file. Unknown keys are rejected
// so typos do not silently disable a component.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("telemetry: read config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("telemetry: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("telemetry: invalid config %s: %w", path, err)
	}
	return cfg, nil
}
