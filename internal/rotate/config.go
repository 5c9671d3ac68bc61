package rotate

import "fmt"

const (
	DefaultMaxSizeBytes = 10 * 1024 * 1024
	DefaultMaxFiles     = 5
)

// Config controls size-based rotation of the active log file.
// Compress is a pointer so an explicit false survives defaulting.
type Config struct {
	Enabled      bool  `yaml:"enabled"      json:"enabled"`
	MaxSizeBytes int64 `yaml:"maxSizeBytes" json:"maxSizeBytes,omitempty"`
	MaxFiles     int   `yaml:"maxFiles"     json:"maxFiles,omitempty"`
	Compress     *bool `yaml:"compress"     json:"compress,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.MaxSizeBytes == 0 {
		c.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if c.MaxFiles == 0 {
		c.MaxFiles = DefaultMaxFiles
	}
	if c.Compress == nil {
		on := true
		c.Compress = &on
	}
	return c
}

// Validate rejects negative limits.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxSizeBytes < 0 {
		return fmt.Errorf("rotate: maxSizeBytes must be positive, got %d", c.MaxSizeBytes)
	}
	if c.MaxFiles < 0 {
		return fmt.Errorf("rotate: maxFiles must be positive, got %d", c.MaxFiles)
	}
	return nil
}
