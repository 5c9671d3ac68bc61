package redact

import (
	"fmt"
	"regexp"
)

// DefaultReplacement is substituted for every match.
const DefaultReplacement = "[REDACTED]"

// Config holds redaction settings. Empty Patterns means DefaultPatterns.
type Config struct {
	Enabled     bool     `yaml:"enabled"     json:"enabled"`
	Patterns    []string `yaml:"patterns"    json:"patterns,omitempty"`
	Replacement string   `yaml:"replacement" json:"replacement,omitempty"`
}

// CompilePatterns validates and compiles the configured patterns in order.
// Case-insensitivity is expressed inside the pattern with (?i).
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		if p == "" {
			return nil, fmt.Errorf("patterns[%d]: pattern is empty", i)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("patterns[%d] %q: invalid regex: %w", i, p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
