package syslog

import (
	"fmt"
	"time"
)

// Protocols.
const (
	ProtocolUDP = "udp"
	ProtocolTCP = "tcp"
	ProtocolTLS = "tcp-tls"
)

// Body formats.
const (
	FormatNameCEF  = "cef"
	FormatNameJSON = "json"
)

const (
	DefaultPort        = 514
	DefaultFacility    = 16 // local0
	DefaultAppName     = "openclaw"
	DefaultDialTimeout = 5 * time.Second
	DefaultMaxQueue    = 10000
)

// Config describes the remote collector.
type Config struct {
	Enabled  bool   `yaml:"enabled"  json:"enabled"`
	Host     string `yaml:"host"     json:"host"`
	Port     int    `yaml:"port"     json:"port,omitempty"`
	Protocol string `yaml:"protocol" json:"protocol,omitempty"` // "udp", "tcp", "tcp-tls"
	// Facility is a pointer because 0 (kern) is a valid facility.
	Facility *int   `yaml:"facility" json:"facility,omitempty"`
	AppName  string `yaml:"appName"  json:"appName,omitempty"`
	Format   string `yaml:"format"   json:"format,omitempty"` // "cef", "json"

	DialTimeout        time.Duration `yaml:"dialTimeout"        json:"dialTimeout,omitempty"`
	MaxQueue           int           `yaml:"maxQueue"           json:"maxQueue,omitempty"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify" json:"insecureSkipVerify,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Protocol == "" {
		c.Protocol = ProtocolUDP
	}
	if c.Protocol == "tls" {
		c.Protocol = ProtocolTLS
	}
	if c.Facility == nil {
		f := DefaultFacility
		c.Facility = &f
	}
	if c.AppName == "" {
		c.AppName = DefaultAppName
	}
	if c.Format == "" {
		c.Format = FormatNameCEF
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.MaxQueue == 0 {
		c.MaxQueue = DefaultMaxQueue
	}
	return c
}

// Validate rejects configurations the shipper cannot honour.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	c = c.withDefaults()
	if c.Host == "" {
		return fmt.Errorf("syslog: host is required")
	}
	switch c.Protocol {
	case ProtocolUDP, ProtocolTCP, ProtocolTLS:
	default:
		return fmt.Errorf("syslog: unsupported protocol %q (use udp, tcp or tcp-tls)", c.Protocol)
	}
	switch c.Format {
	case FormatNameCEF, FormatNameJSON:
	default:
		return fmt.Errorf("syslog: unsupported format %q (use cef or json)", c.Format)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("syslog: port %d out of range", c.Port)
	}
	if *c.Facility < 0 || *c.Facility > 23 {
		return fmt.Errorf("syslog: facility %d out of range 0-23", *c.Facility)
	}
	if c.MaxQueue < 0 {
		return fmt.Errorf("syslog: maxQueue must be positive, got %d", c.MaxQueue)
	}
	return nil
}
