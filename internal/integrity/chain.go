// Package integrity links persisted telemetry records into a tamper-evident
// hash chain. Each record carries prevHash (the previous record's hash) and
// hash = H(prevHash || canonical record). The first record of a chain
// references the all-zero genesis digest.
package integrity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ppiankov/clawtrail/internal/event"
)

// Config selects whether records are chained and with which digest.
type Config struct {
	Enabled   bool   `yaml:"enabled"   json:"enabled"`
	Algorithm string `yaml:"algorithm" json:"algorithm,omitempty"`
}

// Chain signs events in the order Sign is called. State lives only as long
// as the Chain; a new Chain starts again from genesis.
type Chain struct {
	enabled  bool
	h        hasher
	prevHash string
	mu       sync.Mutex
}

// New creates a chain positioned at genesis.
func New(cfg Config) (*Chain, error) {
	if !cfg.Enabled {
		return &Chain{}, nil
	}
	h, err := lookup(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	return &Chain{
		enabled:  true,
		h:        h,
		prevHash: h.genesis(),
	}, nil
}

// Enabled reports whether Sign adds hashes.
func (c *Chain) Enabled() bool {
	return c != nil && c.enabled
}

// Algorithm returns the digest name, or "" when disabled.
func (c *Chain) Algorithm() string {
	if !c.Enabled() {
		return ""
	}
	return c.h.name
}

// Sign returns a copy of e carrying prevHash and hash, and advances the
// chain. Calls are serialized; two callers can never link to the same
// prevHash. When disabled, e is returned unchanged.
func (c *Chain) Sign(e event.Event) (event.Event, error) {
	if !c.Enabled() {
		return e, nil
	}

	signed := event.Clone(e)
	meta := signed.Meta()
	meta.PrevHash = ""
	meta.Hash = ""

	canonical, err := Canonical(signed)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	meta.PrevHash = c.prevHash
	meta.Hash = c.h.link(c.prevHash, canonical)
	c.prevHash = meta.Hash
	return signed, nil
}

// Head returns the hash the next record will reference.
func (c *Chain) Head() string {
	if !c.Enabled() {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prevHash
}

// Canonical returns the bytes hashed for e: its JSON form with object keys
// sorted at every level and without prevHash/hash.
func Canonical(e event.Event) ([]byte, error) {
	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("integrity: marshal %s: %w", e.Kind(), err)
	}
	return CanonicalLine(line)
}

// CanonicalLine is Canonical for an already persisted JSON line. Numbers
// keep their literal text so verification does not depend on float
// formatting.
func CanonicalLine(line []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("integrity: parse record: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("integrity: record is not a JSON object")
	}
	delete(record, "prevHash")
	delete(record, "hash")

	out, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("integrity: canonicalize record: %w", err)
	}
	return out, nil
}
