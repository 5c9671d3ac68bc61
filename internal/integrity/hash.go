package integrity

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// DefaultAlgorithm is used when Config.Algorithm is empty.
const DefaultAlgorithm = "sha256"

var algorithms = map[string]func() hash.Hash{
	"sha256":   sha256.New,
	"sha384":   sha512.New384,
	"sha512":   sha512.New,
	"sha3-256": sha3.New256,
	"sha3-512": sha3.New512,
	"blake2b-256": func() hash.Hash {
		h, _ := blake2b.New256(nil) // only fails for keys longer than 64 bytes
		return h
	},
	"blake3": func() hash.Hash { return blake3.New() },
}

// Algorithms returns the supported algorithm names, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// hasher computes chain links for one algorithm.
type hasher struct {
	name    string
	newHash func() hash.Hash
	size    int
}

func lookup(name string) (hasher, error) {
	if name == "" {
		name = DefaultAlgorithm
	}
	name = strings.ToLower(name)
	fn, ok := algorithms[name]
	if !ok {
		return hasher{}, fmt.Errorf("integrity: unsupported algorithm %q (supported: %s)",
			name, strings.Join(Algorithms(), ", "))
	}
	return hasher{name: name, newHash: fn, size: fn().Size()}, nil
}

// link returns hex(H(prevHash || canonical)).
func (h hasher) link(prevHash string, canonical []byte) string {
	d := h.newHash()
	d.Write([]byte(prevHash))
	d.Write(canonical)
	return hex.EncodeToString(d.Sum(nil))
}

// genesis is the all-zero digest used as the first record's prevHash.
func (h hasher) genesis() string {
	return strings.Repeat("0", h.size*2)
}

// Genesis returns the seed prevHash for algorithm.
func Genesis(algorithm string) (string, error) {
	h, err := lookup(algorithm)
	if err != nil {
		return "", err
	}
	return h.genesis(), nil
}

// Link computes the chain hash of a canonical record given its prevHash.
func Link(algorithm, prevHash string, canonical []byte) (string, error) {
	h, err := lookup(algorithm)
	if err != nil {
		return "", err
	}
	return h.link(prevHash, canonical), nil
}
