package integrity

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ppiankov/clawtrail/internal/event"
)

func newChain(t *testing.T, alg string) *Chain {
	t.Helper()
	c, err := New(Config{Enabled: true, Algorithm: alg})
	if err != nil {
		t.Fatalf("New(%q): %v", alg, err)
	}
	return c
}

func toolStart(seq int64, name string) *event.ToolStart {
	return &event.ToolStart{
		Header:   event.Header{Type: event.KindToolStart, Seq: seq, TS: 1700000000000 + seq},
		ToolName: name,
		Params:   map[string]any{"cmd": "ls", "n": seq},
	}
}

func TestGenesisSizes(t *testing.T) {
	cases := map[string]int{
		"sha256":      64,
		"sha384":      96,
		"sha512":      128,
		"sha3-256":    64,
		"sha3-512":    128,
		"blake2b-256": 64,
		"blake3":      64,
	}
	for alg, want := range cases {
		g, err := Genesis(alg)
		if err != nil {
			t.Fatalf("Genesis(%s): %v", alg, err)
		}
		if len(g) != want || strings.Trim(g, "0") != "" {
			t.Errorf("Genesis(%s) = %q, want %d zeros", alg, g, want)
		}
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	if _, err := New(Config{Enabled: true, Algorithm: "md5"}); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
	if _, err := Genesis("crc32"); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}

func TestAlgorithmNameIsCaseInsensitive(t *testing.T) {
	c := newChain(t, "SHA3-256")
	if c.Algorithm() != "sha3-256" {
		t.Errorf("Algorithm() = %q", c.Algorithm())
	}
}

func TestDefaultAlgorithm(t *testing.T) {
	c := newChain(t, "")
	if c.Algorithm() != DefaultAlgorithm {
		t.Errorf("Algorithm() = %q, want %q", c.Algorithm(), DefaultAlgorithm)
	}
}

func TestSignLinksRecords(t *testing.T) {
	c := newChain(t, "sha256")
	genesis, _ := Genesis("sha256")

	prev := genesis
	for i := int64(1); i <= 3; i++ {
		signed, err := c.Sign(toolStart(i, "bash"))
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		meta := signed.Meta()
		if meta.PrevHash != prev {
			t.Fatalf("record %d prevHash = %s, want %s", i, meta.PrevHash, prev)
		}
		canonical, err := Canonical(signed)
		if err != nil {
			t.Fatal(err)
		}
		want, _ := Link("sha256", prev, canonical)
		if meta.Hash != want {
			t.Fatalf("record %d hash = %s, want %s", i, meta.Hash, want)
		}
		prev = meta.Hash
	}
	if c.Head() != prev {
		t.Errorf("Head() = %s, want %s", c.Head(), prev)
	}
}

func TestSignDoesNotMutateInput(t *testing.T) {
	c := newChain(t, "sha256")
	in := toolStart(1, "bash")
	signed, err := c.Sign(in)
	if err != nil {
		t.Fatal(err)
	}
	if in.PrevHash != "" || in.Hash != "" {
		t.Error("Sign wrote hashes into the caller's event")
	}
	if signed == event.Event(in) {
		t.Error("Sign must return a copy")
	}
}

func TestSignIgnoresStaleHashes(t *testing.T) {
	a := newChain(t, "sha256")
	b := newChain(t, "sha256")

	clean := toolStart(1, "bash")
	stale := toolStart(1, "bash")
	stale.PrevHash = "deadbeef"
	stale.Hash = "cafebabe"

	s1, _ := a.Sign(clean)
	s2, _ := b.Sign(stale)
	if s1.Meta().Hash != s2.Meta().Hash {
		t.Error("pre-existing hashes must not influence the signature")
	}
}

func TestSignDisabled(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	in := toolStart(1, "bash")
	out, err := c.Sign(in)
	if err != nil {
		t.Fatal(err)
	}
	if out != event.Event(in) || in.Hash != "" {
		t.Error("disabled chain must return the event unchanged")
	}
	if c.Head() != "" {
		t.Errorf("Head() = %q on disabled chain", c.Head())
	}
}

func TestCanonicalSortsKeysAndDropsHashes(t *testing.T) {
	e := &event.ToolStart{
		Header:   event.Header{Type: event.KindToolStart, Seq: 1, TS: 5, PrevHash: "x", Hash: "y"},
		ToolName: "bash",
		Params:   map[string]any{"b": 1, "a": map[string]any{"z": true, "y": 2.5}},
	}
	got, err := Canonical(e)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"params":{"a":{"y":2.5,"z":true},"b":1},"seq":1,"toolName":"bash","ts":5,"type":"tool.start"}`
	if string(got) != want {
		t.Errorf("Canonical =\n%s\nwant\n%s", got, want)
	}
}

func TestCanonicalLinePreservesNumberText(t *testing.T) {
	got, err := CanonicalLine([]byte(`{"ts":1.50,"seq":12345678901234567890,"hash":"h"}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"seq":12345678901234567890,"ts":1.50}` {
		t.Errorf("CanonicalLine = %s", got)
	}
}

func TestCanonicalLineRejectsNonObject(t *testing.T) {
	for _, in := range []string{`null`, `[1,2]`, `"s"`, `{`} {
		if _, err := CanonicalLine([]byte(in)); err == nil {
			t.Errorf("CanonicalLine(%s): expected error", in)
		}
	}
}

func TestSignConcurrent(t *testing.T) {
	c := newChain(t, "blake3")
	genesis, _ := Genesis("blake3")

	const n = 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		next = make(map[string]string, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			signed, err := c.Sign(toolStart(int64(i+1), fmt.Sprintf("tool-%d", i)))
			if err != nil {
				t.Errorf("Sign: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if _, dup := next[signed.Meta().PrevHash]; dup {
				t.Errorf("two records link to %s", signed.Meta().PrevHash)
			}
			next[signed.Meta().PrevHash] = signed.Meta().Hash
		}(i)
	}
	wg.Wait()

	// Walking from genesis must visit every record exactly once.
	cur, steps := genesis, 0
	for {
		h, ok := next[cur]
		if !ok {
			break
		}
		cur = h
		steps++
	}
	if steps != n {
		t.Errorf("chain walk covered %d records, want %d", steps, n)
	}
	if cur != c.Head() {
		t.Errorf("walk ended at %s, Head() = %s", cur, c.Head())
	}
}
