package integrity

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// maxLineSize bounds a single persisted record.
const maxLineSize = 16 << 20

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid bool `json:"valid"`
	Lines int  `json:"lines"`
	// Chains counts genesis-rooted runs; every service start begins one.
	Chains int `json:"chains"`
	// Truncated is set when the first record links to a record that is no
	// longer present (pruned segment).
	Truncated bool   `json:"truncated,omitempty"`
	Head      string `json:"head,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
	ErrorFile string `json:"error_file,omitempty"`
}

type chainRecord struct {
	PrevHash string `json:"prevHash"`
	Hash     string `json:"hash"`
}

type verifier struct {
	h       hasher
	genesis string
	prev    string
	started bool
	res     VerifyResult
}

// Verify reads JSONL records from r and validates the hash chain.
// Returns Valid=true if every record hashes correctly and links to its
// predecessor, or details about the first broken record.
func Verify(r io.Reader, algorithm string) VerifyResult {
	v, err := newVerifier(algorithm)
	if err != nil {
		return VerifyResult{Error: err.Error()}
	}
	if !v.scan(r, "") {
		return v.res
	}
	return v.finish()
}

// VerifyFiles verifies one chain spread over several files, read in the
// given order. Files ending in .gz are decompressed.
func VerifyFiles(paths []string, algorithm string) VerifyResult {
	v, err := newVerifier(algorithm)
	if err != nil {
		return VerifyResult{Error: err.Error()}
	}
	for _, path := range paths {
		if !v.scanFile(path) {
			return v.res
		}
	}
	return v.finish()
}

func newVerifier(algorithm string) (*verifier, error) {
	h, err := lookup(algorithm)
	if err != nil {
		return nil, err
	}
	return &verifier{h: h, genesis: h.genesis()}, nil
}

func (v *verifier) scanFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return v.fail(path, 0, fmt.Sprintf("open: %v", err))
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return v.fail(path, 0, fmt.Sprintf("gzip: %v", err))
		}
		defer zr.Close()
		r = zr
	}
	return v.scan(r, path)
}

func (v *verifier) scan(r io.Reader, file string) bool {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if msg := v.check(line); msg != "" {
			return v.fail(file, lineNum, msg)
		}
		v.res.Lines++
	}

	if err := scanner.Err(); err != nil {
		return v.fail(file, lineNum, fmt.Sprintf("scan: %v", err))
	}
	return true
}

// check validates one record and advances the verifier. It returns a
// description of the failure, or "".
func (v *verifier) check(line []byte) string {
	var rec chainRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return fmt.Sprintf("parse error: %v", err)
	}
	if rec.Hash == "" {
		return "record has no hash"
	}

	switch {
	case !v.started:
		v.started = true
		v.res.Chains = 1
		if rec.PrevHash != v.genesis {
			v.res.Truncated = true
		}
	case rec.PrevHash == v.prev:
	case rec.PrevHash == v.genesis:
		v.res.Chains++
	default:
		return fmt.Sprintf("broken link: prevHash %s, expected %s", rec.PrevHash, v.prev)
	}

	canonical, err := CanonicalLine(line)
	if err != nil {
		return err.Error()
	}
	if expected := v.h.link(rec.PrevHash, canonical); expected != rec.Hash {
		return fmt.Sprintf("hash mismatch: expected %s, got %s", expected, rec.Hash)
	}

	v.prev = rec.Hash
	return ""
}

func (v *verifier) fail(file string, line int, msg string) bool {
	v.res.Valid = false
	v.res.Error = msg
	v.res.ErrorLine = line
	v.res.ErrorFile = file
	return false
}

func (v *verifier) finish() VerifyResult {
	v.res.Valid = true
	v.res.Head = v.prev
	return v.res
}
