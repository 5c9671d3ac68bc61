// Package audit reads persisted telemetry logs back for operators: replay
// with filters, a one-row-per-event timeline, and following the active
// file across rotations.
package audit

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ppiankov/clawtrail/internal/event"
	"github.com/ppiankov/clawtrail/internal/rotate"
)

// maxLineSize bounds a single record read back from disk.
const maxLineSize = 16 << 20

// ReplayFilter holds filtering criteria for replay.
type ReplayFilter struct {
	SessionKey string       // empty = every session
	Kinds      []event.Kind // empty = every kind
	From       time.Time    // zero value = no lower bound
	To         time.Time    // zero value = no upper bound
}

func (f ReplayFilter) match(e event.Event) bool {
	h := e.Meta()
	if f.SessionKey != "" && h.SessionKey != f.SessionKey {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == e.Kind() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	ts := time.UnixMilli(h.TS)
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ts.After(f.To) {
		return false
	}
	return true
}

// ReplaySummary holds counts and totals over the replayed records.
type ReplaySummary struct {
	Total        int                `json:"total"`
	ByKind       map[event.Kind]int `json:"byKind"`
	Failures     int                `json:"failures"`
	Sessions     int                `json:"sessions"`
	InputTokens  int64              `json:"inputTokens"`
	OutputTokens int64              `json:"outputTokens"`
	CostUSD      float64            `json:"costUsd"`
	FirstTS      int64              `json:"firstTs"`
	LastTS       int64              `json:"lastTs"`
	FirstSeq     int64              `json:"firstSeq"`
	LastSeq      int64              `json:"lastSeq"`
	// Skipped counts lines that were blank, malformed or of unknown type.
	Skipped int `json:"skipped"`
}

// ReplayResult holds the matching events and their summary.
type ReplayResult struct {
	Events  []event.Event `json:"events"`
	Summary ReplaySummary `json:"summary"`
}

// Replay reads the given files in order (use rotate.Files for a whole
// log) and returns the events matching filter.
func Replay(paths []string, filter ReplayFilter) (*ReplayResult, error) {
	var events []event.Event
	skipped := 0

	for _, path := range paths {
		rc, err := rotate.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open telemetry log: %w", err)
		}
		err = scanLines(rc, func(line []byte) {
			e, err := event.Decode(line)
			if err != nil {
				skipped++
				return
			}
			if filter.match(e) {
				events = append(events, e)
			}
		})
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read telemetry log %s: %w", path, err)
		}
	}

	result := &ReplayResult{Events: events, Summary: Summarize(events)}
	result.Summary.Skipped = skipped
	return result, nil
}

// Last returns a result holding only the last n events, with the summary
// recomputed over them. n <= 0 keeps everything.
func (r *ReplayResult) Last(n int) *ReplayResult {
	if n <= 0 || n >= len(r.Events) {
		return r
	}
	events := r.Events[len(r.Events)-n:]
	out := &ReplayResult{Events: events, Summary: Summarize(events)}
	out.Summary.Skipped = r.Summary.Skipped
	return out
}

// Summarize computes counts and totals over events.
func Summarize(events []event.Event) ReplaySummary {
	s := ReplaySummary{ByKind: make(map[event.Kind]int)}
	sessions := make(map[string]bool)
	for _, e := range events {
		updateSummary(&s, e)
		if k := e.Meta().SessionKey; k != "" && !sessions[k] {
			sessions[k] = true
			s.Sessions++
		}
	}
	return s
}

func scanLines(r io.Reader, fn func(line []byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	return scanner.Err()
}

func updateSummary(s *ReplaySummary, e event.Event) {
	s.Total++
	s.ByKind[e.Kind()]++
	if event.Failed(e) {
		s.Failures++
	}
	if u, ok := e.(*event.LLMUsage); ok {
		if u.InputTokens != nil {
			s.InputTokens += *u.InputTokens
		}
		if u.OutputTokens != nil {
			s.OutputTokens += *u.OutputTokens
		}
		if u.CostUSD != nil {
			s.CostUSD += *u.CostUSD
		}
	}

	h := e.Meta()
	if s.Total == 1 {
		s.FirstTS, s.FirstSeq = h.TS, h.Seq
	}
	s.LastTS, s.LastSeq = h.TS, h.Seq
}

// Tail returns the last n non-blank lines of path and the offset just past
// the bytes read, suitable for Follow. n <= 0 returns no lines.
func Tail(path string, n int) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open telemetry log: %w", err)
	}
	defer f.Close()

	var lines []string
	var offset int64
	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			offset += int64(len(line))
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 && n > 0 {
				lines = append(lines, string(trimmed))
				if len(lines) > n {
					lines = lines[1:]
				}
			}
		}
		if err == io.EOF {
			// A trailing partial line is left for Follow to complete.
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read telemetry log: %w", err)
		}
	}
	return lines, offset, nil
}
