package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/clawtrail/internal/event"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult, session string) string {
	if session == "" {
		session = "all"
	}
	if len(result.Events) == 0 {
		return fmt.Sprintf("Session: %s | No events found.\n", session)
	}

	var b strings.Builder

	b.WriteString(fmt.Sprintf("Session: %s | %s–%s UTC\n", session,
		formatDateTime(result.Summary.FirstTS), formatTimeOnly(result.Summary.LastTS)))
	b.WriteString(separator + "\n")

	for _, e := range result.Events {
		b.WriteString(FormatRow(e))
		b.WriteString("\n")
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatRow renders one event as a fixed-width timeline row.
func FormatRow(e event.Event) string {
	h := e.Meta()
	status := ""
	switch e.(type) {
	case *event.ToolEnd, *event.MessageOut, *event.AgentEnd:
		status = "OK"
		if event.Failed(e) {
			status = "FAIL"
		}
	}
	subject, detail := describe(e)
	row := fmt.Sprintf("%-12s %-7s %-16s %-4s %-32s %s",
		formatTimeOnly(h.TS), fmt.Sprintf("#%d", h.Seq), e.Kind(), status,
		truncate(subject, 32), detail)
	return strings.TrimRight(row, " ")
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func describe(e event.Event) (subject, detail string) {
	switch v := e.(type) {
	case *event.ToolStart:
		return v.ToolName, ""
	case *event.ToolEnd:
		return v.ToolName, joinDetail(formatDuration(v.DurationMs), v.Error)
	case *event.MessageIn:
		return v.Channel + " <- " + v.From, fmt.Sprintf("%d chars", v.ContentLength)
	case *event.MessageSending:
		return v.Channel + " -> " + v.To, ""
	case *event.MessageOut:
		return v.Channel + " -> " + v.To, v.Error
	case *event.LLMUsage:
		subject = v.Model
		if v.Provider != "" {
			subject = v.Provider + "/" + v.Model
		}
		return subject, joinDetail(
			formatTokens("in", v.InputTokens),
			formatTokens("out", v.OutputTokens),
			formatTokens("cache", v.CacheTokens),
			formatCost(v.CostUSD),
			formatDuration(v.DurationMs),
		)
	case *event.AgentStart:
		return agentName(v.AgentID), fmt.Sprintf("prompt %d chars", v.PromptLength)
	case *event.AgentEnd:
		return agentName(v.AgentID), joinDetail(formatDuration(v.DurationMs), v.Error)
	case *event.SessionStart:
		if v.ResumedFrom != "" {
			return v.SessionID, "resumed from " + v.ResumedFrom
		}
		return v.SessionID, ""
	case *event.SessionEnd:
		return v.SessionID, formatDuration(v.DurationMs)
	default:
		return "", ""
	}
}

func agentName(id string) string {
	if id == "" {
		return "main"
	}
	return id
}

func joinDetail(parts ...string) string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return ""
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}

func formatTokens(label string, n *int64) string {
	if n == nil {
		return ""
	}
	return fmt.Sprintf("%s=%d", label, *n)
}

func formatCost(usd *float64) string {
	if usd == nil {
		return ""
	}
	return fmt.Sprintf("$%.4f", *usd)
}

func formatDateTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("15:04:05.000")
}

func formatSummary(s ReplaySummary) string {
	parts := []string{}
	for _, k := range event.Kinds {
		if n := s.ByKind[k]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, k))
		}
	}

	line := fmt.Sprintf("Summary: %s | %d failed | seq %d..%d",
		strings.Join(parts, ", "), s.Failures, s.FirstSeq, s.LastSeq)
	if s.InputTokens > 0 || s.OutputTokens > 0 {
		line += fmt.Sprintf(" | tokens in=%d out=%d", s.InputTokens, s.OutputTokens)
	}
	if s.CostUSD > 0 {
		line += fmt.Sprintf(" | cost $%.4f", s.CostUSD)
	}
	return line + "\n"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
