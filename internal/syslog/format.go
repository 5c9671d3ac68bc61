package syslog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/clawtrail/internal/event"
)

const (
	severityError = 3
	severityInfo  = 6

	cefSeverityHigh = 7
	cefSeverityLow  = 3

	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// Severity returns the syslog severity for e: error for failed outcome
// events, info otherwise.
func Severity(e event.Event) int {
	if event.Failed(e) {
		return severityError
	}
	return severityInfo
}

// Priority returns the RFC5424 PRI value.
func Priority(facility int, e event.Event) int {
	return facility*8 + Severity(e)
}

// FormatMessage frames e as one RFC5424 record:
//
//	<PRI>1 TIMESTAMP - APP-NAME - MSGID - BODY
//
// with the event type as MSGID and a CEF or JSON body.
func FormatMessage(e event.Event, facility int, appName, format string) (string, error) {
	var body string
	switch format {
	case FormatNameJSON:
		b, err := FormatJSON(e)
		if err != nil {
			return "", err
		}
		body = b
	case FormatNameCEF, "":
		body = FormatCEF(e, appName)
	default:
		return "", fmt.Errorf("syslog: unsupported format %q", format)
	}

	ts := time.UnixMilli(e.Meta().TS).UTC().Format(timestampLayout)
	return fmt.Sprintf("<%d>1 %s - %s - %s - %s",
		Priority(facility, e), ts, appName, e.Kind(), body), nil
}

// FormatJSON returns the signed event as compact JSON.
func FormatJSON(e event.Event) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("syslog: marshal %s: %w", e.Kind(), err)
	}
	return string(b), nil
}

// FormatCEF renders e in ArcSight Common Event Format.
func FormatCEF(e event.Event, appName string) string {
	sev := cefSeverityLow
	if Severity(e) == severityError {
		sev = cefSeverityHigh
	}
	return fmt.Sprintf("CEF:0|OpenClaw|%s|1.0|%d|%s|%d|%s",
		escapeCEFHeader(appName), SignatureID(e.Kind()), escapeCEFHeader(EventName(e.Kind())),
		sev, cefExtension(e))
}

var signatureIDs = map[event.Kind]int{
	event.KindToolStart:  1001,
	event.KindToolEnd:    1002,
	event.KindMessageIn:  2001,
	event.KindMessageOut: 2002,
	event.KindLLMUsage:   3001,
	event.KindAgentStart: 4001,
	event.KindAgentEnd:   4002,
}

var eventNames = map[event.Kind]string{
	event.KindToolStart:  "Tool Invocation Started",
	event.KindToolEnd:    "Tool Invocation Completed",
	event.KindMessageIn:  "Message Received",
	event.KindMessageOut: "Message Sent",
	event.KindLLMUsage:   "LLM Usage",
	event.KindAgentStart: "Agent Started",
	event.KindAgentEnd:   "Agent Completed",
}

// SignatureID returns the CEF signature id for kind, 9999 if unmapped.
func SignatureID(kind event.Kind) int {
	if id, ok := signatureIDs[kind]; ok {
		return id
	}
	return 9999
}

// EventName returns the CEF event name for kind, the raw kind if unmapped.
func EventName(kind event.Kind) string {
	if name, ok := eventNames[kind]; ok {
		return name
	}
	return string(kind)
}

var cefValueEscaper = strings.NewReplacer(
	`\`, `\\`,
	`=`, `\=`,
	`|`, `\|`,
	"\n", `\n`,
	"\r", `\r`,
)

// EscapeCEF escapes an extension value. Line breaks are escaped too so a
// record never spans lines on a stream transport.
func EscapeCEF(s string) string {
	return cefValueEscaper.Replace(s)
}

var cefHeaderEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`, "\n", " ", "\r", " ")

func escapeCEFHeader(s string) string {
	return cefHeaderEscaper.Replace(s)
}

// extension accumulates key=value pairs, skipping empty values.
type extension []string

func (x *extension) add(key, value string) {
	if value != "" {
		*x = append(*x, key+"="+EscapeCEF(value))
	}
}

// labeled adds key=value and its keyLabel=label companion.
func (x *extension) labeled(key, label, value string) {
	if value != "" {
		x.add(key, value)
		x.add(key+"Label", label)
	}
}

func (x *extension) outcome(success bool) {
	if success {
		x.add("outcome", "success")
	} else {
		x.add("outcome", "failure")
	}
}

func intString(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func floatString(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func cefExtension(e event.Event) string {
	var x extension
	h := e.Meta()

	x.add("rt", strconv.FormatInt(h.TS, 10))
	x.labeled("cs1", "sessionKey", h.SessionKey)
	x.labeled("cs2", "agentId", h.AgentID)
	x.labeled("cs5", "hash", h.Hash)
	x.labeled("cs6", "prevHash", h.PrevHash)

	switch v := e.(type) {
	case *event.ToolStart:
		x.add("act", v.ToolName)
		if v.Params != nil {
			if b, err := json.Marshal(v.Params); err == nil {
				x.add("msg", string(b))
			}
		}
	case *event.ToolEnd:
		x.add("act", v.ToolName)
		x.outcome(v.Success)
		x.labeled("cn1", "durationMs", intString(v.DurationMs))
		x.add("reason", v.Error)
	case *event.MessageIn:
		x.add("suser", v.From)
		x.labeled("cs3", "channel", v.Channel)
		x.add("fsize", strconv.Itoa(v.ContentLength))
	case *event.MessageOut:
		x.add("duser", v.To)
		x.labeled("cs3", "channel", v.Channel)
		x.outcome(v.Success)
		x.add("reason", v.Error)
	case *event.LLMUsage:
		x.labeled("cs3", "provider", v.Provider)
		x.labeled("cs4", "model", v.Model)
		x.labeled("cn1", "inputTokens", intString(v.InputTokens))
		x.labeled("cn2", "outputTokens", intString(v.OutputTokens))
		x.labeled("cn3", "cacheTokens", intString(v.CacheTokens))
		x.labeled("cfp1", "costUsd", floatString(v.CostUSD))
	case *event.AgentStart:
		x.add("fsize", strconv.Itoa(v.PromptLength))
	case *event.AgentEnd:
		x.outcome(v.Success)
		x.labeled("cn1", "durationMs", intString(v.DurationMs))
		x.add("reason", v.Error)
	}

	return strings.Join(x, " ")
}
