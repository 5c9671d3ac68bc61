// Package event defines the telemetry record variants written by the sink.
// Every variant embeds Header, so the persisted JSON line carries the
// variant fields plus type, seq, ts and the optional chain hashes.
// All variants are structs (no top-level maps) so json.Marshal field
// order is deterministic.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates event variants. It is persisted as the "type" field.
type Kind string

const (
	KindToolStart      Kind = "tool.start"
	KindToolEnd        Kind = "tool.end"
	KindMessageIn      Kind = "message.in"
	KindMessageSending Kind = "message.sending"
	KindMessageOut     Kind = "message.out"
	KindLLMUsage       Kind = "llm.usage"
	KindAgentStart     Kind = "agent.start"
	KindAgentEnd       Kind = "agent.end"
	KindSessionStart   Kind = "session.start"
	KindSessionEnd     Kind = "session.end"
)

// Kinds lists every known variant in declaration order.
var Kinds = []Kind{
	KindToolStart, KindToolEnd,
	KindMessageIn, KindMessageSending, KindMessageOut,
	KindLLMUsage,
	KindAgentStart, KindAgentEnd,
	KindSessionStart, KindSessionEnd,
}

// ErrUnknownKind is returned when a record carries a type this package
// does not define.
var ErrUnknownKind = errors.New("event: unknown kind")

// Header holds the fields shared by every variant. Seq and TS are assigned
// by the service at admission; PrevHash and Hash only by the integrity chain.
type Header struct {
	Type       Kind   `json:"type"`
	Seq        int64  `json:"seq"`
	TS         int64  `json:"ts"`
	SessionKey string `json:"sessionKey,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	PrevHash   string `json:"prevHash,omitempty"`
	Hash       string `json:"hash,omitempty"`
}

// Meta returns the shared header for in-place stamping of an owned copy.
func (h *Header) Meta() *Header { return h }

// Event is implemented by pointers to the variant structs.
type Event interface {
	Kind() Kind
	Meta() *Header
}

// ToolStart is recorded before a tool call executes.
type ToolStart struct {
	Header
	ToolName string         `json:"toolName"`
	Params   map[string]any `json:"params"`
}

// ToolEnd is recorded after a tool call returns.
type ToolEnd struct {
	Header
	ToolName   string         `json:"toolName"`
	Params     map[string]any `json:"params,omitempty"`
	Result     any            `json:"result,omitempty"`
	DurationMs *int64         `json:"durationMs,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
}

// MessageIn is an inbound channel message.
type MessageIn struct {
	Header
	Channel       string         `json:"channel"`
	From          string         `json:"from"`
	Content       string         `json:"content,omitempty"`
	ContentLength int            `json:"contentLength"`
	Timestamp     *int64         `json:"timestamp,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// MessageSending is an outbound message about to be delivered.
type MessageSending struct {
	Header
	Channel string `json:"channel"`
	To      string `json:"to"`
	Content string `json:"content,omitempty"`
}

// MessageOut is the delivery outcome of an outbound message.
type MessageOut struct {
	Header
	Channel string `json:"channel"`
	To      string `json:"to"`
	Content string `json:"content,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// LLMUsage reports token consumption of one model call.
type LLMUsage struct {
	Header
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	InputTokens  *int64   `json:"inputTokens,omitempty"`
	OutputTokens *int64   `json:"outputTokens,omitempty"`
	CacheTokens  *int64   `json:"cacheTokens,omitempty"`
	DurationMs   *int64   `json:"durationMs,omitempty"`
	CostUSD      *float64 `json:"costUsd,omitempty"`
}

// AgentStart is recorded when a main or sub-agent run begins.
type AgentStart struct {
	Header
	Prompt       string `json:"prompt,omitempty"`
	PromptLength int    `json:"promptLength"`
	MessageCount *int   `json:"messageCount,omitempty"`
}

// AgentEnd is recorded when an agent run finishes.
type AgentEnd struct {
	Header
	Success      bool   `json:"success"`
	DurationMs   *int64 `json:"durationMs,omitempty"`
	MessageCount *int   `json:"messageCount,omitempty"`
	Error        string `json:"error,omitempty"`
}

// SessionStart opens a session.
type SessionStart struct {
	Header
	SessionID   string `json:"sessionId"`
	ResumedFrom string `json:"resumedFrom,omitempty"`
}

// SessionEnd closes a session.
type SessionEnd struct {
	Header
	SessionID    string `json:"sessionId"`
	MessageCount *int   `json:"messageCount,omitempty"`
	DurationMs   *int64 `json:"durationMs,omitempty"`
}

func (*ToolStart) Kind() Kind      { return KindToolStart }
func (*ToolEnd) Kind() Kind        { return KindToolEnd }
func (*MessageIn) Kind() Kind      { return KindMessageIn }
func (*MessageSending) Kind() Kind { return KindMessageSending }
func (*MessageOut) Kind() Kind     { return KindMessageOut }
func (*LLMUsage) Kind() Kind       { return KindLLMUsage }
func (*AgentStart) Kind() Kind     { return KindAgentStart }
func (*AgentEnd) Kind() Kind       { return KindAgentEnd }
func (*SessionStart) Kind() Kind   { return KindSessionStart }
func (*SessionEnd) Kind() Kind     { return KindSessionEnd }

// New returns an empty variant for kind.
func New(kind Kind) (Event, error) {
	switch kind {
	case KindToolStart:
		return &ToolStart{}, nil
	case KindToolEnd:
		return &ToolEnd{}, nil
	case KindMessageIn:
		return &MessageIn{}, nil
	case KindMessageSending:
		return &MessageSending{}, nil
	case KindMessageOut:
		return &MessageOut{}, nil
	case KindLLMUsage:
		return &LLMUsage{}, nil
	case KindAgentStart:
		return &AgentStart{}, nil
	case KindAgentEnd:
		return &AgentEnd{}, nil
	case KindSessionStart:
		return &SessionStart{}, nil
	case KindSessionEnd:
		return &SessionEnd{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Clone returns a shallow copy of e. Nested maps and slices are shared;
// callers that rewrite them (the redactor) build new ones.
func Clone(e Event) Event {
	switch v := e.(type) {
	case *ToolStart:
		c := *v
		return &c
	case *ToolEnd:
		c := *v
		return &c
	case *MessageIn:
		c := *v
		return &c
	case *MessageSending:
		c := *v
		return &c
	case *MessageOut:
		c := *v
		return &c
	case *LLMUsage:
		c := *v
		return &c
	case *AgentStart:
		c := *v
		return &c
	case *AgentEnd:
		c := *v
		return &c
	case *SessionStart:
		c := *v
		return &c
	case *SessionEnd:
		c := *v
		return &c
	default:
		return e
	}
}

// Decode parses one persisted line into its variant. Numbers inside
// free-form fields (params, result, metadata) decode as json.Number so
// the record re-marshals byte-identically.
func Decode(line []byte) (Event, error) {
	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, fmt.Errorf("event: decode: %w", err)
	}
	e, err := New(probe.Type)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(e); err != nil {
		return nil, fmt.Errorf("event: decode %s: %w", probe.Type, err)
	}
	return e, nil
}

// Failed reports whether e is an outcome event that did not succeed.
// Only tool.end, message.out and agent.end carry an outcome.
func Failed(e Event) bool {
	switch v := e.(type) {
	case *ToolEnd:
		return !v.Success
	case *MessageOut:
		return !v.Success
	case *AgentEnd:
		return !v.Success
	default:
		return false
	}
}

// Int64 returns a pointer to n, for optional numeric fields.
func Int64(n int64) *int64 { return &n }

// Int returns a pointer to n.
func Int(n int) *int { return &n }

// Float64 returns a pointer to f.
func Float64(f float64) *float64 { return &f }
