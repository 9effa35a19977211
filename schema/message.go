package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SenderKind tags who produced a message.
type SenderKind string

const (
	// SenderHuman marks a message written by a participant.
	SenderHuman SenderKind = "human"
	// SenderAgent marks a message produced by the automated agent.
	SenderAgent SenderKind = "agent"
)

// timestampLayout matches the millisecond ISO-8601 form browsers emit.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Sender identifies the author of a message.
type Sender struct {
	ID    UserID `json:"_id"`
	Email string `json:"email,omitempty"`
}

// AgentSender returns the sender used for agent messages.
func AgentSender() Sender {
	return Sender{ID: AgentUserID}
}

// Kind reports whether the sender is the agent or a human participant.
func (s Sender) Kind() SenderKind {
	if s.ID == AgentUserID || s.ID == legacyAgentUserID {
		return SenderAgent
	}
	return SenderHuman
}

// IsAgent reports whether the sender is the agent.
func (s Sender) IsAgent() bool { return s.Kind() == SenderAgent }

// Message is one immutable entry of a project conversation.
type Message struct {
	Sender    Sender
	Body      string
	Timestamp time.Time
}

// UnixMilli returns the ordering key; an absent timestamp is epoch 0.
func (m Message) UnixMilli() int64 {
	if m.Timestamp.IsZero() {
		return 0
	}
	return m.Timestamp.UnixMilli()
}

type wireMessage struct {
	Message   string          `json:"message"`
	Sender    Sender          `json:"sender"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// MarshalJSON encodes the realtime/cache wire shape.
func (m Message) MarshalJSON() ([]byte, error) {
	wire := wireMessage{Message: m.Body, Sender: m.Sender}
	if !m.Timestamp.IsZero() {
		ts, err := json.Marshal(m.Timestamp.UTC().Format(timestampLayout))
		if err != nil {
			return nil, err
		}
		wire.Timestamp = ts
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the wire shape. Timestamps may be ISO-8601 strings
// or unix milliseconds; null or missing leaves the zero time.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return err
	}
	*m = Message{Sender: wire.Sender, Body: wire.Message, Timestamp: ts}
	return nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms), nil
		}
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s", raw)
	}
	return time.UnixMilli(int64(ms)), nil
}

// AgentPayload is the structured body carried by agent messages.
type AgentPayload struct {
	Text     string   `json:"text"`
	FileTree FileTree `json:"fileTree,omitempty"`
}

// HasPatch reports whether the payload carries file tree changes.
func (p AgentPayload) HasPatch() bool { return len(p.FileTree) > 0 }

// ErrMalformedAgentPayload marks an agent body that is not a valid payload.
var ErrMalformedAgentPayload = errors.New("malformed agent payload")

// ParseAgentPayload decodes an agent message body.
func ParseAgentPayload(body string) (AgentPayload, error) {
	var payload AgentPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return AgentPayload{}, fmt.Errorf("%w: %v", ErrMalformedAgentPayload, err)
	}
	return payload, nil
}

// EncodeAgentPayload serializes a payload into a message body.
func EncodeAgentPayload(payload AgentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// HumanMessage is a message written by a participant.
type HumanMessage struct {
	Message
}

// AgentMessage is an agent message with its parsed payload. ParseErr is set
// when the body could not be decoded; Payload.Text then holds the raw body.
type AgentMessage struct {
	Message
	Payload  AgentPayload
	ParseErr error
}

// AsAgent returns the agent view of the message when the sender is the agent.
func (m Message) AsAgent() (AgentMessage, bool) {
	if !m.Sender.IsAgent() {
		return AgentMessage{}, false
	}
	payload, err := ParseAgentPayload(m.Body)
	if err != nil {
		return AgentMessage{Message: m, Payload: AgentPayload{Text: m.Body}, ParseErr: err}, true
	}
	return AgentMessage{Message: m, Payload: payload}, true
}

// AsHuman returns the human view of the message when the sender is a participant.
func (m Message) AsHuman() (HumanMessage, bool) {
	if m.Sender.IsAgent() {
		return HumanMessage{}, false
	}
	return HumanMessage{Message: m}, true
}

// Text returns the human readable text of the message.
func (m Message) Text() string {
	if agent, ok := m.AsAgent(); ok {
		return agent.Payload.Text
	}
	return m.Body
}
