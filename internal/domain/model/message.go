package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Channel name markers. A leading "!" excludes the channel from history
// entirely; a leading "?" makes its stored history expire after the
// configured TTL.
const (
	noStoreMarker  = "!"
	volatileMarker = "?"
)

// AdditionalData keys understood by the relay itself. Everything else in
// the map is opaque payload carried for clients and bridges.
const (
	// HistoryFlag marks a replayed message so clients can tell it apart
	// from live delivery.
	HistoryFlag = "__history"

	// LoopMarkerPrefix, concatenated with a bridge service name, tags a
	// message that entered through that bridge. The bridge's outbound
	// relay drops such messages to prevent echo loops.
	LoopMarkerPrefix = "__from"
)

// ChatMessage is the unit of traffic flowing through channels, direct
// delivery and history. TargetUserIDs empty means channel broadcast.
type ChatMessage struct {
	SenderID       string         `json:"senderUserId"`
	SenderName     string         `json:"senderDisplayName"`
	TargetUserIDs  []string       `json:"targetUserIds,omitempty"`
	Channel        string         `json:"channel,omitempty"`
	Text           string         `json:"text"`
	Timestamp      int64          `json:"timestamp,omitempty"`
	AdditionalData map[string]any `json:"additionalData,omitempty"`
}

// EnsureTimestamp defaults the timestamp to arrival time, in epoch millis.
func (m *ChatMessage) EnsureTimestamp(now time.Time) {
	if m.Timestamp == 0 {
		m.Timestamp = now.UnixMilli()
	}
}

// SetData writes a key into AdditionalData, allocating the map if needed.
func (m *ChatMessage) SetData(key string, value any) {
	if m.AdditionalData == nil {
		m.AdditionalData = make(map[string]any, 1)
	}
	m.AdditionalData[key] = value
}

// DataFlag reports whether AdditionalData carries key with a true value.
func (m *ChatMessage) DataFlag(key string) bool {
	if m.AdditionalData == nil {
		return false
	}
	v, ok := m.AdditionalData[key].(bool)
	return ok && v
}

// DataString returns the string stored under key, or "".
func (m *ChatMessage) DataString(key string) string {
	if m.AdditionalData == nil {
		return ""
	}
	s, _ := m.AdditionalData[key].(string)
	return s
}

// Clone returns a copy whose AdditionalData map is independent, so a
// caller can tag the clone without mutating the stored original.
func (m ChatMessage) Clone() ChatMessage {
	out := m
	if m.AdditionalData != nil {
		out.AdditionalData = make(map[string]any, len(m.AdditionalData))
		for k, v := range m.AdditionalData {
			out.AdditionalData[k] = v
		}
	}
	if m.TargetUserIDs != nil {
		out.TargetUserIDs = append([]string(nil), m.TargetUserIDs...)
	}
	return out
}

// LoopMarker builds the loop-prevention key for a bridge service name.
func LoopMarker(service string) string {
	return LoopMarkerPrefix + service
}

// ShouldStore reports whether messages on the channel are persisted.
func ShouldStore(channel string) bool {
	return !strings.HasPrefix(channel, noStoreMarker)
}

// IsVolatile reports whether the channel's stored history is time-limited.
func IsVolatile(channel string) bool {
	return strings.HasPrefix(channel, volatileMarker)
}

// Envelope is the wire frame sent to clients. An error envelope and a
// messages envelope are mutually exclusive in practice.
type Envelope struct {
	Error    string        `json:"error,omitempty"`
	Messages []ChatMessage `json:"messages,omitempty"`
}

// EnvelopeForMessages wraps messages for delivery.
func EnvelopeForMessages(msgs ...ChatMessage) Envelope {
	return Envelope{Messages: msgs}
}

// EnvelopeForError wraps a client-facing error string.
func EnvelopeForError(msg string) Envelope {
	return Envelope{Error: msg}
}

// Encode marshals the envelope for the socket. Marshalling a plain struct
// of strings and maps cannot fail in practice; an error yields nil.
func (e Envelope) Encode() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return data
}
