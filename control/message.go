// Package control is the message protocol between the cache layer and the
// host application: commands flow in, notifications flow out.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

// Host -> layer commands.
const (
	SkipWaiting Type = "SKIP_WAITING"
	CacheURLs   Type = "CACHE_URLS"
	ClearCache  Type = "CLEAR_CACHE"
)

// Layer -> host notifications.
const (
	UpdateAvailable   Type = "UPDATE_AVAILABLE"
	SyncRequested     Type = "SYNC_REQUESTED"
	StateChange       Type = "STATE_CHANGE"
	ShowNotification  Type = "SHOW_NOTIFICATION"
	CloseNotification Type = "CLOSE_NOTIFICATION"
	Navigate          Type = "NAVIGATE"
)

var ErrUnknownType = errors.New("control: unknown message type")

// Message is the envelope for both directions: {"type": ..., "data": {...}}.
type Message struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IsCommand reports whether t is accepted from the host.
func (t Type) IsCommand() bool {
	switch t {
	case SkipWaiting, CacheURLs, ClearCache:
		return true
	}
	return false
}

// Decode parses a host command. Unknown types and malformed JSON are rejected.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("control: decode message: %w", err)
	}
	if !m.Type.IsCommand() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return m, nil
}

// New builds a message with data marshalled as JSON. nil data is omitted.
func New(t Type, data any) (Message, error) {
	m := Message{Type: t}
	if data == nil {
		return m, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("control: encode %s: %w", t, err)
	}
	m.Data = raw
	return m, nil
}

// Bind unmarshals the message data into v. Missing data leaves v untouched.
func (m Message) Bind(v any) error {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("control: %s data: %w", m.Type, err)
	}
	return nil
}

type CacheURLsData struct {
	URLs []string `json:"urls"`
}

type StateChangeData struct {
	Version string `json:"version"`
	State   string `json:"state"`
}

type UpdateData struct {
	Version string `json:"version"`
}

type SyncData struct {
	Tag string `json:"tag"`
}

type NotificationData struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	URL   string `json:"url,omitempty"`
}

type NavigateData struct {
	URL string `json:"url"`
}
