package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Event is an immutable published fact. Payload holds the canonical wire
// bytes built once at publish time; every delivery attempt signs and sends
// exactly these bytes.
type Event struct {
	ID         string          `db:"id"          json:"id"`
	Type       string          `db:"type"        json:"type"`
	Source     string          `db:"source"      json:"source"`
	OccurredAt time.Time       `db:"occurred_at" json:"timestamp"`
	Data       json.RawMessage `db:"data"        json:"data"`
	Metadata   Tags            `db:"metadata"    json:"metadata,omitempty"`
	Payload    []byte          `db:"payload"     json:"-"`
	CreatedAt  time.Time       `db:"created_at"  json:"created_at"`
}

// canonicalEvent fixes the field order of the signed wire body.
type canonicalEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
	Metadata  Tags            `json:"metadata"`
}

// CanonicalPayload renders the exact byte body that gets signed and POSTed:
// {id, type, timestamp, source, data, metadata} with an RFC3339 timestamp.
func (e Event) CanonicalPayload() ([]byte, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	meta := e.Metadata
	if meta == nil {
		meta = Tags{}
	}
	return json.Marshal(canonicalEvent{
		ID:        e.ID,
		Type:      e.Type,
		Timestamp: e.OccurredAt.UTC().Format(time.RFC3339),
		Source:    e.Source,
		Data:      data,
		Metadata:  meta,
	})
}

// ValidEventType reports whether s has the "category.action" shape: exactly
// two non-empty dot-separated segments of letters, digits, '_' or '-'.
func ValidEventType(s string) bool {
	category, action, ok := strings.Cut(s, ".")
	if !ok {
		return false
	}
	return validTypeSegment(category) && validTypeSegment(action)
}

func validTypeSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
