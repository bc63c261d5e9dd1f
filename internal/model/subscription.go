package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Patterns is a JSON-encoded list of event type patterns ("build.completed"
// or trailing-wildcard "build.*") stored in a MySQL JSON column.
type Patterns []string

func (p Patterns) Value() (driver.Value, error) {
	if p == nil {
		p = Patterns{}
	}
	return json.Marshal(p)
}

func (p *Patterns) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("patterns: cannot scan %T", src)
	}
}

// Tags is a flat string map stored as a MySQL JSON column. It backs both
// subscription filters and event metadata.
type Tags map[string]string

func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		t = Tags{}
	}
	return json.Marshal(t)
}

func (t *Tags) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = nil
		return nil
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	default:
		return fmt.Errorf("tags: cannot scan %T", src)
	}
}

// Subscription is a registered receiver endpoint. The secret is write-once:
// it is returned by create/rotate responses and never serialized afterwards.
type Subscription struct {
	ID        string     `db:"id"         json:"id"`
	Name      string     `db:"name"       json:"name"`
	URL       string     `db:"url"        json:"url"`
	Secret    string     `db:"secret"     json:"-"`
	Events    Patterns   `db:"events"     json:"events"`
	Filters   Tags       `db:"filters"    json:"filters,omitempty"`
	RateLimit *int       `db:"rate_limit" json:"rate_limit,omitempty"` // deliveries/minute, nil = unlimited
	Active    bool       `db:"active"     json:"active"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	RetiredAt *time.Time `db:"retired_at" json:"retired_at,omitempty"`
}

// RateLimitPerMinute returns the effective per-minute limit, 0 = unlimited.
func (s Subscription) RateLimitPerMinute() int {
	if s.RateLimit == nil || *s.RateLimit <= 0 {
		return 0
	}
	return *s.RateLimit
}

// Matches reports whether an event with the given type and metadata should
// be delivered to this subscription: the subscription is active, the type
// matches one of its patterns, and every filter key is present in the
// event metadata with an equal value.
func (s Subscription) Matches(eventType string, metadata Tags) bool {
	if !s.Active {
		return false
	}

	matched := false
	for _, p := range s.Events {
		if PatternMatches(p, eventType) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for k, want := range s.Filters {
		got, ok := metadata[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// PatternMatches reports whether eventType matches pattern: exact equality,
// or prefix match when the pattern ends in ".*".
func PatternMatches(pattern, eventType string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}

// ValidEventPattern reports whether p is a well-formed subscription pattern:
// an exact "category.action" type or a trailing wildcard "category.*".
func ValidEventPattern(p string) bool {
	if category, ok := strings.CutSuffix(p, ".*"); ok {
		return validTypeSegment(category)
	}
	return ValidEventType(p)
}
