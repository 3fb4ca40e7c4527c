// Package events defines the analytics event model and the filter types
// used by the read path.
package events

import (
	"fmt"
	"reflect"
	"time"
)

// Sort keys accepted by the events query endpoint.
const (
	SortByTimestamp = "timestamp"
	SortByEventName = "eventName"
	SortByUserID    = "userId"
)

// Sort directions.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// AnalyticsEvent is one tracked event. Events are immutable once stored;
// identity is (TenantID, EventID).
type AnalyticsEvent struct {
	EventID    string                 `json:"eventId"`
	TenantID   string                 `json:"tenantId"`
	EventName  string                 `json:"eventName"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	ReceivedAt time.Time              `json:"receivedAt"`
	UserID     string                 `json:"userId,omitempty"`
	SessionID  string                 `json:"sessionId,omitempty"`
	DeviceID   string                 `json:"deviceId,omitempty"`
	Country    string                 `json:"country,omitempty"`
}

// Validate checks the fields the core cares about. Property contents are
// opaque and never validated beyond being a map.
func (e *AnalyticsEvent) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("event missing tenantId")
	}
	if e.EventID == "" {
		return fmt.Errorf("event missing eventId")
	}
	if e.EventName == "" {
		return fmt.Errorf("event missing eventName")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event missing timestamp")
	}
	return nil
}

// Filter describes the events read path: equality and range predicates
// applied in memory after the storage scan. Zero time bounds mean
// unbounded.
type Filter struct {
	TenantID   string
	EventNames []string
	UserID     string
	StartDate  time.Time
	EndDate    time.Time
	Properties map[string]interface{}

	SortBy    string
	SortOrder string
	Limit     int
	Offset    int
}

// Matches reports whether the event satisfies every predicate of the
// filter. The tenant predicate is included as a last line of defense;
// storage adapters already scan tenant-scoped partitions only.
func (f *Filter) Matches(e *AnalyticsEvent) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}

	if len(f.EventNames) > 0 {
		found := false
		for _, name := range f.EventNames {
			if e.EventName == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}

	if !f.StartDate.IsZero() && e.Timestamp.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && e.Timestamp.After(f.EndDate) {
		return false
	}

	for key, want := range f.Properties {
		got, ok := e.Properties[key]
		if !ok || !propertyEqual(got, want) {
			return false
		}
	}

	return true
}

// propertyEqual compares two loosely-typed property values. JSON numbers
// decode as float64, so numeric values are normalized before comparison.
func propertyEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
