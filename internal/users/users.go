// Package users defines the user profile model and the merge semantics
// applied on identify calls.
package users

import (
	"fmt"
	"time"
)

// Sort keys accepted by the users query endpoint.
const (
	SortByLastSeen   = "lastSeen"
	SortByFirstSeen  = "firstSeen"
	SortByUserID     = "userId"
	SortByEventCount = "eventCount"
)

// UserRecord is one user profile. Identity is (TenantID, UserID). The
// record is created on first identify and merge-upserted afterwards.
type UserRecord struct {
	UserID       string                 `json:"userId"`
	TenantID     string                 `json:"tenantId"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
	FirstSeen    time.Time              `json:"firstSeen"`
	LastSeen     time.Time              `json:"lastSeen"`
	SessionCount int                    `json:"sessionCount"`
	EventCount   int                    `json:"eventCount"`
}

// Validate checks the identity fields.
func (u *UserRecord) Validate() error {
	if u.TenantID == "" {
		return fmt.Errorf("user missing tenantId")
	}
	if u.UserID == "" {
		return fmt.Errorf("user missing userId")
	}
	return nil
}

// MergeProperties merges incoming traits into existing ones shallowly:
// incoming keys win, absent keys are preserved. Neither input map is
// mutated.
func MergeProperties(existing, incoming map[string]interface{}) map[string]interface{} {
	if existing == nil && incoming == nil {
		return nil
	}

	merged := make(map[string]interface{}, len(existing)+len(incoming))
	for key, value := range existing {
		merged[key] = value
	}
	for key, value := range incoming {
		merged[key] = value
	}
	return merged
}

// ApplyIdentify computes the record to persist for an identify call.
// For a new user (existing == nil) the record starts its first session.
// For a returning user, FirstSeen is preserved, the session count grows
// only when the gap since LastSeen exceeds sessionGap, and the event
// count always grows by one. LastSeen becomes the identify timestamp;
// ordering across out-of-order requests is not guaranteed.
func ApplyIdentify(existing *UserRecord, tenantID, userID string, traits map[string]interface{}, at time.Time, sessionGap time.Duration) UserRecord {
	if existing == nil {
		return UserRecord{
			UserID:       userID,
			TenantID:     tenantID,
			Properties:   MergeProperties(nil, traits),
			FirstSeen:    at,
			LastSeen:     at,
			SessionCount: 1,
			EventCount:   1,
		}
	}

	record := UserRecord{
		UserID:       userID,
		TenantID:     tenantID,
		Properties:   MergeProperties(existing.Properties, traits),
		FirstSeen:    existing.FirstSeen,
		LastSeen:     at,
		SessionCount: existing.SessionCount,
		EventCount:   existing.EventCount + 1,
	}

	if at.Sub(existing.LastSeen) > sessionGap {
		record.SessionCount++
	}

	return record
}

// Filter describes the users read path. Time bounds apply to LastSeen;
// zero bounds mean unbounded.
type Filter struct {
	TenantID  string
	UserID    string
	StartDate time.Time
	EndDate   time.Time

	SortBy    string
	SortOrder string
	Limit     int
	Offset    int
}

// Matches reports whether the record satisfies every filter predicate.
func (f *Filter) Matches(u *UserRecord) bool {
	if f.TenantID != "" && u.TenantID != f.TenantID {
		return false
	}
	if f.UserID != "" && u.UserID != f.UserID {
		return false
	}
	if !f.StartDate.IsZero() && u.LastSeen.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && u.LastSeen.After(f.EndDate) {
		return false
	}
	return true
}
