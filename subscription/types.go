// Package subscription reconstructs a change feed from a store that has no
// event hooks by diffing successive immutable snapshots, and serves the
// resulting changes to pollers.
//
// One Manager owns all subscription state. A single owner goroutine
// applies every mutation (subscribe, buffer append, drain, cancel), so
// nothing else ever touches a subscription record. A separate detector
// goroutine reads the store, diffs snapshots and hands each batch of
// changes to the owner for distribution.
package subscription

import (
	"time"
)

// ChangeType classifies a Change.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// ResourceAll subscribes to every resource type.
const ResourceAll = "all"

// Change is one detected difference between two snapshots. Timestamp is
// the detection time, not the mutation time.
type Change struct {
	Type         ChangeType             `json:"type"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Version      uint64                 `json:"version"`
	Timestamp    time.Time              `json:"timestamp"`
	OldData      map[string]interface{} `json:"old_data,omitempty"`
	NewData      map[string]interface{} `json:"new_data,omitempty"`
}

// Data returns the record state a filter is evaluated against: the new
// data for created and updated, the old data for deleted.
func (c Change) Data() map[string]interface{} {
	if c.Type == ChangeDeleted {
		return c.OldData
	}
	return c.NewData
}

// Options tune one subscription. Zero values take the manager defaults.
type Options struct {
	// Interval is how often the caller wants the store checked.
	// The detector runs at the smallest interval across active subscriptions.
	Interval time.Duration

	// BatchSize caps the changes returned by one poll.
	BatchSize int

	// BufferSize caps the undelivered changes kept. When full the oldest
	// are dropped.
	BufferSize int
}

// Info is a read-only view of a subscription.
type Info struct {
	ID              string    `json:"id"`
	ResourceType    string    `json:"resource_type"`
	Filter          *Filter   `json:"filter,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastVersion     uint64    `json:"last_version"`
	Token           string    `json:"poll_token"`
	Buffered        int       `json:"buffered"`
	Dropped         int       `json:"dropped"`
	Active          bool      `json:"active"`
	IntervalSeconds float64   `json:"interval_seconds"`
	BatchSize       int       `json:"batch_size"`
	BufferSize      int       `json:"buffer_size"`
}

// PollResult is returned by Poll.
type PollResult struct {
	SubscriptionID string   `json:"subscription_id"`
	Changes        []Change `json:"changes"`
	Token          string   `json:"poll_token"`
	HasMore        bool     `json:"has_more"`
	Dropped        int      `json:"dropped,omitempty"`
	Active         bool     `json:"active"`
}
