package api

import "time"

// DashboardEvent is the wrapper for every message pushed over the
// dashboard WebSocket stream.
type DashboardEvent struct {
	Type      string      `json:"type"` // "snapshot" (the only type built, by NewSnapshotEvent)
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewSnapshotEvent wraps a full dashboard snapshot for broadcast.
func NewSnapshotEvent(snap DashboardSnapshot) DashboardEvent {
	return DashboardEvent{Type: "snapshot", Timestamp: time.Now(), Data: snap}
}
