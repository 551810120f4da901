package models

import "time"

// Notification event types.
const (
	EventClockIn          = "attendance.clock_in"
	EventClockOut         = "attendance.clock_out"
	EventOverride         = "attendance.override"
	EventRequestSubmitted = "manual_request.submitted"
	EventRequestDecided   = "manual_request.decided"
)

// Notification is a best-effort event fanned out to live channels.
type Notification struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Channels  []string               `json:"channels"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// Channel names.
func SessionChannel(sessionID string) string   { return "attendance-updates-" + sessionID }
func OwnerChannel(ownerID string) string       { return "faculty-schedule-" + ownerID }
func IdentityChannel(identityID string) string { return "identity-" + identityID }
