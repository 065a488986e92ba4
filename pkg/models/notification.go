package models

import "time"

// NotificationRecord is a persisted, user-facing inbox item derived from an
// inbound message or a backend escalation event. Read and resolved state is
// mutated through the notification store only; the backend remains the
// authority for assignment and resolution, reconciled over REST.
type NotificationRecord struct {
	ID             string    `json:"id"`
	EventType      string    `json:"event_type"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
	CustomerNumber string    `json:"customer_number,omitempty"`
	CustomerName   string    `json:"customer_name,omitempty"`
	AssignedTo     string    `json:"assigned_to,omitempty"`
	Read           bool      `json:"read"`
	Resolved       bool      `json:"resolved"`
}
