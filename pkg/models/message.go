// Package models defines the shared value types for the relay core:
// conversation keys, normalized inbound messages, notification records, and
// takeover state. Types here are plain data; behavior lives in the internal
// packages that own them.
package models

import "time"

// Origin identifies who produced a message.
type Origin string

const (
	OriginCustomer  Origin = "customer"
	OriginAssistant Origin = "assistant"
	OriginHuman     Origin = "human"
)

// MessageKind classifies message content.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindAudio    MessageKind = "audio"
	KindVideo    MessageKind = "video"
	KindDocument MessageKind = "document"
	// KindUnknown is the fallback for frames the normalizer could not
	// classify. The raw payload is preserved in Text so nothing is dropped.
	KindUnknown MessageKind = "unknown"
)

// InboundMessage is one normalized unit of conversation content. Instances
// are immutable once created; a read transition produces a derived copy via
// WithRead rather than mutating in place.
type InboundMessage struct {
	ID           string          `json:"id"`
	Conversation ConversationKey `json:"conversation"`
	Origin       Origin          `json:"origin"`
	Kind         MessageKind     `json:"kind"`
	Text         string          `json:"text,omitempty"`
	MediaURL     string          `json:"media_url,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Read         bool            `json:"read"`
}

// WithRead returns a copy of the message with the read flag set.
func (m InboundMessage) WithRead() InboundMessage {
	m.Read = true
	return m
}
