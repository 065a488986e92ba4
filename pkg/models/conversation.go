package models

import (
	"fmt"
	"strings"
)

// ChannelType identifies the messaging channel a conversation arrived on.
type ChannelType string

const (
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelWebsite  ChannelType = "website"
)

// ConversationKey scopes a stream of messages to one customer interaction.
// It is a tagged value: WhatsApp conversations are keyed by the business
// phone number plus the customer number, website conversations by the widget
// key plus the visitor id. Keeping the channel in the key prevents collisions
// between a phone number and a visitor id that happen to share a string form.
type ConversationKey struct {
	Channel ChannelType `json:"channel"`

	// WhatsApp fields.
	PhoneNumber    string `json:"phone_number,omitempty"`
	CustomerNumber string `json:"customer_number,omitempty"`

	// Website widget fields.
	WidgetKey string `json:"widget_key,omitempty"`
	VisitorID string `json:"visitor_id,omitempty"`
}

// NewWhatsAppKey builds a conversation key for a WhatsApp thread.
func NewWhatsAppKey(phoneNumber, customerNumber string) ConversationKey {
	return ConversationKey{
		Channel:        ChannelWhatsApp,
		PhoneNumber:    strings.TrimSpace(phoneNumber),
		CustomerNumber: strings.TrimSpace(customerNumber),
	}
}

// NewWebsiteKey builds a conversation key for a website widget thread.
func NewWebsiteKey(widgetKey, visitorID string) ConversationKey {
	return ConversationKey{
		Channel:   ChannelWebsite,
		WidgetKey: strings.TrimSpace(widgetKey),
		VisitorID: strings.TrimSpace(visitorID),
	}
}

// Valid reports whether the key carries the identifiers its channel requires.
func (k ConversationKey) Valid() bool {
	switch k.Channel {
	case ChannelWhatsApp:
		return k.PhoneNumber != "" && k.CustomerNumber != ""
	case ChannelWebsite:
		return k.WidgetKey != "" && k.VisitorID != ""
	default:
		return false
	}
}

// String returns a stable textual form usable as a map key.
func (k ConversationKey) String() string {
	switch k.Channel {
	case ChannelWhatsApp:
		return fmt.Sprintf("whatsapp/%s/%s", k.PhoneNumber, k.CustomerNumber)
	case ChannelWebsite:
		return fmt.Sprintf("website/%s/%s", k.WidgetKey, k.VisitorID)
	default:
		return "unknown"
	}
}
