package wire

import (
	"encoding/json"
	"errors"

	"github.com/assistdesk/relay/pkg/models"
)

// SenderType tags an outbound frame with its author class.
type SenderType string

const (
	SenderVisitor  SenderType = "visitor"
	SenderBusiness SenderType = "business"
	SenderHuman    SenderType = "human"
)

// widgetFrame is the outbound shape for website widget conversations.
type widgetFrame struct {
	Message    string     `json:"message"`
	SenderType SenderType `json:"sender_type"`
	WidgetKey  string     `json:"widget_key"`
	VisitorID  string     `json:"visitor_id"`
}

// conversationFrame is the outbound shape for WhatsApp-style conversations.
type conversationFrame struct {
	Message        string     `json:"message"`
	SenderType     SenderType `json:"sender_type"`
	PhoneNumber    string     `json:"phone_number"`
	CustomerNumber string     `json:"customer_number"`
}

var errWrongChannel = errors.New("wire: conversation key does not match frame channel")

// EncodeOutbound serializes a human/business reply for the channel the
// conversation key belongs to. The endpoint URL already identifies the
// conversation, but the relay protocol repeats the identifiers in the frame.
func EncodeOutbound(key models.ConversationKey, sender SenderType, message string) ([]byte, error) {
	if !key.Valid() {
		return nil, errors.New("wire: invalid conversation key")
	}
	switch key.Channel {
	case models.ChannelWebsite:
		return json.Marshal(widgetFrame{
			Message:    message,
			SenderType: sender,
			WidgetKey:  key.WidgetKey,
			VisitorID:  key.VisitorID,
		})
	case models.ChannelWhatsApp:
		return json.Marshal(conversationFrame{
			Message:        message,
			SenderType:     sender,
			PhoneNumber:    key.PhoneNumber,
			CustomerNumber: key.CustomerNumber,
		})
	default:
		return nil, errWrongChannel
	}
}
