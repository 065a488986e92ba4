// Package wire decodes raw relay socket frames into typed messages and
// encodes outbound frames. Inbound payload shapes vary by channel and the
// backend adds fields freely, so decoding is deliberately tolerant: every
// input, including garbage, yields a valid InboundMessage.
package wire

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/assistdesk/relay/pkg/models"
)

// rawFrame mirrors the loose inbound shape. Fields may or may not be present
// depending on the channel; all are optional.
type rawFrame struct {
	Type       string `json:"type"`
	Sender     string `json:"sender"`
	SenderType string `json:"sender_type"`
	Content    string `json:"content"`
	Answer     string `json:"answer"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	Human      bool   `json:"human"`
}

// mediaPattern matches the backend's embedded media convention. The backend
// sends media as text shaped "Media - <url>" rather than a structured field;
// this is a known fragility of the wire contract, kept verbatim so
// legitimate payloads are never rejected by stricter parsing.
var mediaPattern = regexp.MustCompile(`Media - (https?://\S+)`)

// Normalizer turns raw frames into InboundMessages. The zero value is not
// usable; construct with NewNormalizer.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer creates a normalizer using the real clock.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// NewNormalizerWithClock creates a normalizer with an injected clock for
// deterministic tests.
func NewNormalizerWithClock(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now}
}

// Normalize converts one raw frame into a typed message. It never fails:
// frames that do not parse as JSON become KindUnknown messages carrying the
// raw payload as text, so render paths never see garbage. Normalization is a
// pure synchronous transform per frame and introduces no reordering.
func (n *Normalizer) Normalize(conversation models.ConversationKey, raw []byte) models.InboundMessage {
	msg := models.InboundMessage{
		ID:           uuid.NewString(),
		Conversation: conversation,
		Origin:       models.OriginCustomer,
		Kind:         models.KindUnknown,
		Timestamp:    n.now(),
	}

	var frame rawFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		msg.Text = string(raw)
		return msg
	}

	msg.Kind = classifyKind(frame.Type)
	msg.Origin = classifyOrigin(frame)
	msg.Text = textContent(frame)

	// Use the payload's own timestamp when it parses; otherwise keep the
	// observation time. Deterministic because it affects ordering in the UI.
	if ts, err := time.Parse(time.RFC3339, frame.Timestamp); err == nil {
		msg.Timestamp = ts
	}

	switch msg.Kind {
	case models.KindImage, models.KindAudio, models.KindVideo:
		if match := mediaPattern.FindStringSubmatch(msg.Text); match != nil {
			msg.MediaURL = match[1]
		}
		// No match: MediaURL stays empty and the raw text is preserved.
	}

	return msg
}

func classifyKind(frameType string) models.MessageKind {
	switch strings.ToLower(strings.TrimSpace(frameType)) {
	case "text", "chat_takeover", "business", "assistant":
		return models.KindText
	case "image":
		return models.KindImage
	case "audio":
		return models.KindAudio
	case "video":
		return models.KindVideo
	case "document":
		return models.KindDocument
	default:
		return models.KindUnknown
	}
}

// classifyOrigin applies the wire contract's discrimination rule: frames
// tagged business, assistant, or chat_takeover are outbound-to-customer
// content, split into human vs assistant by the explicit human flag or a
// human sender tag. Everything else is customer-originated.
func classifyOrigin(frame rawFrame) models.Origin {
	tag := strings.ToLower(strings.TrimSpace(frame.SenderType))
	if tag == "" {
		tag = strings.ToLower(strings.TrimSpace(frame.Sender))
	}
	frameType := strings.ToLower(strings.TrimSpace(frame.Type))

	outbound := tag == "business" || tag == "assistant" || tag == "human" ||
		frameType == "chat_takeover" || frameType == "business" || frameType == "assistant"
	if !outbound {
		return models.OriginCustomer
	}
	if frame.Human || tag == "human" || frameType == "chat_takeover" {
		return models.OriginHuman
	}
	return models.OriginAssistant
}

// textContent picks the first populated content field. Channels disagree on
// the field name: widget frames use content, assistant replies use answer,
// and the WhatsApp relay uses message.
func textContent(frame rawFrame) string {
	if frame.Content != "" {
		return frame.Content
	}
	if frame.Answer != "" {
		return frame.Answer
	}
	return frame.Message
}
