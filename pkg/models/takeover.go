package models

import "time"

// TakeoverState records, per conversation, whether a human operator or the
// AI assistant currently owns response authority. It changes only through
// explicit takeover/handover actions, never on message arrival.
type TakeoverState struct {
	Conversation    ConversationKey `json:"conversation"`
	HumanControlled bool            `json:"human_controlled"`
	LastToggledAt   time.Time       `json:"last_toggled_at"`
}
