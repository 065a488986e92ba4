// Package takeover tracks which party, human operator or AI assistant, owns
// response authority for each conversation, and gates the operator send
// path on it. Flips are optimistic: the local flag changes immediately, the
// backend call follows, and a failed call rolls the flag back.
package takeover

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/assistdesk/relay/internal/events"
	"github.com/assistdesk/relay/pkg/models"
)

// Backend is the subset of the REST client the coordinator needs.
type Backend interface {
	TakeoverConversation(ctx context.Context, key models.ConversationKey) error
	HandoverConversation(ctx context.Context, key models.ConversationKey) error
}

// Coordinator holds per-conversation takeover state. Conversations start
// AI-managed; only explicit operator actions change ownership, never
// message arrival.
type Coordinator struct {
	mu      sync.Mutex
	states  map[string]models.TakeoverState
	backend Backend
	bus     *events.Bus
	logger  *slog.Logger
	now     func() time.Time
}

// NewCoordinator creates a coordinator backed by the given REST client. A
// nil backend puts the coordinator in local-only mode: ownership is tracked
// in process with no remote confirmation, and the send gate still applies.
func NewCoordinator(backend Backend, bus *events.Bus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		states:  make(map[string]models.TakeoverState),
		backend: backend,
		bus:     bus,
		logger:  logger.With("component", "takeover"),
		now:     time.Now,
	}
}

// Takeover transfers response authority for the conversation to a human
// operator. Already human-controlled conversations are a no-op. On backend
// failure the local flag reverts to its prior value and the error is
// returned for the UI to surface; the socket stays up either way since
// inbound monitoring continues regardless of who owns replies.
func (c *Coordinator) Takeover(ctx context.Context, key models.ConversationKey) error {
	return c.setHumanControlled(ctx, key, true)
}

// Handover returns response authority to the AI assistant.
func (c *Coordinator) Handover(ctx context.Context, key models.ConversationKey) error {
	return c.setHumanControlled(ctx, key, false)
}

func (c *Coordinator) setHumanControlled(ctx context.Context, key models.ConversationKey, human bool) error {
	prev := c.flip(key, human)
	if prev.HumanControlled == human {
		return nil
	}
	if c.backend == nil {
		// Local-only mode: nothing to confirm with, the flip stands.
		return nil
	}

	var err error
	if human {
		err = c.backend.TakeoverConversation(ctx, key)
	} else {
		err = c.backend.HandoverConversation(ctx, key)
	}
	if err != nil {
		// Roll back the optimistic flip.
		c.flip(key, prev.HumanControlled)
		action := "takeover"
		if !human {
			action = "handover"
		}
		c.logger.Warn("ownership change rejected by backend",
			"conversation", key.String(), "action", action, "error", err)
		return fmt.Errorf("%s failed: %w", action, err)
	}
	return nil
}

// flip sets the flag, stamps the toggle time, publishes the new state, and
// returns the previous state.
func (c *Coordinator) flip(key models.ConversationKey, human bool) models.TakeoverState {
	c.mu.Lock()
	mapKey := key.String()
	prev, ok := c.states[mapKey]
	if !ok {
		prev = models.TakeoverState{Conversation: key}
	}
	next := models.TakeoverState{
		Conversation:    key,
		HumanControlled: human,
		LastToggledAt:   c.now(),
	}
	c.states[mapKey] = next
	c.mu.Unlock()

	if c.bus != nil && prev.HumanControlled != human {
		c.bus.Publish(events.TopicAISupportChanged, next)
	}
	return prev
}

// HumanControlled reports whether a human operator currently owns replies
// for the conversation. This is the gate the compose/send path consults:
// while false, operator-composed replies must not be transmitted.
func (c *Coordinator) HumanControlled(key models.ConversationKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[key.String()].HumanControlled
}

// State returns the full takeover state for a conversation. Conversations
// never seen before report the AI-managed initial state.
func (c *Coordinator) State(key models.ConversationKey) models.TakeoverState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[key.String()]
	if !ok {
		return models.TakeoverState{Conversation: key}
	}
	return state
}
