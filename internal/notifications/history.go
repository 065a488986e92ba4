package notifications

import (
	"log/slog"
	"sync"

	"github.com/assistdesk/relay/pkg/models"
)

// History accumulates normalized inbound messages per conversation and
// persists each conversation's transcript so an operator reloading the
// dashboard sees the running thread. Messages are kept in arrival order.
type History struct {
	mu        sync.Mutex
	threads   map[string][]models.InboundMessage
	scope     string
	persister Persister
	logger    *slog.Logger
}

// maxMessagesPerThread bounds the persisted transcript per conversation.
const maxMessagesPerThread = 500

// NewHistory creates a history backed by the given persister.
func NewHistory(scope string, persister Persister, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	if persister == nil {
		persister = NewMemoryPersister()
	}
	return &History{
		threads:   make(map[string][]models.InboundMessage),
		scope:     scope,
		persister: persister,
		logger:    logger.With("component", "history"),
	}
}

// Append records a message at the end of its conversation's transcript and
// persists the transcript.
func (h *History) Append(msg models.InboundMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := msg.Conversation.String()
	thread := append(h.threads[key], msg)
	if len(thread) > maxMessagesPerThread {
		thread = thread[len(thread)-maxMessagesPerThread:]
	}
	h.threads[key] = thread

	snapshot := make([]models.InboundMessage, len(thread))
	copy(snapshot, thread)
	if err := h.persister.SaveHistory(h.scope, msg.Conversation, snapshot); err != nil {
		h.logger.Warn("failed to persist chat history", "conversation", key, "error", err)
	}
}

// Thread returns the transcript for a conversation, loading the persisted
// copy on first access.
func (h *History) Thread(key models.ConversationKey) []models.InboundMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	mapKey := key.String()
	if _, ok := h.threads[mapKey]; !ok {
		loaded, err := h.persister.LoadHistory(h.scope, key)
		if err != nil {
			h.logger.Warn("failed to load chat history", "conversation", mapKey, "error", err)
		} else if len(loaded) > 0 {
			h.threads[mapKey] = loaded
		}
	}

	thread := h.threads[mapKey]
	out := make([]models.InboundMessage, len(thread))
	copy(out, thread)
	return out
}
