package notifications

import (
	"sync"

	"github.com/assistdesk/relay/pkg/models"
)

// SnapshotVersion tags persisted payloads so a future format change can
// migrate or discard old snapshots instead of misreading them.
const SnapshotVersion = 1

// Persister stores full snapshots of notification and chat-history state,
// keyed by an organization/session scope.
type Persister interface {
	SaveNotifications(scope string, records []models.NotificationRecord) error
	LoadNotifications(scope string) ([]models.NotificationRecord, error)
	SaveHistory(scope string, key models.ConversationKey, history []models.InboundMessage) error
	LoadHistory(scope string, key models.ConversationKey) ([]models.InboundMessage, error)
}

// MemoryPersister keeps snapshots in process memory. Used in tests and as
// the fallback when no durable path is configured.
type MemoryPersister struct {
	mu            sync.Mutex
	notifications map[string][]models.NotificationRecord
	history       map[string][]models.InboundMessage
}

// NewMemoryPersister creates an empty in-memory persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{
		notifications: make(map[string][]models.NotificationRecord),
		history:       make(map[string][]models.InboundMessage),
	}
}

func (m *MemoryPersister) SaveNotifications(scope string, records []models.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.NotificationRecord, len(records))
	copy(out, records)
	m.notifications[scope] = out
	return nil
}

func (m *MemoryPersister) LoadNotifications(scope string) ([]models.NotificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.notifications[scope]
	out := make([]models.NotificationRecord, len(records))
	copy(out, records)
	return out, nil
}

func (m *MemoryPersister) SaveHistory(scope string, key models.ConversationKey, history []models.InboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.InboundMessage, len(history))
	copy(out, history)
	m.history[scope+"|"+key.String()] = out
	return nil
}

func (m *MemoryPersister) LoadHistory(scope string, key models.ConversationKey) ([]models.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.history[scope+"|"+key.String()]
	out := make([]models.InboundMessage, len(history))
	copy(out, history)
	return out, nil
}
