// Package notifications maintains the ordered collection of user-facing
// notification records and the per-conversation chat history, both persisted
// through a pluggable Persister so state survives a dashboard reload. The
// unread count is always derived from the collection, never cached, so it
// cannot drift.
package notifications

import (
	"log/slog"
	"sync"

	"github.com/assistdesk/relay/internal/events"
	"github.com/assistdesk/relay/pkg/models"
)

// ChangeDetail is published on the bus whenever the collection changes.
type ChangeDetail struct {
	Unread int
	Total  int
}

// Store holds notification records most-recent-first. Every mutation
// re-persists the full snapshot and republishes the derived unread count.
// All access goes through the store's methods; the collection is never
// handed out by reference.
type Store struct {
	mu        sync.Mutex
	records   []models.NotificationRecord
	scope     string
	persister Persister
	bus       *events.Bus
	logger    *slog.Logger
}

// NewStore loads any persisted snapshot for scope and returns a ready store.
// A persist failure during load is logged and treated as an empty inbox
// rather than an error; losing a cached snapshot must not block the UI.
func NewStore(scope string, persister Persister, bus *events.Bus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if persister == nil {
		persister = NewMemoryPersister()
	}
	store := &Store{
		scope:     scope,
		persister: persister,
		bus:       bus,
		logger:    logger.With("component", "notifications"),
	}
	records, err := persister.LoadNotifications(scope)
	if err != nil {
		store.logger.Warn("failed to load notification snapshot", "scope", scope, "error", err)
	} else {
		store.records = records
	}
	return store
}

// Append prepends a record and persists. Most-recent-first is the inbox
// ordering convention.
func (s *Store) Append(record models.NotificationRecord) {
	s.mu.Lock()
	s.records = append([]models.NotificationRecord{record}, s.records...)
	s.persistLocked()
	detail := s.detailLocked()
	s.mu.Unlock()

	s.publish(detail)
}

// MarkRead flags the record with the given id as read. Marking an already
// read record, or an id that is not present, is a no-op.
func (s *Store) MarkRead(id string) {
	s.mutate(id, func(r *models.NotificationRecord) bool {
		if r.Read {
			return false
		}
		r.Read = true
		return true
	})
}

// MarkResolved flags the record as resolved and read. Idempotent; unknown
// ids leave the store unchanged.
func (s *Store) MarkResolved(id string) {
	s.mutate(id, func(r *models.NotificationRecord) bool {
		if r.Resolved && r.Read {
			return false
		}
		r.Resolved = true
		r.Read = true
		return true
	})
}

// Assign records the backend-side assignee. Idempotent.
func (s *Store) Assign(id, assignee string) {
	s.mutate(id, func(r *models.NotificationRecord) bool {
		if r.AssignedTo == assignee {
			return false
		}
		r.AssignedTo = assignee
		return true
	})
}

// Remove deletes the record with the given id. Unknown ids are a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	for i, r := range s.records {
		if r.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			s.persistLocked()
			detail := s.detailLocked()
			s.mu.Unlock()
			s.publish(detail)
			return
		}
	}
	s.mu.Unlock()
}

// UnreadCount returns the number of unread records. Recomputed on every
// call from the collection itself.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked()
}

// All returns a copy of the records, most recent first.
func (s *Store) All() []models.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.NotificationRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Get returns the record with the given id.
func (s *Store) Get(id string) (models.NotificationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.ID == id {
			return r, true
		}
	}
	return models.NotificationRecord{}, false
}

// mutate applies fn to the record with the given id and persists when fn
// reports a change. Linear scan; inbox sizes are small.
func (s *Store) mutate(id string, fn func(*models.NotificationRecord) bool) {
	s.mu.Lock()
	for i := range s.records {
		if s.records[i].ID == id {
			if fn(&s.records[i]) {
				s.persistLocked()
				detail := s.detailLocked()
				s.mu.Unlock()
				s.publish(detail)
				return
			}
			break
		}
	}
	s.mu.Unlock()
}

func (s *Store) unreadLocked() int {
	count := 0
	for _, r := range s.records {
		if !r.Read {
			count++
		}
	}
	return count
}

func (s *Store) persistLocked() {
	snapshot := make([]models.NotificationRecord, len(s.records))
	copy(snapshot, s.records)
	if err := s.persister.SaveNotifications(s.scope, snapshot); err != nil {
		s.logger.Warn("failed to persist notification snapshot", "scope", s.scope, "error", err)
	}
}

func (s *Store) detailLocked() ChangeDetail {
	return ChangeDetail{
		Unread: s.unreadLocked(),
		Total:  len(s.records),
	}
}

// publish delivers the change detail without holding s.mu, so handlers are
// free to read back into the store.
func (s *Store) publish(detail ChangeDetail) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TopicNotifications, detail)
}
