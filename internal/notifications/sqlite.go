package notifications

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/assistdesk/relay/pkg/models"
)

// SQLitePersister stores versioned JSON snapshots in a local SQLite file so
// notification and chat-history state survives a dashboard reload. Each
// scope holds one row per kind; writes replace the whole snapshot, matching
// the store's read-modify-write discipline.
type SQLitePersister struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	scope      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	version    INTEGER NOT NULL,
	payload    BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (scope, kind)
);
`

// NewSQLitePersister opens (and initializes if needed) the snapshot database
// at path.
func NewSQLitePersister(path string) (*SQLitePersister, error) {
	if path == "" {
		return nil, errors.New("notifications: sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	// Snapshot writes are serialized by the store; a single connection
	// avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init snapshot schema: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

// Close releases the underlying database handle.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

type snapshotEnvelope struct {
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

func (p *SQLitePersister) save(scope, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	envelope, err := json.Marshal(snapshotEnvelope{Version: SnapshotVersion, Payload: body})
	if err != nil {
		return fmt.Errorf("encode snapshot envelope: %w", err)
	}
	_, err = p.db.Exec(
		`INSERT INTO snapshots (scope, kind, version, payload, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(scope, kind) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		scope, kind, SnapshotVersion, envelope, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (p *SQLitePersister) load(scope, kind string, out any) error {
	var envelope []byte
	err := p.db.QueryRow(
		`SELECT payload FROM snapshots WHERE scope = ? AND kind = ?`,
		scope, kind,
	).Scan(&envelope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	var decoded snapshotEnvelope
	if err := json.Unmarshal(envelope, &decoded); err != nil {
		return fmt.Errorf("decode snapshot envelope: %w", err)
	}
	if decoded.Version != SnapshotVersion {
		// Unknown format: start fresh rather than misread the payload.
		return nil
	}
	if err := json.Unmarshal(decoded.Payload, out); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return nil
}

func (p *SQLitePersister) SaveNotifications(scope string, records []models.NotificationRecord) error {
	return p.save(scope, "notifications", records)
}

func (p *SQLitePersister) LoadNotifications(scope string) ([]models.NotificationRecord, error) {
	var records []models.NotificationRecord
	if err := p.load(scope, "notifications", &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (p *SQLitePersister) SaveHistory(scope string, key models.ConversationKey, history []models.InboundMessage) error {
	return p.save(scope, "history|"+key.String(), history)
}

func (p *SQLitePersister) LoadHistory(scope string, key models.ConversationKey) ([]models.InboundMessage, error) {
	var history []models.InboundMessage
	if err := p.load(scope, "history|"+key.String(), &history); err != nil {
		return nil, err
	}
	return history, nil
}
