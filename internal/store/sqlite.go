package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evacnet/guardian/internal/state"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// ddl is the SQLite schema, applied idempotently on open.
const ddl = `
CREATE TABLE IF NOT EXISTS detections (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    class      TEXT    NOT NULL,
    confidence REAL    NOT NULL,
    bbox       TEXT    NOT NULL DEFAULT '[]',
    frame_id   TEXT    NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS gsm_contacts (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    mode     TEXT NOT NULL,
    number   TEXT NOT NULL UNIQUE,
    name     TEXT NOT NULL DEFAULT '',
    message  TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT 'general'
);
CREATE TABLE IF NOT EXISTS cluster_workers (
    device_id      TEXT PRIMARY KEY,
    classification TEXT NOT NULL DEFAULT '',
    capabilities   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS alerts (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    state     TEXT NOT NULL,
    reason    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_detections_recent ON detections (id DESC);
`

// SQLite is the WAL-mode embedded backend. It is safe for concurrent use;
// all writes serialise through a single pooled connection.
type SQLite struct {
	db  *sql.DB
	log *slog.Logger

	mu            sync.Mutex
	batch         []state.Detection
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
	closeOnce     sync.Once
}

// NewSQLite opens (or creates) the database at path, enables WAL mode,
// applies the schema, and starts the detection flush goroutine. ":memory:"
// is accepted for tests.
func NewSQLite(logger *slog.Logger, path string, batchSize int, flushInterval time.Duration) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// SQLite allows one writer at a time; a single pooled connection keeps
	// concurrent callers from tripping over "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	s := &SQLite{
		db:            db,
		log:           logger.With(slog.String("component", "store")),
		batch:         make([]state.Detection, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

func (s *SQLite) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.log.Error("detection flush failed", slog.Any("error", err))
			}
		}
	}
}

// LogDetection buffers d. When the buffer reaches the batch size the caller
// pays for the flush, which bounds memory instead of latency.
func (s *SQLite) LogDetection(d state.Detection) error {
	s.mu.Lock()
	s.batch = append(s.batch, d)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(context.Background())
	}
	return nil
}

// Flush drains the detection buffer into a single transaction.
func (s *SQLite) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]state.Detection, 0, s.batchSize)
	s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin flush tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO detections (timestamp, class, confidence, bbox, frame_id)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store: prepare detection insert: %w", err)
	}
	defer stmt.Close()

	for i := range toInsert {
		d := &toInsert[i]
		bbox, err := json.Marshal(d.BBox)
		if err != nil {
			bbox = []byte("[]")
		}
		ts := time.Unix(0, int64(d.Timestamp*float64(time.Second))).UTC().Format(time.RFC3339Nano)
		if _, err := stmt.ExecContext(ctx, ts, d.Class, d.Confidence, string(bbox), d.FrameID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: insert detection: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit flush: %w", err)
	}
	return nil
}

// LogAlert records one alert transition. Transitions are debounced upstream
// so the immediate write is cheap.
func (s *SQLite) LogAlert(stateName, reason string) error {
	_, err := s.db.Exec(
		`INSERT INTO alerts (timestamp, state, reason) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), stateName, reason,
	)
	if err != nil {
		return fmt.Errorf("store: insert alert: %w", err)
	}
	return nil
}

// Contacts returns every persisted GSM contact, insertion order.
func (s *SQLite) Contacts(ctx context.Context) ([]state.GsmContact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mode, number, name, message, category FROM gsm_contacts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []state.GsmContact
	for rows.Next() {
		var c state.GsmContact
		if err := rows.Scan(&c.Mode, &c.Number, &c.Name, &c.Message, &c.Category); err != nil {
			return nil, fmt.Errorf("store: scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// AddContact inserts or replaces (by number) c.
func (s *SQLite) AddContact(ctx context.Context, c state.GsmContact) error {
	if c.Category == "" {
		c.Category = "general"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gsm_contacts (mode, number, name, message, category)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(number) DO UPDATE SET
		     mode = excluded.mode,
		     name = excluded.name,
		     message = excluded.message,
		     category = excluded.category`,
		c.Mode, c.Number, c.Name, c.Message, c.Category,
	)
	if err != nil {
		return fmt.Errorf("store: add contact %s: %w", c.Number, err)
	}
	return nil
}

// DeleteContact removes the contact with the given number. Deleting an
// unknown number is not an error.
func (s *SQLite) DeleteContact(ctx context.Context, number string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gsm_contacts WHERE number = ?`, number); err != nil {
		return fmt.Errorf("store: delete contact %s: %w", number, err)
	}
	return nil
}

// SetWorkerClassification upserts the operator-assigned classification for
// deviceID.
func (s *SQLite) SetWorkerClassification(ctx context.Context, deviceID, classification string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cluster_workers (device_id, classification)
		 VALUES (?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET classification = excluded.classification`,
		deviceID, classification,
	)
	if err != nil {
		return fmt.Errorf("store: classify worker %s: %w", deviceID, err)
	}
	return nil
}

// WorkerClassifications returns deviceID -> classification for every known
// cluster worker.
func (s *SQLite) WorkerClassifications(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, classification FROM cluster_workers`)
	if err != nil {
		return nil, fmt.Errorf("store: query classifications: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, cls string
		if err := rows.Scan(&id, &cls); err != nil {
			return nil, fmt.Errorf("store: scan classification: %w", err)
		}
		out[id] = cls
	}
	return out, rows.Err()
}

// DetectionHistory returns up to limit persisted detections, newest first.
// limit <= 0 means 50.
func (s *SQLite) DetectionHistory(ctx context.Context, limit int) ([]DetectionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, class, confidence, bbox, frame_id
		 FROM detections ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	var out []DetectionRow
	for rows.Next() {
		var r DetectionRow
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Class, &r.Confidence, &r.BBox, &r.FrameID); err != nil {
			return nil, fmt.Errorf("store: scan history row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close stops the flush goroutine, performs a final flush, and closes the
// database. Safe to call more than once.
func (s *SQLite) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		if ferr := s.Flush(ctx); ferr != nil {
			s.log.Error("final flush failed", slog.Any("error", ferr))
			err = ferr
		}
		if cerr := s.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

var _ Backend = (*SQLite)(nil)
