package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evacnet/guardian/internal/state"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS detections (
    id         BIGSERIAL PRIMARY KEY,
    timestamp  TIMESTAMPTZ NOT NULL DEFAULT now(),
    class      TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    bbox       TEXT NOT NULL DEFAULT '[]',
    frame_id   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS gsm_contacts (
    id       BIGSERIAL PRIMARY KEY,
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
    id        BIGSERIAL PRIMARY KEY,
    timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
    state     TEXT NOT NULL,
    reason    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_detections_recent ON detections (id DESC);
`

// Postgres is the pgx-backed backend for deployments where the coordinator
// shares a database with other services. Detections batch exactly as in the
// SQLite backend.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	mu            sync.Mutex
	batch         []state.Detection
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
	closeOnce     sync.Once
}

// NewPostgres connects to dsn, verifies the connection, applies the schema,
// and starts the flush goroutine.
func NewPostgres(ctx context.Context, logger *slog.Logger, dsn string, batchSize int, flushInterval time.Duration) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	p := &Postgres{
		pool:          pool,
		log:           logger.With(slog.String("component", "store")),
		batch:         make([]state.Detection, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go p.flushLoop()
	return p, nil
}

func (p *Postgres) flushLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.Flush(context.Background()); err != nil {
				p.log.Error("detection flush failed", slog.Any("error", err))
			}
		}
	}
}

// LogDetection buffers d, flushing when the buffer fills.
func (p *Postgres) LogDetection(d state.Detection) error {
	p.mu.Lock()
	p.batch = append(p.batch, d)
	full := len(p.batch) >= p.batchSize
	p.mu.Unlock()

	if full {
		return p.Flush(context.Background())
	}
	return nil
}

// Flush sends the buffered detections in one pgx batch.
func (p *Postgres) Flush(ctx context.Context) error {
	p.mu.Lock()
	if len(p.batch) == 0 {
		p.mu.Unlock()
		return nil
	}
	toInsert := p.batch
	p.batch = make([]state.Detection, 0, p.batchSize)
	p.mu.Unlock()

	batch := &pgx.Batch{}
	for i := range toInsert {
		d := &toInsert[i]
		bbox, err := json.Marshal(d.BBox)
		if err != nil {
			bbox = []byte("[]")
		}
		ts := time.Unix(0, int64(d.Timestamp*float64(time.Second))).UTC()
		batch.Queue(
			`INSERT INTO detections (timestamp, class, confidence, bbox, frame_id)
			 VALUES ($1, $2, $3, $4, $5)`,
			ts, d.Class, d.Confidence, string(bbox), d.FrameID,
		)
	}

	res := p.pool.SendBatch(ctx, batch)
	defer res.Close()
	for range toInsert {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("store: batch insert: %w", err)
		}
	}
	return nil
}

// LogAlert records one alert transition immediately.
func (p *Postgres) LogAlert(stateName, reason string) error {
	_, err := p.pool.Exec(context.Background(),
		`INSERT INTO alerts (state, reason) VALUES ($1, $2)`, stateName, reason)
	if err != nil {
		return fmt.Errorf("store: insert alert: %w", err)
	}
	return nil
}

// Contacts returns every persisted GSM contact, insertion order.
func (p *Postgres) Contacts(ctx context.Context) ([]state.GsmContact, error) {
	rows, err := p.pool.Query(ctx,
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
func (p *Postgres) AddContact(ctx context.Context, c state.GsmContact) error {
	if c.Category == "" {
		c.Category = "general"
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO gsm_contacts (mode, number, name, message, category)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (number) DO UPDATE SET
		     mode = EXCLUDED.mode,
		     name = EXCLUDED.name,
		     message = EXCLUDED.message,
		     category = EXCLUDED.category`,
		c.Mode, c.Number, c.Name, c.Message, c.Category,
	)
	if err != nil {
		return fmt.Errorf("store: add contact %s: %w", c.Number, err)
	}
	return nil
}

// DeleteContact removes the contact with the given number.
func (p *Postgres) DeleteContact(ctx context.Context, number string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM gsm_contacts WHERE number = $1`, number); err != nil {
		return fmt.Errorf("store: delete contact %s: %w", number, err)
	}
	return nil
}

// SetWorkerClassification upserts the operator-assigned classification for
// deviceID.
func (p *Postgres) SetWorkerClassification(ctx context.Context, deviceID, classification string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO cluster_workers (device_id, classification)
		 VALUES ($1, $2)
		 ON CONFLICT (device_id) DO UPDATE SET classification = EXCLUDED.classification`,
		deviceID, classification,
	)
	if err != nil {
		return fmt.Errorf("store: classify worker %s: %w", deviceID, err)
	}
	return nil
}

// WorkerClassifications returns deviceID -> classification for every known
// cluster worker.
func (p *Postgres) WorkerClassifications(ctx context.Context) (map[string]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT device_id, classification FROM cluster_workers`)
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
func (p *Postgres) DetectionHistory(ctx context.Context, limit int) ([]DetectionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, to_char(timestamp, 'YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), class, confidence, bbox, frame_id
		 FROM detections ORDER BY id DESC LIMIT $1`, limit)
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
// pool. Safe to call more than once.
func (p *Postgres) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stopCh)
		<-p.doneCh
		if ferr := p.Flush(ctx); ferr != nil {
			p.log.Error("final flush failed", slog.Any("error", ferr))
			err = ferr
		}
		p.pool.Close()
	})
	return err
}

var _ Backend = (*Postgres)(nil)
