// Package store is the coordinator's persistence layer. It keeps the three
// durable tables (detections, gsm_contacts, alerts) plus the cluster_workers
// classification map, behind a Backend interface with two implementations:
// a WAL-mode SQLite file for the default single-box deployment and a
// PostgreSQL pool for installations that aggregate several sites.
//
// Detection writes are batched: LogDetection appends to an in-memory buffer
// that a background goroutine flushes on a timer, on size, and finally on
// Close. Losing at most the last unflushed batch on a crash is acceptable;
// a clean shutdown loses nothing. Contact, alert, and classification writes
// go straight through.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/evacnet/guardian/internal/state"
)

const (
	// DefaultBatchSize is how many detections accumulate before a forced
	// flush.
	DefaultBatchSize = 64

	// DefaultFlushInterval is how often buffered detections are flushed even
	// when the batch is not full.
	DefaultFlushInterval = 2 * time.Second
)

// DetectionRow is one persisted detection as served by /api/history.
type DetectionRow struct {
	ID         int64   `json:"id"`
	Timestamp  string  `json:"timestamp"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       string  `json:"bbox"`
	FrameID    string  `json:"frame_id"`
}

// Backend is the persistence contract. Every implementation also satisfies
// state.Sink, so a Backend can be handed to the state store directly.
type Backend interface {
	// LogDetection buffers d for batched insertion.
	LogDetection(d state.Detection) error
	// LogAlert records an alert transition immediately.
	LogAlert(stateName, reason string) error

	// Contacts returns all persisted GSM contacts.
	Contacts(ctx context.Context) ([]state.GsmContact, error)
	// AddContact inserts or replaces (by number) a contact.
	AddContact(ctx context.Context, c state.GsmContact) error
	// DeleteContact removes the contact with the given number.
	DeleteContact(ctx context.Context, number string) error

	// SetWorkerClassification upserts the operator-assigned classification
	// for a cluster worker.
	SetWorkerClassification(ctx context.Context, deviceID, classification string) error
	// WorkerClassifications returns deviceID -> classification.
	WorkerClassifications(ctx context.Context) (map[string]string, error)

	// DetectionHistory returns up to limit persisted detections, newest
	// first.
	DetectionHistory(ctx context.Context, limit int) ([]DetectionRow, error)

	// Flush forces out any buffered detections.
	Flush(ctx context.Context) error
	// Close flushes and releases the underlying database.
	Close(ctx context.Context) error
}

// Options selects and tunes a backend.
type Options struct {
	// Path is the SQLite database file, used when DSN is empty.
	Path string
	// DSN is a PostgreSQL connection string; non-empty selects the Postgres
	// backend.
	DSN string

	BatchSize     int
	FlushInterval time.Duration
}

// Open builds the backend selected by opts: Postgres when opts.DSN is set,
// otherwise SQLite at opts.Path.
func Open(ctx context.Context, logger *slog.Logger, opts Options) (Backend, error) {
	if opts.DSN != "" {
		return NewPostgres(ctx, logger, opts.DSN, opts.BatchSize, opts.FlushInterval)
	}
	return NewSQLite(logger, opts.Path, opts.BatchSize, opts.FlushInterval)
}

var (
	_ state.Sink = (Backend)(nil)
)
