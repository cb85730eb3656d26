// Package audit keeps a tamper-evident incident trail: an append-only JSONL
// file whose entries are SHA-256 hash-chained. Every alert transition, manual
// operator action, and GSM dispatch is recorded so that post-incident review
// can prove the sequence of events was not edited after the fact.
//
// # Hash chain
//
// The event_hash for entry N is computed as:
//
//	SHA-256( JSON({seq, ts, payload, prev_hash}) )
//
// where the JSON encoding of those four fields is treated as a canonical byte
// sequence. The genesis entry (seq=1) uses a prev_hash of 64 ASCII zero
// characters ("000...0").
//
// # Append semantics
//
// Each entry is encoded as a single JSON line terminated by '\n'. The
// underlying file is opened with os.O_APPEND | os.O_CREATE | os.O_WRONLY so
// that every write is appended atomically by the OS. Incident payloads are
// small; a line never approaches the PIPE_BUF atomicity limit.
//
// # Thread safety
//
// Trail is safe for concurrent use. A mutex serialises all appends to
// maintain a consistent sequence number and prev_hash.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the very first entry in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Incident kinds recorded on the trail.
const (
	KindAlertChange  = "alert_change"
	KindManualAction = "manual_action"
	KindGsmDispatch  = "gsm_dispatch"
)

// entry is the wire format for one trail line.
type entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// entryContent is the subset of entry fields that are hashed to produce
// EventHash. It deliberately excludes EventHash itself.
type entryContent struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

// Entry is the public representation of one trail entry, returned by Append
// and Verify.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// Trail is a tamper-evident, append-only incident log. Create one with Open;
// do not copy after first use.
type Trail struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens (or creates) the trail file at path. If the file already
// contains entries, Open verifies the full chain and resumes it; a broken or
// malformed chain is an error, since appending to it would mask the damage.
func Open(path string) (*Trail, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		entries, err := scanChain(path)
		if err != nil {
			return nil, err
		}
		if n := len(entries); n > 0 {
			prevHash = entries[n-1].EventHash
			seq = entries[n-1].Seq
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	return &Trail{file: f, prevHash: prevHash, seq: seq}, nil
}

// Append writes a new chained entry with the given JSON payload. Passing nil
// records a JSON null payload. Safe for concurrent use.
func (t *Trail) Append(payload json.RawMessage) (Entry, error) {
	if payload == nil {
		payload = json.RawMessage("null")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	seq := t.seq + 1
	ts := time.Now().UTC()
	prevHash := t.prevHash

	content := entryContent{Seq: seq, Timestamp: ts, Payload: payload, PrevHash: prevHash}
	eventHash := hashContent(content)

	line, err := json.Marshal(entry{
		Seq:       seq,
		Timestamp: ts,
		Payload:   payload,
		PrevHash:  prevHash,
		EventHash: eventHash,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := t.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	t.seq = seq
	t.prevHash = eventHash

	return Entry{Seq: seq, Timestamp: ts, Payload: payload, PrevHash: prevHash, EventHash: eventHash}, nil
}

// RecordAlertChange appends an alert-transition incident.
func (t *Trail) RecordAlertChange(from, to, reason string) error {
	return t.record(struct {
		Kind   string `json:"kind"`
		From   string `json:"from"`
		To     string `json:"to"`
		Reason string `json:"reason"`
	}{KindAlertChange, from, to, reason})
}

// RecordManualAction appends an operator-initiated action.
func (t *Trail) RecordManualAction(action, details string) error {
	return t.record(struct {
		Kind    string `json:"kind"`
		Action  string `json:"action"`
		Details string `json:"details"`
	}{KindManualAction, action, details})
}

// RecordGsmDispatch appends one call or SMS attempt and its outcome.
func (t *Trail) RecordGsmDispatch(mode, number, status string, attempt int) error {
	return t.record(struct {
		Kind    string `json:"kind"`
		Mode    string `json:"mode"`
		Number  string `json:"number"`
		Status  string `json:"status"`
		Attempt int    `json:"attempt"`
	}{KindGsmDispatch, mode, number, status, attempt})
}

func (t *Trail) record(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("audit: marshal incident: %w", err)
	}
	_, err = t.Append(payload)
	return err
}

// Close flushes OS buffers and closes the underlying file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Sync(); err != nil {
		_ = t.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return t.file.Close()
}

// Verify reads the trail at path and checks the full hash chain. It returns
// the ordered entries on success, or the first chain error encountered. An
// empty file is valid and returns no entries.
func Verify(path string) ([]Entry, error) {
	return scanChain(path)
}

// scanChain walks every line of the file, verifying linkage and recomputed
// hashes as it goes.
func scanChain(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	prevHash := GenesisHash

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: malformed entry after seq %d: %w", prevSeq(entries), err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}
		computed := hashContent(entryContent{
			Seq:       e.Seq,
			Timestamp: e.Timestamp,
			Payload:   e.Payload,
			PrevHash:  e.PrevHash,
		})
		if computed != e.EventHash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q",
				e.Seq, e.EventHash, computed)
		}
		entries = append(entries, Entry(e))
		prevHash = e.EventHash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan %q: %w", path, err)
	}
	return entries, nil
}

func prevSeq(entries []Entry) int64 {
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].Seq
}

// hashContent computes the SHA-256 hex digest of the JSON-marshalled
// entryContent. Marshal failure is unreachable for these field types.
func hashContent(c entryContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("audit: marshal entryContent: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
