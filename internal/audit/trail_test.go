package audit_test

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evacnet/guardian/internal/audit"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func tmpTrail(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "incidents.log")
}

// openTrail opens the trail and registers a cleanup to close it.
func openTrail(t *testing.T, path string) *audit.Trail {
	t.Helper()
	tr, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func mustAppend(t *testing.T, tr *audit.Trail, payload string) audit.Entry {
	t.Helper()
	e, err := tr.Append(json.RawMessage(payload))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return e
}

// --------------------------------------------------------------------------
// Basic append tests
// --------------------------------------------------------------------------

func TestAppend_SingleEntry(t *testing.T) {
	tr := openTrail(t, tmpTrail(t))
	e := mustAppend(t, tr, `{"kind":"alert_change","from":"SAFE","to":"DANGER"}`)

	if e.Seq != 1 {
		t.Errorf("seq = %d, want 1", e.Seq)
	}
	if e.PrevHash != audit.GenesisHash {
		t.Errorf("prev_hash = %q, want genesis hash", e.PrevHash)
	}
	if len(e.EventHash) != 64 {
		t.Errorf("event_hash length = %d, want 64", len(e.EventHash))
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp must not be zero")
	}
}

func TestAppend_MultipleEntries_Chain(t *testing.T) {
	tr := openTrail(t, tmpTrail(t))

	payloads := []string{
		`{"kind":"alert_change","from":"SAFE","to":"CALLING"}`,
		`{"kind":"gsm_dispatch","mode":"call","number":"+15550100"}`,
		`{"kind":"manual_action","action":"set_safe"}`,
	}

	entries := make([]audit.Entry, len(payloads))
	for i, p := range payloads {
		entries[i] = mustAppend(t, tr, p)
	}

	if entries[0].PrevHash != audit.GenesisHash {
		t.Errorf("entry[0].prev_hash = %q, want genesis", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EventHash {
			t.Errorf("entry[%d].prev_hash = %q, want entry[%d].event_hash = %q",
				i, entries[i].PrevHash, i-1, entries[i-1].EventHash)
		}
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry[%d].seq = %d, want %d", i, e.Seq, i+1)
		}
	}
}

func TestAppend_HashMatchesManualComputation(t *testing.T) {
	tr := openTrail(t, tmpTrail(t))
	e := mustAppend(t, tr, `{"x":1}`)

	// Re-derive the hash using the same struct layout as the trail. The
	// Timestamp field must use time.Time so json.Marshal produces the
	// identical RFC3339Nano encoding.
	type entryContent struct {
		Seq       int64           `json:"seq"`
		Timestamp time.Time       `json:"ts"`
		Payload   json.RawMessage `json:"payload"`
		PrevHash  string          `json:"prev_hash"`
	}
	raw, err := json.Marshal(entryContent{
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
		PrevHash:  e.PrevHash,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	sum := sha256.Sum256(raw)
	if want := hex.EncodeToString(sum[:]); e.EventHash != want {
		t.Errorf("event_hash = %q, want %q", e.EventHash, want)
	}
}

func TestAppend_NilPayload(t *testing.T) {
	tr := openTrail(t, tmpTrail(t))
	e, err := tr.Append(nil)
	if err != nil {
		t.Fatalf("Append(nil): %v", err)
	}
	if string(e.Payload) != "null" {
		t.Errorf("payload = %q, want %q", string(e.Payload), "null")
	}
}

// --------------------------------------------------------------------------
// Typed incident records
// --------------------------------------------------------------------------

func TestRecordAlertChange_PayloadShape(t *testing.T) {
	path := tmpTrail(t)
	tr := openTrail(t, path)

	if err := tr.RecordAlertChange("SAFE", "DANGER", "Fire detected (87%)"); err != nil {
		t.Fatalf("RecordAlertChange: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}

	var got struct {
		Kind   string `json:"kind"`
		From   string `json:"from"`
		To     string `json:"to"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(entries[0].Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.Kind != audit.KindAlertChange {
		t.Errorf("kind = %q, want %q", got.Kind, audit.KindAlertChange)
	}
	if got.From != "SAFE" || got.To != "DANGER" || got.Reason != "Fire detected (87%)" {
		t.Errorf("payload = %+v", got)
	}
}

func TestRecordGsmDispatch_PayloadShape(t *testing.T) {
	path := tmpTrail(t)
	tr := openTrail(t, path)

	if err := tr.RecordGsmDispatch("sms", "+15550100", "sent", 2); err != nil {
		t.Fatalf("RecordGsmDispatch: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	var got struct {
		Kind    string `json:"kind"`
		Mode    string `json:"mode"`
		Number  string `json:"number"`
		Status  string `json:"status"`
		Attempt int    `json:"attempt"`
	}
	if err := json.Unmarshal(entries[0].Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.Kind != audit.KindGsmDispatch || got.Mode != "sms" || got.Attempt != 2 {
		t.Errorf("payload = %+v", got)
	}
}

func TestRecordManualAction_ChainsWithOtherKinds(t *testing.T) {
	path := tmpTrail(t)
	tr := openTrail(t, path)

	if err := tr.RecordAlertChange("SAFE", "EVACUATE", "Manual evacuation: Zone 3"); err != nil {
		t.Fatalf("RecordAlertChange: %v", err)
	}
	if err := tr.RecordManualAction("earthquake_alert", "drill"); err != nil {
		t.Fatalf("RecordManualAction: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[1].PrevHash != entries[0].EventHash {
		t.Error("mixed-kind entries must still chain")
	}
}

// --------------------------------------------------------------------------
// Persistence: re-opening continues the chain
// --------------------------------------------------------------------------

func TestOpen_ResumeExistingChain(t *testing.T) {
	path := tmpTrail(t)

	tr1 := openTrail(t, path)
	mustAppend(t, tr1, `{"session":1,"event":1}`)
	e2 := mustAppend(t, tr1, `{"session":1,"event":2}`)
	if err := tr1.Close(); err != nil {
		t.Fatalf("tr1.Close: %v", err)
	}

	tr2 := openTrail(t, path)
	e3 := mustAppend(t, tr2, `{"session":2,"event":3}`)

	if e3.PrevHash != e2.EventHash {
		t.Errorf("e3.prev_hash = %q, want e2.event_hash = %q", e3.PrevHash, e2.EventHash)
	}
	if e3.Seq != 3 {
		t.Errorf("e3.seq = %d, want 3", e3.Seq)
	}
}

// --------------------------------------------------------------------------
// Verify
// --------------------------------------------------------------------------

func TestVerify_EmptyFile(t *testing.T) {
	path := tmpTrail(t)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify(empty): %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected 0 entries, got %d", len(entries))
	}
}

func TestVerify_ValidChain(t *testing.T) {
	path := tmpTrail(t)
	tr := openTrail(t, path)
	for i := 0; i < 5; i++ {
		mustAppend(t, tr, fmt.Sprintf(`{"i":%d}`, i))
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("Verify returned %d entries, want 5", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EventHash {
			t.Errorf("entries[%d].prev_hash breaks chain", i)
		}
	}
}

func TestVerify_DetectsModifiedPayload(t *testing.T) {
	path := tmpTrail(t)
	tr := openTrail(t, path)
	mustAppend(t, tr, `{"original":true}`)
	mustAppend(t, tr, `{"second":true}`)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Flip true->false in the first payload; the stored hash goes stale.
	corrupted := strings.Replace(string(data), `"original":true`, `"original":false`, 1)
	if err := os.WriteFile(path, []byte(corrupted), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := audit.Verify(path); err == nil {
		t.Fatal("Verify should have detected tampered payload, got nil error")
	}
}

func TestVerify_DetectsDeletedEntry(t *testing.T) {
	path := tmpTrail(t)
	tr := openTrail(t, path)
	mustAppend(t, tr, `{"event":1}`)
	mustAppend(t, tr, `{"event":2}`)
	mustAppend(t, tr, `{"event":3}`)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Remove the first line. The second entry's prev_hash no longer equals
	// the genesis hash.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	idx := strings.Index(string(data), "\n")
	if idx < 0 {
		t.Fatal("expected at least one newline-terminated entry")
	}
	if err := os.WriteFile(path, data[idx+1:], 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := audit.Verify(path); err == nil {
		t.Fatal("Verify should have detected missing entry, got nil error")
	}
}

// --------------------------------------------------------------------------
// Open: rejects a corrupted existing trail
// --------------------------------------------------------------------------

func TestOpen_RejectsCorruptedTrail(t *testing.T) {
	path := tmpTrail(t)

	tr := openTrail(t, path)
	mustAppend(t, tr, `{"event":1}`)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := strings.Replace(string(data), `"event":1`, `"event":99`, 1)
	if err := os.WriteFile(path, []byte(corrupted), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := audit.Open(path); err == nil {
		t.Fatal("Open should have rejected corrupted trail, got nil error")
	}
}

// --------------------------------------------------------------------------
// Concurrent safety
// --------------------------------------------------------------------------

func TestAppend_ConcurrentSafe(t *testing.T) {
	path := tmpTrail(t)
	tr := openTrail(t, path)

	const goroutines = 10
	const perGoroutine = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				payload := json.RawMessage(fmt.Sprintf(`{"gid":%d}`, id))
				if _, err := tr.Append(payload); err != nil {
					t.Errorf("goroutine %d Append: %v", id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify after concurrent appends: %v", err)
	}
	if len(entries) != goroutines*perGoroutine {
		t.Errorf("expected %d entries, got %d", goroutines*perGoroutine, len(entries))
	}
}
