package sensor_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evacnet/guardian/internal/sensor"
	"github.com/evacnet/guardian/internal/state"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeStream is an in-memory stand-in for a serial port. Reads block on an
// io.Pipe the test feeds; writes accumulate in a buffer the test inspects.
type fakeStream struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu    sync.Mutex
	wrote bytes.Buffer
}

func newFakeStream() *fakeStream {
	pr, pw := io.Pipe()
	return &fakeStream{pr: pr, pw: pw}
}

func (f *fakeStream) Read(p []byte) (int, error) { return f.pr.Read(p) }

func (f *fakeStream) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wrote.Write(p)
}

func (f *fakeStream) Close() error {
	_ = f.pw.Close()
	return f.pr.Close()
}

// feed writes one newline-terminated line into the stream's read side.
func (f *fakeStream) feed(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(f.pw, line+"\n"); err != nil {
		t.Fatalf("feed %q: %v", line, err)
	}
}

// fail closes the read side so the link's blocked read errors out.
func (f *fakeStream) fail() { _ = f.pr.CloseWithError(errors.New("stream torn down")) }

func (f *fakeStream) sent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wrote.String()
}

// deviceCall records one UpdateDevice invocation.
type deviceCall struct {
	id        string
	kind      string
	connected bool
	addr      string
}

// fakeStore records state mutations for assertions.
type fakeStore struct {
	mu      sync.Mutex
	sensors []state.SensorUpdate
	devices []deviceCall
}

func (s *fakeStore) UpdateSensor(u state.SensorUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensors = append(s.sensors, u)
}

func (s *fakeStore) UpdateDevice(id, kind string, connected bool, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, deviceCall{id, kind, connected, addr})
}

func (s *fakeStore) sensorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sensors)
}

func (s *fakeStore) lastSensor() state.SensorUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sensors[len(s.sensors)-1]
}

func (s *fakeStore) lastDevice() (deviceCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.devices) == 0 {
		return deviceCall{}, false
	}
	return s.devices[len(s.devices)-1], true
}

// sequenceOpener returns each stream in turn; once exhausted it fails.
func sequenceOpener(streams ...*fakeStream) sensor.Opener {
	var mu sync.Mutex
	i := 0
	return func() (io.ReadWriteCloser, string, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(streams) {
			return nil, "", errors.New("no more streams")
		}
		s := streams[i]
		i++
		return s, "fake0", nil
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// startLink builds a Link on the given opener with short retry delays and
// registers a cleanup stop.
func startLink(t *testing.T, store *fakeStore, open sensor.Opener) *sensor.Link {
	t.Helper()
	l := sensor.New(testLogger(), store, "",
		sensor.WithOpener(open),
		sensor.WithRetryDelays(20*time.Millisecond, 20*time.Millisecond),
	)
	l.Start()
	t.Cleanup(l.Stop)
	return l
}

// ---------------------------------------------------------------------------
// Telemetry
// ---------------------------------------------------------------------------

func TestLink_TelemetryUpdatesSensor(t *testing.T) {
	store := &fakeStore{}
	stream := newFakeStream()
	startLink(t, store, sequenceOpener(stream))

	stream.feed(t, `{"type":"telemetry","fire":true,"raining":42.5,"earthquake":{"x":1,"y":2,"z":3},"accel":{"x":0.1,"y":0.2,"z":9.8}}`)

	waitFor(t, 2*time.Second, func() bool { return store.sensorCount() == 1 }, "telemetry not applied")

	u := store.lastSensor()
	if u.Fire == nil || !*u.Fire {
		t.Error("fire not set true")
	}
	if u.Raining == nil || *u.Raining != 42.5 {
		t.Errorf("raining = %v, want 42.5", u.Raining)
	}
	if u.Orientation == nil || u.Orientation.Z != 3 {
		t.Errorf("orientation = %+v, want z=3", u.Orientation)
	}
	if u.Accel == nil || u.Accel.Z != 9.8 {
		t.Errorf("accel = %+v, want z=9.8", u.Accel)
	}
}

func TestLink_TelemetryMissingFireSetsFalse(t *testing.T) {
	store := &fakeStore{}
	stream := newFakeStream()
	startLink(t, store, sequenceOpener(stream))

	stream.feed(t, `{"type":"telemetry","raining":10}`)

	waitFor(t, 2*time.Second, func() bool { return store.sensorCount() == 1 }, "telemetry not applied")

	u := store.lastSensor()
	if u.Fire == nil || *u.Fire {
		t.Error("absent fire field must update to false")
	}
	if u.Orientation != nil || u.Accel != nil {
		t.Error("absent orientation/accel must stay nil (keep previous)")
	}
}

func TestLink_FirmwareAliasesAccepted(t *testing.T) {
	store := &fakeStore{}
	stream := newFakeStream()
	startLink(t, store, sequenceOpener(stream))

	stream.feed(t, `{"type":"telemetry","water":77,"gyro":{"x":5,"y":0,"z":0}}`)

	waitFor(t, 2*time.Second, func() bool { return store.sensorCount() == 1 }, "telemetry not applied")

	u := store.lastSensor()
	if u.Raining == nil || *u.Raining != 77 {
		t.Errorf("water alias not mapped, raining = %v", u.Raining)
	}
	if u.Orientation == nil || u.Orientation.X != 5 {
		t.Errorf("gyro alias not mapped, orientation = %+v", u.Orientation)
	}
}

func TestLink_NonJSONLinesIgnored(t *testing.T) {
	store := &fakeStore{}
	stream := newFakeStream()
	startLink(t, store, sequenceOpener(stream))

	stream.feed(t, "boot garbage %%%")
	stream.feed(t, `{"type":"telemetry","fire":false}`)

	waitFor(t, 2*time.Second, func() bool { return store.sensorCount() == 1 }, "telemetry after garbage not applied")
}

// ---------------------------------------------------------------------------
// Device lifecycle
// ---------------------------------------------------------------------------

func TestLink_OpenMarksDeviceConnected(t *testing.T) {
	store := &fakeStore{}
	stream := newFakeStream()
	startLink(t, store, sequenceOpener(stream))

	waitFor(t, 2*time.Second, func() bool {
		d, ok := store.lastDevice()
		return ok && d.connected
	}, "device never marked connected")

	d, _ := store.lastDevice()
	if d.id != sensor.DeviceID {
		t.Errorf("device id = %q, want %q", d.id, sensor.DeviceID)
	}
	if d.addr != "fake0" {
		t.Errorf("device addr = %q, want %q", d.addr, "fake0")
	}
}

func TestLink_StreamErrorReconnects(t *testing.T) {
	store := &fakeStore{}
	first := newFakeStream()
	second := newFakeStream()
	startLink(t, store, sequenceOpener(first, second))

	waitFor(t, 2*time.Second, func() bool {
		d, ok := store.lastDevice()
		return ok && d.connected
	}, "first connect missing")

	first.fail()

	// The link must mark the device disconnected, wait out the retry delay,
	// and come back on the second stream.
	waitFor(t, 2*time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		sawDown := false
		for _, d := range store.devices {
			if !d.connected {
				sawDown = true
			}
			if sawDown && d.connected {
				return true
			}
		}
		return false
	}, "link did not reconnect after stream error")

	// Telemetry flows on the new stream.
	second.feed(t, `{"type":"telemetry","fire":true}`)
	waitFor(t, 2*time.Second, func() bool { return store.sensorCount() == 1 }, "telemetry on second stream not applied")
}

func TestLink_StopReturnsPromptly(t *testing.T) {
	store := &fakeStore{}
	stream := newFakeStream()
	l := sensor.New(testLogger(), store, "",
		sensor.WithOpener(sequenceOpener(stream)),
		sensor.WithRetryDelays(20*time.Millisecond, 20*time.Millisecond),
	)
	l.Start()

	waitFor(t, 2*time.Second, func() bool {
		d, ok := store.lastDevice()
		return ok && d.connected
	}, "connect missing")

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked past the shutdown deadline")
	}

	if d, ok := store.lastDevice(); !ok || d.connected {
		t.Error("device must be marked disconnected after Stop")
	}
}

// ---------------------------------------------------------------------------
// Outbound commands
// ---------------------------------------------------------------------------

func TestLink_SendAlertWiresLevel(t *testing.T) {
	store := &fakeStore{}
	stream := newFakeStream()
	l := startLink(t, store, sequenceOpener(stream))

	waitFor(t, 2*time.Second, func() bool { return l.Connected() }, "link never connected")

	if err := l.SendAlert(state.AlertDanger); err != nil {
		t.Fatalf("SendAlert: %v", err)
	}
	if got := stream.sent(); !strings.Contains(got, `{"cmd":"set_alert","alert":3}`) {
		t.Errorf("wire = %q, want set_alert with alert 3", got)
	}
}

func TestLink_GsmCommandShapes(t *testing.T) {
	store := &fakeStore{}
	stream := newFakeStream()
	l := startLink(t, store, sequenceOpener(stream))

	waitFor(t, 2*time.Second, func() bool { return l.Connected() }, "link never connected")

	if err := l.SendGsmCall("+15550100", true, "Fire detected"); err != nil {
		t.Fatalf("SendGsmCall: %v", err)
	}
	if err := l.SendGsmSMS("+15550101", "Evacuate now"); err != nil {
		t.Fatalf("SendGsmSMS: %v", err)
	}

	got := stream.sent()
	if !strings.Contains(got, `{"cmd":"gsm_call","number":"+15550100","robot_talk":true,"msg":"Fire detected"}`) {
		t.Errorf("gsm_call wire mismatch:\n%s", got)
	}
	if !strings.Contains(got, `{"cmd":"gsm_sms","number":"+15550101","message":"Evacuate now"}`) {
		t.Errorf("gsm_sms wire mismatch:\n%s", got)
	}
}

func TestLink_SendWhileDownReturnsErrLinkDown(t *testing.T) {
	store := &fakeStore{}
	open := func() (io.ReadWriteCloser, string, error) {
		return nil, "", errors.New("nothing attached")
	}
	l := sensor.New(testLogger(), store, "",
		sensor.WithOpener(open),
		sensor.WithRetryDelays(10*time.Millisecond, 10*time.Millisecond),
	)
	l.Start()
	t.Cleanup(l.Stop)

	if err := l.SendAlert(state.AlertSafe); !errors.Is(err, sensor.ErrLinkDown) {
		t.Errorf("SendAlert on down link = %v, want ErrLinkDown", err)
	}
}
