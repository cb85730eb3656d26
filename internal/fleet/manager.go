package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evacnet/guardian/internal/metrics"
)

const (
	defaultReapInterval  = 5 * time.Second
	defaultWorkerTimeout = 15 * time.Second

	// disconnectedKind is the device kind recorded when a worker drops;
	// the specialty subkind is only meaningful while the session lives.
	disconnectedKind = "worker_laptop"
)

// Store is the slice of the state store the fleet manager mutates.
type Store interface {
	UpdateDevice(id, kind string, connected bool, addr string)
	AddDetection(class string, confidence float64, bbox [4]float64, frameID string)
}

// Worker is a point-in-time snapshot of a registered worker for API callers.
type Worker struct {
	ID        string          `json:"worker_id"`
	Name      string          `json:"name"`
	Model     string          `json:"model"`
	Specialty string          `json:"specialty"`
	Role      string          `json:"role"`
	Addr      string          `json:"addr"`
	LastSeen  float64         `json:"last_seen"`
	Stats     json.RawMessage `json:"stats,omitempty"`
}

// session is one live worker connection. Identity fields are fixed at
// registration; lastSeen and stats move under the session mutex so the
// reaper and heartbeats never contend on the manager lock.
type session struct {
	conn    net.Conn
	writeMu sync.Mutex

	id        string
	name      string
	model     string
	specialty string
	role      string
	addr      string

	mu       sync.Mutex
	lastSeen time.Time
	stats    json.RawMessage
}

// send writes one frame, serializing concurrent writers on this socket.
func (s *session) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WriteFrame(s.conn, v)
}

func (s *session) touch(stats json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
	if stats != nil {
		s.stats = append(json.RawMessage(nil), stats...)
	}
}

func (s *session) seen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *session) snapshot() Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Worker{
		ID:        s.id,
		Name:      s.name,
		Model:     s.model,
		Specialty: s.specialty,
		Role:      s.role,
		Addr:      s.addr,
		LastSeen:  float64(s.lastSeen.UnixNano()) / float64(time.Second),
		Stats:     s.stats,
	}
}

// Option customises a Manager.
type Option func(*Manager)

// WithMetrics wires operational counters into the manager.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithTimeouts overrides the reap period and the heartbeat staleness cutoff.
func WithTimeouts(reapEvery, workerTimeout time.Duration) Option {
	return func(mgr *Manager) {
		mgr.reapEvery = reapEvery
		mgr.timeout = workerTimeout
	}
}

// Manager owns the worker registry and the pending-task table. It accepts
// framed-TCP connections from workers, keeps their heartbeats fresh, reaps
// the silent ones, and hands frames out for remote inference.
type Manager struct {
	log     *slog.Logger
	store   Store
	metrics *metrics.Metrics

	listenAddr string
	reapEvery  time.Duration
	timeout    time.Duration

	mu      sync.Mutex
	workers map[string]*session
	pending map[string]*pendingTask
	cursor  int

	lis      net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a Manager listening on listenAddr once started.
func New(logger *slog.Logger, store Store, listenAddr string, opts ...Option) *Manager {
	m := &Manager{
		log:        logger.With(slog.String("component", "fleet")),
		store:      store,
		listenAddr: listenAddr,
		reapEvery:  defaultReapInterval,
		timeout:    defaultWorkerTimeout,
		workers:    make(map[string]*session),
		pending:    make(map[string]*pendingTask),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens the listener and launches the accept and reap loops.
func (m *Manager) Start() error {
	lis, err := net.Listen("tcp", m.listenAddr)
	if err != nil {
		return fmt.Errorf("fleet: listen %s: %w", m.listenAddr, err)
	}
	m.lis = lis
	m.log.Info("worker listener ready", slog.String("addr", lis.Addr().String()))

	m.wg.Add(2)
	go m.acceptLoop()
	go m.reapLoop()
	return nil
}

// Addr reports the bound listener address. Valid after Start.
func (m *Manager) Addr() string {
	if m.lis == nil {
		return m.listenAddr
	}
	return m.lis.Addr().String()
}

// Stop closes the listener, then every worker connection, completes all
// pending tasks with an empty result, and waits for the loops to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.lis != nil {
			_ = m.lis.Close()
		}

		m.mu.Lock()
		sessions := make([]*session, 0, len(m.workers))
		for _, s := range m.workers {
			sessions = append(sessions, s)
		}
		for _, p := range m.pending {
			p.complete(nil)
		}
		m.mu.Unlock()

		for _, s := range sessions {
			_ = s.conn.Close()
		}
		m.wg.Wait()
	})
}

func (m *Manager) stopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// Workers returns a snapshot of the registry sorted by worker id.
func (m *Manager) Workers() []Worker {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.workers))
	for _, s := range m.workers {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Worker, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConnectedCount reports how many workers are registered right now. The
// vision pipeline uses it to decide the offload ratio per frame.
func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// ─── accept / session handling ──────────────────────────────────────────────

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.lis.Accept()
		if err != nil {
			if m.stopped() {
				return
			}
			m.log.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}
		m.wg.Add(1)
		go m.handleConn(conn)
	}
}

// handleConn runs one worker session: frames in, state out. A malformed
// frame body is logged and skipped; a broken length prefix ends the session.
func (m *Manager) handleConn(conn net.Conn) {
	defer m.wg.Done()
	addr := conn.RemoteAddr().String()
	m.log.Debug("worker connection opened", slog.String("addr", addr))

	var sess *session
	defer func() {
		_ = conn.Close()
		if sess != nil {
			m.dropSession(sess, "connection closed")
		}
	}()

	for {
		body, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !m.stopped() {
				m.log.Debug("worker read ended",
					slog.String("addr", addr),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			m.log.Warn("malformed worker frame",
				slog.String("addr", addr),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch env.Type {
		case "register":
			s, err := m.register(conn, addr, body)
			if err != nil {
				m.log.Warn("registration rejected",
					slog.String("addr", addr),
					slog.String("error", err.Error()),
				)
				continue
			}
			sess = s
		case "heartbeat":
			m.heartbeat(sess, addr, body)
		case "inference_result":
			m.handleResult(sess, body)
		default:
			m.log.Warn("unhandled worker message",
				slog.String("type", env.Type),
				slog.String("addr", addr),
			)
		}
	}
}

func (m *Manager) register(conn net.Conn, addr string, body []byte) (*session, error) {
	var msg registerMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	if msg.WorkerID == "" {
		return nil, errors.New("register without worker_id")
	}
	if msg.Specialty == "" {
		msg.Specialty = "Generalist"
	}
	if msg.Role == "" {
		msg.Role = "sub-worker"
	}

	s := &session{
		conn:      conn,
		id:        msg.WorkerID,
		name:      msg.Name,
		model:     msg.Model,
		specialty: msg.Specialty,
		role:      msg.Role,
		addr:      addr,
		lastSeen:  time.Now(),
	}

	m.mu.Lock()
	old := m.workers[msg.WorkerID]
	m.workers[msg.WorkerID] = s
	n := len(m.workers)
	m.mu.Unlock()

	// A re-register on a fresh socket supersedes the old session; closing
	// the stale conn lets its handler exit without touching the new entry.
	if old != nil && old.conn != conn {
		_ = old.conn.Close()
	}

	if m.metrics != nil {
		m.metrics.WorkersConnected.Store(int64(n))
	}
	m.store.UpdateDevice(msg.WorkerID, specialtyKind(msg.Specialty), true, addr)
	m.log.Info("worker registered",
		slog.String("worker_id", msg.WorkerID),
		slog.String("specialty", msg.Specialty),
		slog.String("role", msg.Role),
		slog.String("addr", addr),
	)

	if err := s.send(registeredAck{Type: "registered", WorkerID: msg.WorkerID}); err != nil {
		// Registration stands; a broken socket is the reaper's problem.
		m.log.Warn("registration ack failed",
			slog.String("worker_id", msg.WorkerID),
			slog.String("error", err.Error()),
		)
	}
	return s, nil
}

func (m *Manager) heartbeat(sess *session, addr string, body []byte) {
	if sess == nil {
		m.log.Warn("heartbeat before register", slog.String("addr", addr))
		return
	}
	var msg heartbeatMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		m.log.Warn("malformed heartbeat",
			slog.String("worker_id", sess.id),
			slog.String("error", err.Error()),
		)
		return
	}
	sess.touch(msg.Stats)
}

// handleResult completes a matching pending task and appends every returned
// detection to the state store. A late result whose task has already been
// reclaimed still performs the append; a duplicate result for the same frame
// completes nothing and appends again, which the detection ring tolerates.
func (m *Manager) handleResult(sess *session, body []byte) {
	var msg resultMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		m.log.Warn("malformed inference result", slog.String("error", err.Error()))
		return
	}

	// Normalise a missing detections field to an empty slice so that an
	// answered frame is never confused with a timed-out one (nil result).
	dets := msg.Detections
	if dets == nil {
		dets = []Detection{}
	}

	m.mu.Lock()
	if p, ok := m.pending[msg.FrameID]; ok {
		p.complete(dets)
	}
	m.mu.Unlock()

	for _, d := range msg.Detections {
		m.store.AddDetection(d.Class, d.Confidence, bbox4(d.BBox), msg.FrameID)
	}
	if m.metrics != nil && len(msg.Detections) > 0 {
		m.metrics.DetectionsRemote.Add(int64(len(msg.Detections)))
	}

	workerID := msg.WorkerID
	if workerID == "" && sess != nil {
		workerID = sess.id
	}
	m.log.Debug("inference result",
		slog.String("worker_id", workerID),
		slog.String("frame_id", msg.FrameID),
		slog.Int("detections", len(msg.Detections)),
		slog.Float64("inference_ms", msg.InferenceMs),
	)
}

// dropSession removes s from the registry if it is still the live entry for
// its worker id. Reap and connection teardown both land here; the pointer
// check makes the second arrival a no-op.
func (m *Manager) dropSession(s *session, reason string) {
	m.mu.Lock()
	cur, ok := m.workers[s.id]
	if !ok || cur != s {
		m.mu.Unlock()
		return
	}
	delete(m.workers, s.id)
	n := len(m.workers)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.WorkersConnected.Store(int64(n))
	}
	m.store.UpdateDevice(s.id, disconnectedKind, false, "")
	m.log.Info("worker disconnected",
		slog.String("worker_id", s.id),
		slog.String("reason", reason),
	)
}

// ─── reaping ─────────────────────────────────────────────────────────────────

func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reap(time.Now())
		}
	}
}

func (m *Manager) reap(now time.Time) {
	m.mu.Lock()
	var stale []*session
	for _, s := range m.workers {
		if now.Sub(s.seen()) > m.timeout {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.log.Warn("worker heartbeat timeout", slog.String("worker_id", s.id))
		_ = s.conn.Close()
		m.dropSession(s, "heartbeat timeout")
	}
}

// specialtyKind maps a specialty label to its device-record kind,
// e.g. "Fire Specialist" becomes "worker_fire_specialist".
func specialtyKind(specialty string) string {
	return "worker_" + strings.ReplaceAll(strings.ToLower(specialty), " ", "_")
}

// bbox4 clamps a wire bbox to the store's fixed-size box. Short arrays leave
// the remaining coordinates zero rather than rejecting the detection.
func bbox4(b []float64) [4]float64 {
	var out [4]float64
	copy(out[:], b)
	return out
}
