// Package transport implements the worker's link to the guardian
// coordinator.  It handles UDP beacon discovery, framed-TCP connection
// management, worker registration, heartbeat reporting, the inference task
// loop, and exponential-backoff reconnection when the coordinator is
// unreachable.
//
// # Usage
//
//	client := transport.New(cfg, detector, logger)
//	if err := client.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Prometheus metrics
//
// Attach a [Metrics] value to collect operational counters and gauges while
// the client is running:
//
//	m := transport.NewMetrics()
//	client := transport.New(cfg, detector, logger, transport.WithMetrics(m))
//
//	// Serve the collected metrics on an HTTP endpoint.
//	http.Handle("/metrics", m.Handler())
//	go http.ListenAndServe(":9091", nil)
//
// # Wire format
//
// Every message is one frame: a 4-byte big-endian length prefix followed by
// a UTF-8 JSON body.  The worker opens each session with a "register" frame
// and waits for the coordinator's "registered" acknowledgement before
// serving.  After that the coordinator pushes "inference_task" frames
// (base64-encoded JPEGs) and the worker replies with "inference_result"
// frames; a "heartbeat" frame with throughput stats goes out every
// [config.CoordinatorConfig.HeartbeatInterval].
//
// # Reconnection
//
// On any transient error (discovery timeout, dial failure, dead socket) Run
// backs off and reconnects automatically.  The backoff doubles on each
// attempt starting at [config.CoordinatorConfig.ReconnectDelay] and is
// capped at [config.CoordinatorConfig.ReconnectMaxDelay].  The backoff
// counter resets to the initial delay after a session outlives it.
//
// # Lifecycle
//
// Run blocks until ctx is cancelled; a lost coordinator is never a
// permanent error, so Run keeps retrying for the life of the process.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evacnet/guardian-worker/internal/config"
)

// statsWindow is the sliding window over which heartbeat FPS is computed.
const statsWindow = 30 * time.Second

// Detector runs inference on one JPEG frame and returns wire-ready
// detections.  Implementations must be safe for concurrent use.
type Detector interface {
	Detect(ctx context.Context, frame []byte) ([]Detection, error)
}

// Option is a functional option for [New] that customises [Client]
// behaviour.
type Option func(*Client)

// WithMetrics wires a [Metrics] value into the client so that transport
// events are recorded as Prometheus-compatible counters and gauges.
//
// If this option is not provided the client runs without any metric
// instrumentation (a nil [Metrics] pointer is treated as a no-op).
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client manages the framed-TCP connection to the guardian coordinator.
// Create one with [New]; call [Run] to start serving inference tasks.
type Client struct {
	workerID  string
	name      string
	model     string
	specialty string
	role      string

	coordAddr         string // static "host:port"; empty means discover
	discoveryPort     int
	dialTimeout       time.Duration
	reconnectDelay    time.Duration
	reconnectMaxDelay time.Duration
	heartbeatInterval time.Duration

	detector Detector
	logger   *slog.Logger
	metrics  *Metrics // nil when no instrumentation is requested

	fps        *rateWindow
	detections atomic.Int64
}

// New creates a Client from the supplied worker configuration.
//
// Optional [Option] values (e.g. [WithMetrics]) can be passed to customise
// behaviour.  The Client is idle until [Run] is called.
func New(cfg *config.WorkerConfig, detector Detector, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		workerID:          cfg.WorkerID,
		name:              cfg.Name,
		model:             cfg.Model,
		specialty:         cfg.Specialty,
		role:              cfg.Role,
		coordAddr:         cfg.Coordinator.Addr,
		discoveryPort:     cfg.Coordinator.DiscoveryPort,
		dialTimeout:       cfg.Coordinator.DialTimeout,
		reconnectDelay:    cfg.Coordinator.ReconnectDelay,
		reconnectMaxDelay: cfg.Coordinator.ReconnectMaxDelay,
		heartbeatInterval: cfg.Coordinator.HeartbeatInterval,
		detector:          detector,
		logger:            logger,
		fps:               newRateWindow(statsWindow),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run finds the coordinator, registers this worker, and serves inference
// tasks until ctx is cancelled.
//
// On any transient error Run waits for the current backoff delay and then
// reconnects.  The backoff starts at
// [config.CoordinatorConfig.ReconnectDelay] and doubles on each failure, up
// to [config.CoordinatorConfig.ReconnectMaxDelay]; a session that outlives
// the initial delay resets the counter.
//
// Run returns nil when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	delay := c.reconnectDelay

	for {
		if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		connErr := c.runOnce(ctx)
		if ctx.Err() != nil {
			// Context was cancelled during runOnce; this is a clean exit.
			return nil
		}
		if connErr == nil {
			// runOnce only returns nil when ctx ended.
			return nil
		}

		// A session that outlived the initial delay earns a fresh backoff.
		if time.Since(started) >= c.reconnectDelay {
			delay = c.reconnectDelay
		}

		c.metricsReconnectAttempt()

		c.logger.Warn("transport: disconnected, will retry",
			slog.String("error", connErr.Error()),
			slog.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay = NextDelay(delay, c.reconnectMaxDelay)
	}
}

// runOnce performs a single discover → dial → register → serve cycle.
//
// It returns a non-nil error on any transient problem so the caller can
// back off and retry; a nil return means ctx ended.
func (c *Client) runOnce(ctx context.Context) error {
	addr := c.coordAddr
	if addr == "" {
		discovered, err := Discover(ctx, c.discoveryPort, c.logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("discover coordinator: %w", err)
		}
		addr = discovered
	}

	c.metricsConnectionAttempt()
	dialer := &net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.metricsConnectionError()
		return fmt.Errorf("dial coordinator %s: %w", addr, err)
	}
	defer conn.Close()

	// A cancelled context unblocks pending reads by closing the socket.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sess := &session{conn: conn}
	if err := c.register(sess); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	c.metricsSetConnected(true)
	defer c.metricsSetConnected(false)

	c.logger.Info("transport: registered with coordinator",
		slog.String("addr", addr),
		slog.String("worker_id", c.workerID),
		slog.String("specialty", c.specialty),
	)

	// Report liveness on a side goroutine.  Writes are serialized by the
	// session, so heartbeats and results never interleave on the wire.  A
	// failed heartbeat closes the socket to unblock the read loop below.
	hbErrCh := make(chan error, 1)
	hbStop := make(chan struct{})
	defer close(hbStop)
	go c.heartbeatLoop(sess, hbStop, hbErrCh)

	for {
		body, err := ReadFrame(sess.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case hbErr := <-hbErrCh:
				return fmt.Errorf("heartbeat: %w", hbErr)
			default:
			}
			return fmt.Errorf("read frame: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			c.logger.Warn("transport: dropping malformed frame",
				slog.String("error", err.Error()),
			)
			continue
		}

		switch env.Type {
		case "inference_task":
			c.handleTask(ctx, sess, body)
		case "registered":
			// Duplicate acknowledgement; harmless.
		default:
			c.logger.Warn("transport: unhandled frame type",
				slog.String("type", env.Type),
			)
		}
	}
}

// register sends this worker's identity and waits for the coordinator's
// acknowledgement.  The ack must arrive within the dial timeout so a stalled
// coordinator does not hold the session open unregistered.
func (c *Client) register(sess *session) error {
	err := sess.send(registerMsg{
		Type:      "register",
		WorkerID:  c.workerID,
		Name:      c.name,
		Model:     c.model,
		Specialty: c.specialty,
		Role:      c.role,
	})
	if err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	_ = sess.conn.SetReadDeadline(time.Now().Add(c.dialTimeout))
	defer func() { _ = sess.conn.SetReadDeadline(time.Time{}) }()

	body, err := ReadFrame(sess.conn)
	if err != nil {
		return fmt.Errorf("await registration ack: %w", err)
	}
	var ack registeredAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return fmt.Errorf("decode registration ack: %w", err)
	}
	if ack.Type != "registered" {
		return fmt.Errorf("registration rejected: unexpected %q frame", ack.Type)
	}

	c.metricsRegistration()
	return nil
}

// heartbeatLoop sends a stats-bearing heartbeat every heartbeatInterval
// until stopCh closes.  On a send error it reports the cause, closes the
// socket, and exits; the read loop surfaces the failure.
func (c *Client) heartbeatLoop(sess *session, stopCh <-chan struct{}, errCh chan<- error) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			err := sess.send(heartbeatMsg{
				Type:     "heartbeat",
				WorkerID: c.workerID,
				Stats:    c.stats(),
			})
			if err != nil {
				c.metricsSendError()
				select {
				case errCh <- err:
				default:
				}
				_ = sess.conn.Close()
				return
			}
			c.metricsHeartbeatSent()
		}
	}
}

// handleTask decodes one inference task, runs the detector, and replies
// with the results.  On inference failure no reply is sent: the coordinator
// times the task out and falls back to local inference, which is safer than
// reporting a clean empty frame.
func (c *Client) handleTask(ctx context.Context, sess *session, body []byte) {
	c.metricsTaskReceived()

	var task taskMsg
	if err := json.Unmarshal(body, &task); err != nil {
		c.logger.Warn("transport: dropping malformed task",
			slog.String("error", err.Error()),
		)
		return
	}

	frame, err := base64.StdEncoding.DecodeString(task.FrameData)
	if err != nil {
		c.logger.Warn("transport: task frame is not valid base64",
			slog.String("frame_id", task.FrameID),
			slog.String("error", err.Error()),
		)
		return
	}

	started := time.Now()
	detections, err := c.detector.Detect(ctx, frame)
	if err != nil {
		c.metricsInferenceError()
		if ctx.Err() == nil {
			c.logger.Warn("transport: inference failed",
				slog.String("frame_id", task.FrameID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	elapsed := float64(time.Since(started).Microseconds()) / 1000.0

	if detections == nil {
		detections = []Detection{}
	}
	err = sess.send(resultMsg{
		Type:        "inference_result",
		WorkerID:    c.workerID,
		FrameID:     task.FrameID,
		Detections:  detections,
		InferenceMs: elapsed,
	})
	if err != nil {
		c.metricsSendError()
		c.logger.Warn("transport: result send failed",
			slog.String("frame_id", task.FrameID),
			slog.String("error", err.Error()),
		)
		return
	}
	c.metricsResultSent()

	c.fps.mark(time.Now())
	c.detections.Add(int64(len(detections)))
}

// stats captures the throughput figures carried by a heartbeat.
func (c *Client) stats() heartbeatStats {
	return heartbeatStats{
		FPS:        c.fps.rate(time.Now()),
		Detections: c.detections.Load(),
	}
}

// session serializes writes from the heartbeat goroutine and the task loop
// onto one socket.
type session struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (s *session) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WriteFrame(s.conn, v)
}

// rateWindow computes task throughput over a sliding window.
type rateWindow struct {
	mu     sync.Mutex
	window time.Duration
	marks  []time.Time
}

func newRateWindow(window time.Duration) *rateWindow {
	return &rateWindow{window: window}
}

func (r *rateWindow) mark(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marks = append(r.marks, now)
	r.trim(now)
}

// rate returns frames per second over the window ending at now.
func (r *rateWindow) rate(now time.Time) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trim(now)
	if len(r.marks) == 0 {
		return 0
	}
	return float64(len(r.marks)) / r.window.Seconds()
}

func (r *rateWindow) trim(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.marks) && r.marks[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		r.marks = append(r.marks[:0], r.marks[i:]...)
	}
}

// NextDelay returns the next exponential-backoff delay value.
// It doubles current, capped at max.  Overflow is handled by capping.
func NextDelay(current, max time.Duration) time.Duration {
	if current <= 0 {
		return max
	}
	next := current * 2
	// Guard against overflow: if doubling wrapped to ≤0, return max.
	if next <= 0 || next > max {
		return max
	}
	return next
}

// ── metrics helpers ──────────────────────────────────────────────────────────
//
// Each helper is a no-op when c.metrics is nil.

func (c *Client) metricsConnectionAttempt() {
	if c.metrics != nil {
		c.metrics.ConnectionAttempts.Add(1)
	}
}

func (c *Client) metricsConnectionError() {
	if c.metrics != nil {
		c.metrics.ConnectionErrors.Add(1)
	}
}

func (c *Client) metricsReconnectAttempt() {
	if c.metrics != nil {
		c.metrics.ReconnectAttempts.Add(1)
	}
}

func (c *Client) metricsRegistration() {
	if c.metrics != nil {
		c.metrics.Registrations.Add(1)
	}
}

func (c *Client) metricsTaskReceived() {
	if c.metrics != nil {
		c.metrics.TasksReceived.Add(1)
	}
}

func (c *Client) metricsResultSent() {
	if c.metrics != nil {
		c.metrics.ResultsSent.Add(1)
	}
}

func (c *Client) metricsSendError() {
	if c.metrics != nil {
		c.metrics.SendErrors.Add(1)
	}
}

func (c *Client) metricsInferenceError() {
	if c.metrics != nil {
		c.metrics.InferenceErrors.Add(1)
	}
}

func (c *Client) metricsHeartbeatSent() {
	if c.metrics != nil {
		c.metrics.HeartbeatsSent.Add(1)
	}
}

func (c *Client) metricsSetConnected(connected bool) {
	if c.metrics != nil {
		if connected {
			c.metrics.Connected.Store(1)
		} else {
			c.metrics.Connected.Store(0)
		}
	}
}
