// Package coordinator wires the guardian subsystems together and owns their
// lifecycle: the shared state store and its persistence backend, the serial
// sensor link, the worker-fleet manager with its discovery beacon, the vision
// pipeline, the control engine, and the dashboard surfaces (REST router and
// WebSocket broadcaster).
//
// Construction opens everything that can fail (database, audit trail, data
// directory); Start launches the long-running goroutines; Stop tears them
// down in dependency order so no component observes a collaborator that has
// already gone away.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/evacnet/guardian/internal/audit"
	"github.com/evacnet/guardian/internal/config"
	"github.com/evacnet/guardian/internal/control"
	"github.com/evacnet/guardian/internal/fleet"
	"github.com/evacnet/guardian/internal/metrics"
	"github.com/evacnet/guardian/internal/sensor"
	"github.com/evacnet/guardian/internal/server/rest"
	"github.com/evacnet/guardian/internal/server/websocket"
	"github.com/evacnet/guardian/internal/state"
	"github.com/evacnet/guardian/internal/store"
	"github.com/evacnet/guardian/internal/vision"
)

// closeTimeout bounds the final persistence flush during Stop.
const closeTimeout = 10 * time.Second

// Option customises Coordinator construction. The options exist so tests can
// inject in-memory stand-ins for the pieces that touch hardware or the
// network; production wiring uses none of them.
type Option func(*Coordinator)

// WithBackend replaces the persistence backend that New would otherwise open
// from the configuration (SQLite by default, Postgres when a DSN is set).
func WithBackend(b store.Backend) Option {
	return func(c *Coordinator) { c.backend = b }
}

// WithSerialOpener replaces the system serial opener on the sensor link.
func WithSerialOpener(open sensor.Opener) Option {
	return func(c *Coordinator) { c.serialOpener = open }
}

// WithDetector replaces the local inference sidecar client.
func WithDetector(d vision.Detector) Option {
	return func(c *Coordinator) { c.detector = d }
}

// WithFleetAddr overrides the worker listener address derived from the
// configured TCP port. Tests bind "127.0.0.1:0".
func WithFleetAddr(addr string) Option {
	return func(c *Coordinator) { c.fleetAddr = addr }
}

// WithAnnounceTarget redirects discovery datagrams away from the limited
// broadcast address.
func WithAnnounceTarget(addr string) Option {
	return func(c *Coordinator) { c.announceTarget = addr }
}

// Coordinator is the top-level orchestrator behind cmd/guardian. Construct
// with New, then Start; the HTTP surface in Handler is safe to serve as soon
// as New returns.
type Coordinator struct {
	cfg *config.Config
	log *slog.Logger

	metrics  *metrics.Metrics
	state    *state.Store
	backend  store.Backend
	trail    *audit.Trail
	serial   *sensor.Link
	fleet    *fleet.Manager
	announce *fleet.Announcer
	frames   *vision.FrameStore
	vision   *vision.Pipeline
	engine   *control.Engine
	caster   *websocket.Broadcaster
	settings *settingsManager
	watcher  *store.SettingsWatcher
	handler  http.Handler

	serialOpener   sensor.Opener
	detector       vision.Detector
	fleetAddr      string
	announceTarget string

	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
}

// New builds the full component graph from cfg. It creates the data
// directory, opens the persistence backend and the incident audit trail, and
// seeds the in-memory state with the persisted GSM contacts. Any failure
// here is fatal to the process; nothing is left running on error.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		cfg:       cfg,
		log:       logger.With(slog.String("component", "coordinator")),
		fleetAddr: fmt.Sprintf(":%d", cfg.Fleet.TCPPort),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("coordinator: create data dir: %w", err)
	}

	c.metrics = metrics.New()

	if c.backend == nil {
		backend, err := store.Open(ctx, logger, store.Options{
			Path: cfg.DatabasePath(),
			DSN:  cfg.Storage.DSN,
		})
		if err != nil {
			return nil, fmt.Errorf("coordinator: open persistence: %w", err)
		}
		c.backend = backend
	}

	trail, err := audit.Open(cfg.AuditPath())
	if err != nil {
		cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = c.backend.Close(cctx)
		return nil, fmt.Errorf("coordinator: open audit trail: %w", err)
	}
	c.trail = trail

	c.state = state.New(logger, state.WithSink(c.backend))
	c.metrics.ObserveStore(c.state.Counters)

	// Contacts outlive the process; a read failure here degrades to an
	// empty roster, it does not stop the boot.
	contacts, err := c.backend.Contacts(ctx)
	if err != nil {
		c.log.Warn("gsm contact seed failed", slog.Any("error", err))
	} else {
		c.state.SetGsmContacts(contacts)
	}

	var serialOpts []sensor.Option
	serialOpts = append(serialOpts, sensor.WithMetrics(c.metrics))
	if c.serialOpener != nil {
		serialOpts = append(serialOpts, sensor.WithOpener(c.serialOpener))
	}
	c.serial = sensor.New(logger, c.state, cfg.Serial.Port, serialOpts...)

	c.fleet = fleet.New(logger, c.state, c.fleetAddr, fleet.WithMetrics(c.metrics))

	if c.detector == nil {
		c.detector = vision.NewHTTPDetector(cfg.Inference.Endpoint)
	}
	c.frames = vision.NewFrameStore()
	c.vision = vision.New(logger, c.state, c.frames, c.detector, c.fleet,
		vision.WithMetrics(c.metrics))

	c.engine = control.New(logger, c.state, c.serial,
		control.WithMetrics(c.metrics),
		control.WithAudit(c.trail))

	c.caster = websocket.NewBroadcaster(logger, 0, websocket.WithMetrics(c.metrics))
	wsHandler := websocket.NewHandler(c.caster, logger, c.state.Snapshot)

	c.settings = newSettingsManager(logger, cfg.SettingsPath(), c.vision)
	c.watcher = store.NewSettingsWatcher(logger, cfg.SettingsPath(), c.settings.applyLoaded)

	restSrv := rest.NewServer(rest.Config{
		Logger:   logger,
		State:    c.state,
		Backend:  c.backend,
		Control:  c.engine,
		Fleet:    c.fleet,
		Vision:   c.vision,
		Frames:   c.frames,
		Settings: c.settings,
		Metrics:  c.metrics.Handler(),
	})
	c.handler = rest.NewRouter(restSrv, wsHandler)

	return c, nil
}

// Handler returns the combined REST + WebSocket + metrics surface for the
// process's HTTP server.
func (c *Coordinator) Handler() http.Handler { return c.handler }

// AccessCode returns the dashboard pairing code generated for this process.
func (c *Coordinator) AccessCode() string { return c.state.AccessCode() }

// Start launches every long-running component. The worker listener binds
// first so its failure aborts the boot before anything else is moving; the
// discovery beacon then announces the port that was actually bound.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: already running")
	}
	c.running = true
	c.mu.Unlock()

	if err := c.fleet.Start(); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("coordinator: worker listener: %w", err)
	}

	tcpPort := boundPort(c.fleet.Addr(), c.cfg.Fleet.TCPPort)
	var announceOpts []fleet.AnnouncerOption
	if c.announceTarget != "" {
		announceOpts = append(announceOpts, fleet.WithBroadcastAddr(c.announceTarget))
	}
	c.announce = fleet.NewAnnouncer(c.log, c.cfg.Fleet.DiscoveryPort, tcpPort, announceOpts...)
	c.announce.Start()

	c.caster.Start(c.state.Events())
	c.serial.Start()
	c.engine.Start()

	if err := c.watcher.Start(); err != nil {
		// Live reload is a convenience; POST /api/settings still works.
		c.log.Warn("settings watcher unavailable", slog.Any("error", err))
	}

	for _, cam := range c.cfg.Cameras {
		if err := c.vision.AddCamera(cam.ID, cam.URL); err != nil {
			c.log.Warn("camera registration failed",
				slog.String("camera", cam.ID),
				slog.Any("error", err),
			)
			continue
		}
		c.state.UpdateDevice(cam.ID, "esp32_cam", true, cam.URL)
	}

	c.log.Info("coordinator started",
		slog.String("fleet_addr", c.fleet.Addr()),
		slog.Int("discovery_port", c.cfg.Fleet.DiscoveryPort),
		slog.Int("cameras", len(c.cfg.Cameras)),
	)
	return nil
}

// Stop shuts the components down in reverse dependency order: dashboard
// fan-out, control, vision, fleet, serial, then the persistence backend
// (final detection flush) and the audit trail. Safe to call more than once,
// and releases the resources New opened even when Start never ran; the
// caller shuts its HTTP server down before calling Stop.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { c.stop() })
}

func (c *Coordinator) stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.watcher.Stop()
	c.caster.Stop()
	c.engine.Stop()
	c.vision.Stop()
	if c.announce != nil {
		c.announce.Stop()
	}
	c.fleet.Stop()
	c.serial.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.backend.Close(ctx); err != nil {
		c.log.Warn("persistence close failed", slog.Any("error", err))
	}
	if err := c.trail.Close(); err != nil {
		c.log.Warn("audit trail close failed", slog.Any("error", err))
	}

	c.log.Info("coordinator stopped")
}

// boundPort extracts the port the listener actually bound, falling back to
// the configured one when the address does not parse.
func boundPort(addr string, fallback int) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fallback
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fallback
	}
	return port
}
