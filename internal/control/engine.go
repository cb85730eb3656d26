// Package control is the fail-safe decision engine: it consumes detection
// and sensor events, drives the alert level and the microcontroller's visual
// alarm, and runs GSM call/SMS emergency sequences through the modem. It
// runs independently of the API server so critical escalation still works
// when no dashboard is attached.
package control

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evacnet/guardian/internal/audit"
	"github.com/evacnet/guardian/internal/metrics"
	"github.com/evacnet/guardian/internal/state"
)

const (
	minDetectionConfidence = 0.5
	waterDangerThreshold   = 70.0
	waterWarningThreshold  = 40.0
	tiltThreshold          = 30.0

	gsmMaxAttempts  = 5
	defaultExitZone = 3

	defaultDebounce   = 2 * time.Second
	defaultTick       = 500 * time.Millisecond
	defaultStaleAfter = 10 * time.Minute
	defaultCallWindow = 10 * time.Second
	defaultRetryDelay = 5 * time.Second

	eventBuffer = 256
)

// criticalHazards escalate straight to DANGER; warningHazards to CALLING.
var (
	criticalHazards = map[string]bool{
		"Fire":                true,
		"Explosion":           true,
		"Flood":               true,
		"Collapsed Structure": true,
	}
	warningHazards = map[string]bool{
		"Smoke":          true,
		"Falling Debris": true,
		"Landslide":      true,
	}

	// classCategories routes a hazard class to its contact category.
	classCategories = map[string]string{
		"Fire":                "fire",
		"Explosion":           "fire",
		"Smoke":               "smoke",
		"Flood":               "rain",
		"Falling Debris":      "debris",
		"Landslide":           "debris",
		"Collapsed Structure": "debris",
	}
)

// Link is the sensor-link surface the engine drives. *sensor.Link
// implements it.
type Link interface {
	SendAlert(level state.AlertLevel) error
	SendGsmCall(number string, robotTalk bool, msg string) error
	SendGsmSMS(number, message string) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics wires operational counters into the engine.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAudit records alert transitions, manual actions, and GSM dispatch
// attempts on the given trail.
func WithAudit(t *audit.Trail) Option {
	return func(e *Engine) { e.audit = t }
}

// WithTimings overrides the trigger debounce, the control-loop tick, and the
// stale-alert cutoff. Zero values keep the defaults.
func WithTimings(debounce, tick, staleAfter time.Duration) Option {
	return func(e *Engine) {
		if debounce > 0 {
			e.debounce = debounce
		}
		if tick > 0 {
			e.tickEvery = tick
		}
		if staleAfter > 0 {
			e.staleAfter = staleAfter
		}
	}
}

// WithGsmTimings overrides the per-call wait window and the send-failure
// retry delay. Zero values keep the defaults.
func WithGsmTimings(callWindow, retryDelay time.Duration) Option {
	return func(e *Engine) {
		if callWindow > 0 {
			e.callWindow = callWindow
		}
		if retryDelay > 0 {
			e.retryDelay = retryDelay
		}
	}
}

// Engine applies the alert rules. Construct with New, then Start.
type Engine struct {
	log     *slog.Logger
	store   *state.Store
	link    Link
	audit   *audit.Trail
	metrics *metrics.Metrics

	debounce   time.Duration
	tickEvery  time.Duration
	staleAfter time.Duration
	callWindow time.Duration
	retryDelay time.Duration

	// lastTrigger gates automatic and manual triggers; direct SetSafeMode
	// and ManualAlert bypass it.
	mu          sync.Mutex
	lastTrigger time.Time

	gsmActive atomic.Bool
	dropped   atomic.Int64

	subID  int
	events chan state.Event

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds an Engine over the store and the sensor link.
func New(logger *slog.Logger, store *state.Store, link Link, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		log:        logger.With(slog.String("component", "control")),
		store:      store,
		link:       link,
		debounce:   defaultDebounce,
		tickEvery:  defaultTick,
		staleAfter: defaultStaleAfter,
		callWindow: defaultCallWindow,
		retryDelay: defaultRetryDelay,
		events:     make(chan state.Event, eventBuffer),
		stopCh:     make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start subscribes to the store and launches the control loop.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.subID = e.store.Subscribe(e.onEvent)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.run()
		}()
		e.log.Info("control engine started")
	})
}

// Stop halts the control loop and aborts any in-flight GSM waits.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.store.Unsubscribe(e.subID)
		close(e.stopCh)
		e.wg.Wait()
		e.log.Info("control engine stopped")
	})
}

// onEvent runs inside the store's entity locks, so it only hands the event
// to the engine's own loop.
func (e *Engine) onEvent(ev state.Event) {
	switch ev.Topic {
	case state.TopicDetection, state.TopicSensorUpdate:
		select {
		case e.events <- ev:
		default:
			e.dropped.Add(1)
		}
	}
}

func (e *Engine) run() {
	tick := time.NewTicker(e.tickEvery)
	defer tick.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case ev := <-e.events:
			e.handleEvent(ev)
		case <-tick.C:
			e.tick()
		}
	}
}

func (e *Engine) handleEvent(ev state.Event) {
	switch d := ev.Data.(type) {
	case state.Detection:
		e.handleDetection(d)
	case state.SensorReading:
		e.handleSensor(d)
	}
}

func (e *Engine) handleDetection(d state.Detection) {
	if d.Confidence < minDetectionConfidence {
		return
	}
	current := e.store.Alert()
	switch {
	case criticalHazards[d.Class] && current < state.AlertDanger:
		e.triggerAuto(state.AlertDanger, fmt.Sprintf("Detected: %s", d.Class), classCategories[d.Class])
	case warningHazards[d.Class] && current < state.AlertCalling:
		e.triggerAuto(state.AlertCalling, fmt.Sprintf("Warning: %s", d.Class), classCategories[d.Class])
	}
}

func (e *Engine) handleSensor(r state.SensorReading) {
	current := e.store.Alert()
	if r.Raining >= waterDangerThreshold {
		if current < state.AlertDanger {
			e.triggerAuto(state.AlertDanger, fmt.Sprintf("Precipitation level critical: %.1f%%", r.Raining), "rain")
		}
	} else if r.Raining >= waterWarningThreshold {
		if current < state.AlertCalling {
			e.triggerAuto(state.AlertCalling, fmt.Sprintf("Showers detected: %.1f%%", r.Raining), "rain")
		}
	}

	tilt := math.Abs(r.Orientation.X) + math.Abs(r.Orientation.Y)
	if tilt > tiltThreshold && e.store.Alert() < state.AlertCalling {
		e.triggerAuto(state.AlertCalling, fmt.Sprintf("Ground vibration detected: %.1f deg", tilt), "debris")
	}
}

// triggerAuto is the rule-driven path: a successful trigger at DANGER or
// above also starts the GSM emergency sequence.
func (e *Engine) triggerAuto(level state.AlertLevel, reason, category string) {
	if !e.trigger(level, reason, category) {
		return
	}
	if level >= state.AlertDanger {
		e.startGsmSequence(reason, category)
	}
}

// trigger raises the alert: SetAlert, the microcontroller's visual alarm,
// a hazard_detected broadcast, and the audit record. Triggers within the
// debounce window of the last successful one are dropped. Reports whether
// the trigger fired.
func (e *Engine) trigger(level state.AlertLevel, reason, category string) bool {
	now := time.Now()
	e.mu.Lock()
	if now.Sub(e.lastTrigger) < e.debounce {
		e.mu.Unlock()
		e.log.Debug("trigger debounced",
			slog.String("level", level.String()),
			slog.String("reason", reason),
		)
		return false
	}
	e.lastTrigger = now
	e.mu.Unlock()

	prev := e.store.Alert()
	e.store.SetAlert(level, reason)
	e.sendAlertLevel(level)

	e.store.Publish(state.TopicHazardDetected, map[string]any{
		"type":     level.String(),
		"reason":   reason,
		"category": category,
	})
	e.auditTransition(prev, level, reason)

	e.log.Info("alert triggered",
		slog.String("level", level.String()),
		slog.String("reason", reason),
		slog.String("category", category),
	)
	return true
}

// ManualAlert applies an operator-selected level directly: no debounce, no
// hazard_detected broadcast. DANGER and above still dispatches GSM, with the
// category derived from the free-text reason.
func (e *Engine) ManualAlert(level state.AlertLevel, reason string) {
	prev := e.store.Alert()
	e.store.SetAlert(level, reason)
	e.sendAlertLevel(level)
	e.auditTransition(prev, level, reason)

	if level >= state.AlertDanger {
		e.startGsmSequence(reason, CategoryForReason(reason))
	}
}

// SetSafeMode clears the alert. Bypasses the debounce so an operator reset
// is never swallowed.
func (e *Engine) SetSafeMode() {
	prev := e.store.Alert()
	e.store.SetAlert(state.AlertSafe, "Manual reset")
	e.sendAlertLevel(state.AlertSafe)
	if prev != state.AlertSafe {
		e.auditTransition(prev, state.AlertSafe, "Manual reset")
	}
	e.log.Info("safe mode set")
}

// SetEvacuateMode raises EVACUATE and dispatches the general GSM sequence.
// exitZone <= 0 selects the default zone; the resolved zone is returned.
func (e *Engine) SetEvacuateMode(exitZone int) int {
	if exitZone <= 0 {
		exitZone = defaultExitZone
	}
	reason := fmt.Sprintf("EVACUATION INITIATED: exit zone %d", exitZone)
	e.trigger(state.AlertEvacuate, reason, "general")
	e.startGsmSequence(reason, "general")
	return exitZone
}

// tick drains queued manual actions and clears alerts that have sat
// unchanged past the stale cutoff.
func (e *Engine) tick() {
	if n := e.dropped.Swap(0); n > 0 {
		e.log.Warn("control events dropped", slog.Int64("count", n))
	}

	for _, a := range e.store.DrainManualActions() {
		e.handleManualAction(a)
	}

	if e.store.Alert() > state.AlertSafe && time.Since(e.store.LastAlertChange()) > e.staleAfter {
		e.log.Info("alert stale, resetting to safe")
		e.SetSafeMode()
	}
}

func (e *Engine) handleManualAction(a state.ManualAction) {
	e.log.Info("manual action", slog.String("action", a.Action))
	if e.audit != nil {
		if err := e.audit.RecordManualAction(a.Action, a.Details); err != nil {
			e.log.Error("audit write failed", slog.String("error", err.Error()))
		}
	}

	switch a.Action {
	case "call_fire":
		e.trigger(state.AlertDanger, "Manual Fire Alert", "fire")
		e.startGsmSequence("FIRE EMERGENCY IN PROGRESS", "fire")
	case "call_police":
		e.trigger(state.AlertCalling, "Manual Authority Call", "general")
		e.startGsmSequence("POLICE ASSISTANCE REQUIRED", "general")
	case "earthquake_alert":
		e.trigger(state.AlertEvacuate, "Manual Earthquake Response", "debris")
		e.startGsmSequence("MAJOR EARTHQUAKE DETECTED. SEEK COVER.", "debris")
	case "sms_broadcast":
		msg := a.Details
		if msg == "" {
			msg = "Manual broadcast"
		}
		e.sendSMSBatch(msg, "")
	case "set_safe":
		e.SetSafeMode()
	default:
		e.log.Warn("unknown manual action", slog.String("action", a.Action))
	}
}

// startGsmSequence launches the call/SMS sequence in the background. Only
// one sequence runs at a time; re-entry is skipped and logged.
func (e *Engine) startGsmSequence(reason, category string) {
	select {
	case <-e.stopCh:
		return
	default:
	}
	if !e.gsmActive.CompareAndSwap(false, true) {
		e.log.Info("gsm sequence already active, skipping",
			slog.String("reason", reason),
		)
		return
	}
	if e.metrics != nil {
		e.metrics.GsmSequences.Add(1)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.gsmActive.Store(false)
		e.runGsmSequence(reason, category)
	}()
}

// runGsmSequence calls every matching call-mode contact (up to five send
// attempts each, a full call window after a successful send, a shorter
// delay after a failed one), then sends the SOS SMS pass.
func (e *Engine) runGsmSequence(reason, category string) {
	e.log.Info("gsm sequence started",
		slog.String("reason", reason),
		slog.String("category", category),
	)

	contacts := e.store.GsmContacts()
	calls := filterCategory(contacts["call"], category)
	if len(calls) == 0 {
		e.log.Warn("no call contacts for category", slog.String("category", category))
	}

	for _, c := range calls {
		answered := false
		for attempt := 1; attempt <= gsmMaxAttempts && !answered; attempt++ {
			err := e.link.SendGsmCall(c.Number, true, reason)
			e.auditGsm("call", c.Number, err, attempt)
			if err != nil {
				e.log.Warn("gsm call send failed",
					slog.String("number", c.Number),
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)
				if !e.waitStop(e.retryDelay) {
					return
				}
				continue
			}

			e.log.Info("gsm call placed",
				slog.String("number", c.Number),
				slog.Int("attempt", attempt),
			)
			// The modem reports no call outcome, so a full quiet window
			// after a successful send counts as answered.
			if !e.waitStop(e.callWindow) {
				return
			}
			answered = true
		}
		if !answered {
			e.log.Error("contact unreachable",
				slog.String("number", c.Number),
				slog.Int("attempts", gsmMaxAttempts),
			)
		}
	}

	e.sendSMSBatch("SOS: "+reason, category)
	e.log.Info("gsm sequence finished")
}

// sendSMSBatch texts every sms-mode contact matching category; an empty
// category broadcasts to all of them. A contact's stored message overrides
// the batch message.
func (e *Engine) sendSMSBatch(message, category string) {
	for _, c := range e.store.GsmContacts()["sms"] {
		if category != "" && !matchesCategory(c, category) {
			continue
		}
		msg := c.Message
		if msg == "" {
			msg = message
		}
		err := e.link.SendGsmSMS(c.Number, msg)
		e.auditGsm("sms", c.Number, err, 1)
		if err != nil {
			e.log.Warn("gsm sms send failed",
				slog.String("number", c.Number),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.log.Info("gsm sms sent", slog.String("number", c.Number))
	}
}

// CategoryForReason derives a contact category from free-text, for triggers
// whose caller has no structured class (the manual alert API).
func CategoryForReason(reason string) string {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "fire"), strings.Contains(r, "explosion"):
		return "fire"
	case strings.Contains(r, "smoke"):
		return "smoke"
	case strings.Contains(r, "flood"), strings.Contains(r, "rain"), strings.Contains(r, "precipitation"):
		return "rain"
	case strings.Contains(r, "debris"), strings.Contains(r, "landslide"),
		strings.Contains(r, "structure"), strings.Contains(r, "vibration"),
		strings.Contains(r, "earthquake"):
		return "debris"
	}
	return "general"
}

func (e *Engine) sendAlertLevel(level state.AlertLevel) {
	if err := e.link.SendAlert(level); err != nil {
		e.log.Warn("alert command failed",
			slog.String("level", level.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) auditTransition(from, to state.AlertLevel, reason string) {
	if e.audit == nil {
		return
	}
	if err := e.audit.RecordAlertChange(from.String(), to.String(), reason); err != nil {
		e.log.Error("audit write failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) auditGsm(mode, number string, sendErr error, attempt int) {
	if e.audit == nil {
		return
	}
	status := "sent"
	if sendErr != nil {
		status = "send_failed"
	}
	if err := e.audit.RecordGsmDispatch(mode, number, status, attempt); err != nil {
		e.log.Error("audit write failed", slog.String("error", err.Error()))
	}
}

func matchesCategory(c state.GsmContact, category string) bool {
	cc := c.Category
	if cc == "" {
		cc = "general"
	}
	return cc == "general" || cc == category
}

func filterCategory(contacts []state.GsmContact, category string) []state.GsmContact {
	out := make([]state.GsmContact, 0, len(contacts))
	for _, c := range contacts {
		if matchesCategory(c, category) {
			out = append(out, c)
		}
	}
	return out
}

// waitStop pauses for d unless Stop aborts the wait, reporting whether the
// full pause elapsed.
func (e *Engine) waitStop(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.stopCh:
		return false
	case <-t.C:
		return true
	}
}
