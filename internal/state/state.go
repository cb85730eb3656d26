// Package state holds the coordinator's authoritative in-memory state:
// the latest sensor reading, the detection ring, device records, the alert
// level with its transition history, GSM contacts, and the manual-action
// queue. Every mutation is published on an event bus with two delivery
// paths: registered subscribers are invoked synchronously (in mutation
// order, panic-isolated), and the same event is enqueued on a bounded
// fan-out channel drained by the WebSocket broadcaster.
//
// Locking is per entity. Each operation acquires exactly one entity lock,
// mutates, and emits before releasing, so a subscriber observes events for
// a given entity in the same order as the mutations. Reads return copies.
//
// Persistence is best-effort: detections and alert transitions are handed
// to an optional Sink. Sink failures are counted and logged, never
// propagated; in-memory state is the source of truth while the process
// lives.
package state

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// AlertLevel is the ordered severity that drives the visual and GSM
// side-effects. Higher values are more severe.
type AlertLevel int

const (
	AlertSafe AlertLevel = iota
	AlertCalling
	AlertMessaging
	AlertDanger
	AlertEvacuate
)

var alertNames = [...]string{"SAFE", "CALLING", "MESSAGING", "DANGER", "EVACUATE"}

// String returns the wire name of the level ("SAFE" .. "EVACUATE").
func (l AlertLevel) String() string {
	if l < AlertSafe || l > AlertEvacuate {
		return fmt.Sprintf("AlertLevel(%d)", int(l))
	}
	return alertNames[l]
}

// Valid reports whether l is one of the five defined levels.
func (l AlertLevel) Valid() bool { return l >= AlertSafe && l <= AlertEvacuate }

// Vec3 is an x/y/z triple as reported by the gyro and accelerometer.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// SensorReading is the latest microcontroller telemetry. Latest-write-wins;
// the store retains exactly one reading.
type SensorReading struct {
	Fire        bool    `json:"fire"`
	Raining     float64 `json:"raining"`
	Orientation Vec3    `json:"earthquake"`
	Accel       Vec3    `json:"accel"`
	Timestamp   float64 `json:"timestamp"`
}

// SensorUpdate carries a partial telemetry update; nil fields keep the
// previous value.
type SensorUpdate struct {
	Fire        *bool
	Raining     *float64
	Orientation *Vec3
	Accel       *Vec3
}

// HazardClasses is the classifier vocabulary. Order matters: class indices
// on the wire refer to positions in this list.
var HazardClasses = []string{
	"Fire",
	"Smoke",
	"Flood",
	"Falling Debris",
	"Landslide",
	"Explosion",
	"Collapsed Structure",
	"Industrial Accident",
}

// Detection is one classifier hit in source-frame pixel coordinates.
type Detection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
	FrameID    string     `json:"frame_id"`
	Timestamp  float64    `json:"timestamp"`
}

// Device is the record of one attached peer: the microcontroller, a camera,
// or an inference worker.
type Device struct {
	ID        string  `json:"device_id"`
	Kind      string  `json:"device_type"`
	Connected bool    `json:"connected"`
	LastSeen  float64 `json:"last_seen"`
	Addr      string  `json:"port"`
}

// AlertStatus is the current level in its wire shape.
type AlertStatus struct {
	State string `json:"state"`
	Value int    `json:"value"`
}

// AlertTransition is one entry of the alert history ring.
type AlertTransition struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Reason    string  `json:"reason"`
	Timestamp float64 `json:"timestamp"`
}

// GsmContact is a persisted emergency contact. Mode selects call or SMS
// handling; Category routes the contact to matching hazard sequences.
type GsmContact struct {
	Mode     string `json:"mode"`
	Number   string `json:"number"`
	Name     string `json:"name"`
	Message  string `json:"message,omitempty"`
	Category string `json:"category"`
}

// ManualAction is one queued operator override awaiting the control loop.
type ManualAction struct {
	Action    string  `json:"action"`
	Details   string  `json:"details"`
	Timestamp float64 `json:"timestamp"`
}

// Snapshot is the full-state view served by /api/status and the WebSocket
// init message.
type Snapshot struct {
	Sensor     SensorReading `json:"sensor"`
	Alert      AlertStatus   `json:"alert"`
	Devices    []Device      `json:"devices"`
	Detections []Detection   `json:"detections"`
}

// Counters are the drop and failure tallies surfaced by /api/status.
type Counters struct {
	EventsDropped       int64 `json:"events_dropped"`
	ManualDropped       int64 `json:"manual_actions_dropped"`
	PersistenceFailures int64 `json:"persistence_failures"`
}

// Sink receives detections and alert transitions for durable storage.
// Implementations may batch internally; they must be safe for concurrent
// use. A nil Sink disables persistence.
type Sink interface {
	LogDetection(d Detection) error
	LogAlert(state, reason string) error
}

const (
	maxDetections    = 100
	maxAlertHistory  = 50
	maxManualActions = 10
	eventQueueSize   = 1000
)

// Store is the coordinator's single shared-state owner. Construct with New;
// all methods are safe for concurrent use.
type Store struct {
	log  *slog.Logger
	sink Sink

	sensorMu sync.RWMutex
	sensor   SensorReading

	detMu      sync.RWMutex
	detections []Detection

	devMu   sync.RWMutex
	devices map[string]Device

	alertMu     sync.RWMutex
	alert       AlertLevel
	history     []AlertTransition
	lastChanged atomic.Int64 // unix nanos of the last level change, for lock-free staleness checks

	contactMu sync.RWMutex
	contacts  []GsmContact

	manualMu sync.Mutex
	manual   []ManualAction

	subMu   sync.RWMutex
	subs    []subscriber
	nextSub int

	events chan Event

	accessCode string

	eventsDropped atomic.Int64
	manualDropped atomic.Int64
	sinkFailures  atomic.Int64
}

// Option customises Store construction.
type Option func(*Store)

// WithSink wires the persistence sink for detections and alert transitions.
func WithSink(s Sink) Option {
	return func(st *Store) { st.sink = s }
}

// WithAccessCode overrides the generated pairing code. Intended for tests.
func WithAccessCode(code string) Option {
	return func(st *Store) { st.accessCode = code }
}

// New creates an empty Store. The pairing access code is generated here and
// is fixed for the life of the process.
func New(logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		log:        logger.With(slog.String("component", "state")),
		devices:    make(map[string]Device),
		events:     make(chan Event, eventQueueSize),
		accessCode: fmt.Sprintf("%06d", 100000+rand.IntN(900000)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastChanged.Store(time.Now().UnixNano())
	return s
}

// Subscribe registers fn for every subsequent emission and returns the
// subscriber id for Unsubscribe. fn runs synchronously on the mutating
// goroutine; see the package comment for the subscriber contract.
func (s *Store) Subscribe(fn func(Event)) int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: s.nextSub, fn: fn})
	return s.nextSub
}

// Unsubscribe removes the subscriber registered under id. Unknown ids are
// ignored.
func (s *Store) Unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// Events is the bounded fan-out queue. The WebSocket broadcaster drains it;
// when it falls behind, the newest events are dropped and counted.
func (s *Store) Events() <-chan Event {
	return s.events
}

// emit queues ev for the fan-out drain and then invokes every subscriber.
// Callers hold the entity lock of the mutated entity, which is what makes
// per-entity event order match mutation order.
func (s *Store) emit(topic string, data any) {
	ev := Event{Topic: topic, Data: data, Timestamp: unixNow()}

	select {
	case s.events <- ev:
	default:
		s.eventsDropped.Add(1)
	}

	s.subMu.RLock()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subMu.RUnlock()

	for _, sub := range subs {
		s.invoke(sub, ev)
	}
}

// invoke runs one subscriber, isolating panics so a faulty subscriber cannot
// break delivery to the rest.
func (s *Store) invoke(sub subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("subscriber panicked",
				slog.Int("subscriber", sub.id),
				slog.String("topic", ev.Topic),
				slog.Any("panic", r),
			)
		}
	}()
	sub.fn(ev)
}

// UpdateSensor merges a partial telemetry update into the retained reading
// and emits sensor_update with the merged snapshot.
func (s *Store) UpdateSensor(u SensorUpdate) {
	s.sensorMu.Lock()
	defer s.sensorMu.Unlock()

	if u.Fire != nil {
		s.sensor.Fire = *u.Fire
	}
	if u.Raining != nil {
		s.sensor.Raining = *u.Raining
	}
	if u.Orientation != nil {
		s.sensor.Orientation = *u.Orientation
	}
	if u.Accel != nil {
		s.sensor.Accel = *u.Accel
	}
	s.sensor.Timestamp = unixNow()

	s.emit(TopicSensorUpdate, s.sensor)
}

// Sensor returns the latest telemetry reading.
func (s *Store) Sensor() SensorReading {
	s.sensorMu.RLock()
	defer s.sensorMu.RUnlock()
	return s.sensor
}

// AddDetection appends a classifier hit to the in-memory ring, hands it to
// the persistence sink, and emits a detection event.
func (s *Store) AddDetection(class string, confidence float64, bbox [4]float64, frameID string) {
	d := Detection{
		Class:      class,
		Confidence: confidence,
		BBox:       bbox,
		FrameID:    frameID,
		Timestamp:  unixNow(),
	}

	s.detMu.Lock()
	defer s.detMu.Unlock()

	s.detections = append(s.detections, d)
	if len(s.detections) > maxDetections {
		s.detections = s.detections[len(s.detections)-maxDetections:]
	}

	if s.sink != nil {
		if err := s.sink.LogDetection(d); err != nil {
			s.sinkFailures.Add(1)
			s.log.Error("detection persist failed", slog.Any("error", err))
		}
	}

	s.emit(TopicDetection, d)
}

// Detections returns up to limit of the most recent detections, oldest
// first. limit <= 0 means the default page of 20.
func (s *Store) Detections(limit int) []Detection {
	if limit <= 0 {
		limit = 20
	}
	s.detMu.RLock()
	defer s.detMu.RUnlock()
	n := len(s.detections)
	if limit > n {
		limit = n
	}
	out := make([]Detection, limit)
	copy(out, s.detections[n-limit:])
	return out
}

// UpdateDevice upserts a device record, stamps last_seen, and emits
// device_update.
func (s *Store) UpdateDevice(id, kind string, connected bool, addr string) {
	d := Device{
		ID:        id,
		Kind:      kind,
		Connected: connected,
		LastSeen:  unixNow(),
		Addr:      addr,
	}

	s.devMu.Lock()
	defer s.devMu.Unlock()
	s.devices[id] = d
	s.emit(TopicDeviceUpdate, d)
}

// Devices returns a copy of every known device record.
func (s *Store) Devices() []Device {
	s.devMu.RLock()
	defer s.devMu.RUnlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

// SetAlert moves the alert to level. Setting the current level again is a
// no-op: no history entry, no persistence, no emission. A real transition
// appends to the history ring, logs through the sink, and emits
// alert_change.
func (s *Store) SetAlert(level AlertLevel, reason string) {
	if !level.Valid() {
		s.log.Warn("ignoring out-of-range alert level", slog.Int("level", int(level)))
		return
	}

	s.alertMu.Lock()
	defer s.alertMu.Unlock()

	if level == s.alert {
		return
	}

	from := s.alert
	s.alert = level
	now := time.Now()
	s.lastChanged.Store(now.UnixNano())

	s.history = append(s.history, AlertTransition{
		From:      from.String(),
		To:        level.String(),
		Reason:    reason,
		Timestamp: unixSeconds(now),
	})
	if len(s.history) > maxAlertHistory {
		s.history = s.history[len(s.history)-maxAlertHistory:]
	}

	if s.sink != nil {
		if err := s.sink.LogAlert(level.String(), reason); err != nil {
			s.sinkFailures.Add(1)
			s.log.Error("alert persist failed", slog.Any("error", err))
		}
	}

	s.emit(TopicAlertChange, map[string]any{
		"state":  level.String(),
		"value":  int(level),
		"reason": reason,
	})
}

// Alert returns the current level.
func (s *Store) Alert() AlertLevel {
	s.alertMu.RLock()
	defer s.alertMu.RUnlock()
	return s.alert
}

// AlertStatus returns the current level in its wire shape.
func (s *Store) AlertStatus() AlertStatus {
	s.alertMu.RLock()
	defer s.alertMu.RUnlock()
	return AlertStatus{State: s.alert.String(), Value: int(s.alert)}
}

// AlertHistory returns up to limit of the most recent transitions, oldest
// first. limit <= 0 means 20.
func (s *Store) AlertHistory(limit int) []AlertTransition {
	if limit <= 0 {
		limit = 20
	}
	s.alertMu.RLock()
	defer s.alertMu.RUnlock()
	n := len(s.history)
	if limit > n {
		limit = n
	}
	out := make([]AlertTransition, limit)
	copy(out, s.history[n-limit:])
	return out
}

// LastAlertChange reports when the level last moved. The control loop uses
// it for the stale-alert auto-clear; it is read without taking the alert
// lock so the 0.5s tick never contends with emission.
func (s *Store) LastAlertChange() time.Time {
	return time.Unix(0, s.lastChanged.Load())
}

// AddGsmContact inserts or replaces (by number) an emergency contact and
// emits gsm_update with the regrouped contact set.
func (s *Store) AddGsmContact(c GsmContact) {
	if c.Category == "" {
		c.Category = "general"
	}

	s.contactMu.Lock()
	defer s.contactMu.Unlock()

	replaced := false
	for i := range s.contacts {
		if s.contacts[i].Number == c.Number {
			s.contacts[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		s.contacts = append(s.contacts, c)
	}

	s.emit(TopicGsmUpdate, groupContacts(s.contacts))
}

// DeleteGsmContact removes the contact with the given number, if present,
// and emits gsm_update.
func (s *Store) DeleteGsmContact(number string) {
	s.contactMu.Lock()
	defer s.contactMu.Unlock()

	for i := range s.contacts {
		if s.contacts[i].Number == number {
			s.contacts = append(s.contacts[:i], s.contacts[i+1:]...)
			s.emit(TopicGsmUpdate, groupContacts(s.contacts))
			return
		}
	}
}

// GsmContacts returns the contact set grouped by mode, the shape the
// dashboard and the GSM sequence both consume.
func (s *Store) GsmContacts() map[string][]GsmContact {
	s.contactMu.RLock()
	defer s.contactMu.RUnlock()
	return groupContacts(s.contacts)
}

// SetGsmContacts replaces the whole contact set without emitting, used once
// at boot to seed from persistence.
func (s *Store) SetGsmContacts(contacts []GsmContact) {
	s.contactMu.Lock()
	defer s.contactMu.Unlock()
	s.contacts = append([]GsmContact(nil), contacts...)
}

func groupContacts(contacts []GsmContact) map[string][]GsmContact {
	grouped := map[string][]GsmContact{
		"sms":  {},
		"call": {},
	}
	for _, c := range contacts {
		grouped[c.Mode] = append(grouped[c.Mode], c)
	}
	return grouped
}

// TriggerManualAction queues an operator override for the control loop.
// The queue holds ten entries; when full the oldest is discarded so the
// latest operator intent always wins.
func (s *Store) TriggerManualAction(action, details string) {
	a := ManualAction{Action: action, Details: details, Timestamp: unixNow()}

	s.manualMu.Lock()
	defer s.manualMu.Unlock()

	if len(s.manual) >= maxManualActions {
		s.manual = s.manual[1:]
		s.manualDropped.Add(1)
	}
	s.manual = append(s.manual, a)

	s.emit(TopicManualTrigger, a)
}

// DrainManualActions removes and returns every queued manual action in FIFO
// order.
func (s *Store) DrainManualActions() []ManualAction {
	s.manualMu.Lock()
	defer s.manualMu.Unlock()
	out := s.manual
	s.manual = nil
	return out
}

// Publish emits an event that is not tied to a store entity, e.g. the
// control engine's hazard_detected.
func (s *Store) Publish(topic string, data any) {
	s.emit(topic, data)
}

// AccessCode returns the six-digit pairing code generated at startup.
func (s *Store) AccessCode() string { return s.accessCode }

// VerifyAccessCode reports whether code matches the pairing code.
func (s *Store) VerifyAccessCode(code string) bool { return code == s.accessCode }

// Snapshot assembles the full-state view: sensor, alert, devices, and the
// ten most recent detections.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		Sensor:     s.Sensor(),
		Alert:      s.AlertStatus(),
		Devices:    s.Devices(),
		Detections: s.Detections(10),
	}
}

// Counters returns the drop and persistence-failure tallies.
func (s *Store) Counters() Counters {
	return Counters{
		EventsDropped:       s.eventsDropped.Load(),
		ManualDropped:       s.manualDropped.Load(),
		PersistenceFailures: s.sinkFailures.Load(),
	}
}

func unixNow() float64 { return unixSeconds(time.Now()) }

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
