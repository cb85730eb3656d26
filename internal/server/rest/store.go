package rest

import (
	"context"

	"github.com/evacnet/guardian/internal/fleet"
	"github.com/evacnet/guardian/internal/state"
	"github.com/evacnet/guardian/internal/store"
)

// State is the in-memory state surface the handlers read and mutate.
// *state.Store satisfies it; tests use a lighter fake.
type State interface {
	Snapshot() state.Snapshot
	Counters() state.Counters
	Sensor() state.SensorReading
	Devices() []state.Device
	Detections(limit int) []state.Detection
	AlertStatus() state.AlertStatus
	AlertHistory(limit int) []state.AlertTransition
	AccessCode() string
	VerifyAccessCode(code string) bool
	GsmContacts() map[string][]state.GsmContact
	AddGsmContact(c state.GsmContact)
	DeleteGsmContact(number string)
	TriggerManualAction(action, details string)
	UpdateDevice(id, kind string, connected bool, addr string)
}

// Persistence is the durable-store subset used by the contact,
// classification, and history endpoints. store.Backend satisfies it.
type Persistence interface {
	AddContact(ctx context.Context, c state.GsmContact) error
	DeleteContact(ctx context.Context, number string) error
	SetWorkerClassification(ctx context.Context, deviceID, classification string) error
	WorkerClassifications(ctx context.Context) (map[string]string, error)
	DetectionHistory(ctx context.Context, limit int) ([]store.DetectionRow, error)
}

// Control is the decision-engine surface behind the alert mutation
// endpoints.
type Control interface {
	ManualAlert(level state.AlertLevel, reason string)
	SetSafeMode()
	SetEvacuateMode(exitZone int) int
}

// Fleet lists the connected inference workers.
type Fleet interface {
	Workers() []fleet.Worker
}

// Vision registers camera streams with the acquisition pipeline.
type Vision interface {
	AddCamera(id, source string) error
	Cameras() []string
}

// Frames serves the latest annotated JPEG per camera for the MJPEG relay.
type Frames interface {
	Get(id string) ([]byte, bool)
}

// Settings supplies the runtime settings document and applies partial
// updates (merge, persist, live-apply).
type Settings interface {
	CurrentSettings() store.Settings
	UpdateSettings(partial []byte) (store.Settings, error)
}
